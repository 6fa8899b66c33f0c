package leader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Runner maintains leadership over one lock key with a heartbeat loop.
// IsLeader answers instantly from the last heartbeat result; a lost
// lock flips it to false and cancels the leadership context, so
// exclusive work already in flight stops instead of running out.
type Runner struct {
	lock      *Lock
	lockKey   string
	holderID  string
	timeout   time.Duration
	heartbeat time.Duration

	leader atomic.Bool
	stop   chan struct{}
	done   chan struct{}

	mu           sync.Mutex
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
}

func NewRunner(lock *Lock, lockKey, holderID string, timeout, heartbeat time.Duration) *Runner {
	return &Runner{
		lock:      lock,
		lockKey:   lockKey,
		holderID:  holderID,
		timeout:   timeout,
		heartbeat: heartbeat,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *Runner) IsLeader() bool { return r.leader.Load() }

// LeaderContext returns a context that is cancelled the moment this
// runner loses leadership. ok is false while not leading.
func (r *Runner) LeaderContext() (ctx context.Context, ok bool) {
	if !r.leader.Load() {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaderCtx == nil {
		return nil, false
	}
	return r.leaderCtx, true
}

func (r *Runner) promote(parent context.Context) {
	r.mu.Lock()
	r.leaderCtx, r.leaderCancel = context.WithCancel(parent)
	r.mu.Unlock()
	r.leader.Store(true)
}

func (r *Runner) demote() {
	r.leader.Store(false)
	r.mu.Lock()
	if r.leaderCancel != nil {
		r.leaderCancel()
		r.leaderCancel = nil
		r.leaderCtx = nil
	}
	r.mu.Unlock()
}

// Start attempts an immediate acquisition and then heartbeats until
// Stop. Losing the lock does not end the loop: the runner keeps trying
// and may regain leadership after the foreign holder dies.
func (r *Runner) Start(ctx context.Context) {
	r.tick(ctx)
	go func() {
		defer close(r.done)
		t := time.NewTicker(r.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				r.tick(ctx)
			}
		}
	}()
}

func (r *Runner) tick(ctx context.Context) {
	ok, err := r.lock.TryAcquireOrRefresh(ctx, r.lockKey, r.holderID, r.timeout)
	if err != nil {
		// Treat storage errors as lost leadership: we cannot prove the
		// lock is still ours, so exclusive work must stop.
		slog.Error("leader heartbeat failed", "lock_key", r.lockKey, "error", err)
		r.demote()
		return
	}
	was := r.leader.Load()
	switch {
	case ok && !was:
		r.promote(ctx)
		slog.Info("leadership acquired", "lock_key", r.lockKey, "holder_id", r.holderID)
	case !ok && was:
		r.demote()
		slog.Warn("leadership lost", "lock_key", r.lockKey, "holder_id", r.holderID)
	}
}

// Stop ends the heartbeat loop and releases the lock if held.
func (r *Runner) Stop(ctx context.Context) {
	close(r.stop)
	<-r.done
	held := r.leader.Load()
	r.demote()
	if held {
		if err := r.lock.Release(ctx, r.lockKey, r.holderID); err != nil {
			slog.Warn("lock release failed", "lock_key", r.lockKey, "error", err)
		}
	}
}
