// Package scheduler runs the periodic maintenance jobs. Each job type
// has its own leader lock, so a fleet of identical worker processes
// runs at most one active instance per job while different job types
// proceed concurrently.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"edgeplane/internal/leader"
)

// Job is one leader-gated periodic task. LockKey doubles as the job's
// name in logs and lock status output.
type Job struct {
	LockKey string
	Spec    string // cron spec, seconds field included
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	cron     *cron.Cron
	lock     *leader.Lock
	holderID string
	timeout  time.Duration
	interval time.Duration

	runners []*leader.Runner
}

func New(lock *leader.Lock, holderID string, timeout, heartbeat time.Duration) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		lock:     lock,
		holderID: holderID,
		timeout:  timeout,
		interval: heartbeat,
	}
}

// Register wires a job behind its own leadership runner. The job
// context derives from the runner's leadership context, so a job
// already running when the lock is lost is cancelled mid-flight rather
// than racing the new leader.
func (s *Scheduler) Register(job Job) error {
	runner := leader.NewRunner(s.lock, job.LockKey, s.holderID, s.timeout, s.interval)
	s.runners = append(s.runners, runner)
	_, err := s.cron.AddFunc(job.Spec, func() {
		leaderCtx, ok := runner.LeaderContext()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(leaderCtx, s.timeout)
		defer cancel()
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			// Job failures roll back and retry on the next tick; the
			// store is eventually consistent with respect to rollups.
			slog.Error("scheduled job failed", "job", job.LockKey, "error", err)
			return
		}
		slog.Debug("scheduled job done", "job", job.LockKey, "elapsed", time.Since(start))
	})
	return err
}

func (s *Scheduler) Start(ctx context.Context) {
	for _, r := range s.runners {
		r.Start(ctx)
	}
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.runners), "holder_id", s.holderID)
}

func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	for _, r := range s.runners {
		r.Stop(ctx)
	}
	slog.Info("scheduler stopped")
}
