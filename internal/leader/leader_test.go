package leader

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"edgeplane/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:leader_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// The runner test heartbeats while the test writes; a single
	// connection avoids sqlite write contention.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMutualExclusion(t *testing.T) {
	lock := New(openTestDB(t))
	ctx := context.Background()

	ok, err := lock.TryAcquireOrRefresh(ctx, "rollup_5m", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if !ok {
		t.Fatalf("worker-a should have acquired the lock")
	}

	ok, err = lock.TryAcquireOrRefresh(ctx, "rollup_5m", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if ok {
		t.Fatalf("worker-b must not acquire a held lock")
	}

	// Different lock keys are independent.
	ok, err = lock.TryAcquireOrRefresh(ctx, "lease_recovery", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire other key: %v", err)
	}
	if !ok {
		t.Fatalf("worker-b should hold an unrelated lock key")
	}
}

func TestRefreshExtendsAndBumpsVersion(t *testing.T) {
	db := openTestDB(t)
	lock := New(db)
	ctx := context.Background()

	if ok, _ := lock.TryAcquireOrRefresh(ctx, "job", "w1", time.Minute); !ok {
		t.Fatalf("initial acquire failed")
	}
	var first store.SchedulerLock
	if err := db.First(&first, "lock_key = ?", "job").Error; err != nil {
		t.Fatalf("load lock: %v", err)
	}

	if ok, _ := lock.TryAcquireOrRefresh(ctx, "job", "w1", time.Minute); !ok {
		t.Fatalf("refresh by holder failed")
	}
	var second store.SchedulerLock
	if err := db.First(&second, "lock_key = ?", "job").Error; err != nil {
		t.Fatalf("load lock: %v", err)
	}
	if second.Version <= first.Version {
		t.Fatalf("refresh must bump version: %d -> %d", first.Version, second.Version)
	}
	if second.ExpiresAt.Before(first.ExpiresAt) {
		t.Fatalf("refresh must extend expiry")
	}
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	lock := New(openTestDB(t))
	ctx := context.Background()

	if ok, _ := lock.TryAcquireOrRefresh(ctx, "job", "dead", 20*time.Millisecond); !ok {
		t.Fatalf("initial acquire failed")
	}
	// Holder stops heartbeating; failover is bounded by the timeout.
	time.Sleep(40 * time.Millisecond)

	ok, err := lock.TryAcquireOrRefresh(ctx, "job", "successor", time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !ok {
		t.Fatalf("expired lock must be reclaimable")
	}

	// The dead holder is no longer authoritative.
	ok, _ = lock.TryAcquireOrRefresh(ctx, "job", "dead", time.Minute)
	if ok {
		t.Fatalf("previous holder must not regain a reclaimed lock")
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	lock := New(openTestDB(t))
	ctx := context.Background()

	if ok, _ := lock.TryAcquireOrRefresh(ctx, "job", "w1", time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	if err := lock.Release(ctx, "job", "intruder"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	if ok, _ := lock.TryAcquireOrRefresh(ctx, "job", "w2", time.Minute); ok {
		t.Fatalf("foreign release must not free the lock")
	}

	if err := lock.Release(ctx, "job", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := lock.TryAcquireOrRefresh(ctx, "job", "w2", time.Minute); !ok {
		t.Fatalf("released lock must be acquirable")
	}
}

func TestRunnerLosesLeadershipWhenLockTaken(t *testing.T) {
	db := openTestDB(t)
	lock := New(db)
	ctx := context.Background()

	r := NewRunner(lock, "job", "w1", 25*time.Millisecond, 10*time.Millisecond)
	r.Start(ctx)
	defer r.Stop(ctx)
	if !r.IsLeader() {
		t.Fatalf("runner should lead immediately on a free lock")
	}

	// Simulate an ungraceful takeover: the row expires and another
	// process grabs it before our next heartbeat succeeds.
	now := time.Now().UTC()
	if err := db.Model(&store.SchedulerLock{}).Where("lock_key = ?", "job").
		Updates(map[string]any{"holder_id": "usurper", "expires_at": now.Add(time.Hour)}).Error; err != nil {
		t.Fatalf("takeover update: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for r.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.IsLeader() {
		t.Fatalf("runner must stop claiming leadership after losing the lock")
	}
}

func TestLeadershipLossCancelsLeaderContext(t *testing.T) {
	db := openTestDB(t)
	lock := New(db)
	ctx := context.Background()

	r := NewRunner(lock, "job", "w1", 25*time.Millisecond, 10*time.Millisecond)
	r.Start(ctx)
	defer r.Stop(ctx)

	leaderCtx, ok := r.LeaderContext()
	if !ok {
		t.Fatalf("runner should lead immediately on a free lock")
	}

	// A job holding leaderCtx must be cancelled when another holder
	// takes over, not allowed to run to completion.
	now := time.Now().UTC()
	if err := db.Model(&store.SchedulerLock{}).Where("lock_key = ?", "job").
		Updates(map[string]any{"holder_id": "usurper", "expires_at": now.Add(time.Hour)}).Error; err != nil {
		t.Fatalf("takeover update: %v", err)
	}

	select {
	case <-leaderCtx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("leadership context not cancelled after losing the lock")
	}
	if _, ok := r.LeaderContext(); ok {
		t.Fatalf("LeaderContext must report not leading after the loss")
	}
}
