package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"edgeplane/internal/leader"
	"edgeplane/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:scheduler_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Heartbeats from multiple runners write concurrently; serialize the
	// sqlite connection so the test exercises the lock logic, not the
	// driver's write contention.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestNonLeaderNeverRunsJob(t *testing.T) {
	db := openTestDB(t)
	lock := leader.New(db)
	ctx := context.Background()

	// Another process already leads this job type.
	if ok, err := lock.TryAcquireOrRefresh(ctx, "test_job", "existing-leader", time.Minute); err != nil || !ok {
		t.Fatalf("seed leader: ok=%v err=%v", ok, err)
	}

	var ran atomic.Int64
	sched := New(lock, "worker-b", time.Minute, 50*time.Millisecond)
	if err := sched.Register(Job{
		LockKey: "test_job",
		Spec:    "* * * * * *",
		Run:     func(context.Context) error { ran.Add(1); return nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	sched.Start(ctx)
	time.Sleep(2500 * time.Millisecond)
	sched.Stop(ctx)

	if ran.Load() != 0 {
		t.Fatalf("non-leader ran the job %d times", ran.Load())
	}
}

func TestDistinctJobTypesRunConcurrently(t *testing.T) {
	db := openTestDB(t)
	lock := leader.New(db)
	ctx := context.Background()

	var ran1, ran2 atomic.Int64
	sched := New(lock, "worker-a", time.Minute, 50*time.Millisecond)
	for _, job := range []Job{
		{LockKey: "job_one", Spec: "* * * * * *", Run: func(context.Context) error { ran1.Add(1); return nil }},
		{LockKey: "job_two", Spec: "* * * * * *", Run: func(context.Context) error { ran2.Add(1); return nil }},
	} {
		if err := sched.Register(job); err != nil {
			t.Fatalf("register %s: %v", job.LockKey, err)
		}
	}
	sched.Start(ctx)
	time.Sleep(2500 * time.Millisecond)
	sched.Stop(ctx)

	if ran1.Load() == 0 || ran2.Load() == 0 {
		t.Fatalf("both job types should run: %d, %d", ran1.Load(), ran2.Load())
	}
}
