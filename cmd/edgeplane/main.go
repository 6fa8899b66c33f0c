package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"edgeplane/internal/audit"
	"edgeplane/internal/command"
	"edgeplane/internal/config"
	"edgeplane/internal/httpapi"
	"edgeplane/internal/leader"
	mqttpkg "edgeplane/internal/mqtt"
	"edgeplane/internal/observability"
	"edgeplane/internal/scheduler"
	"edgeplane/internal/store"
	"edgeplane/internal/telemetry"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevelVar()})))

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName,
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}
	if err := store.Migrate(db); err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	var cache *store.StateCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		cache = store.NewStateCache(rdb)
	}

	var events *mqttpkg.Client
	if cfg.MQTTBrokerURL != "" {
		events, err = mqttpkg.New(cfg.MQTTBrokerURL)
		if err != nil {
			slog.Error("mqtt init failed", "error", err)
			os.Exit(1)
		}
		defer events.Disconnect()
	}

	chain := audit.New(db)
	lock := leader.New(db)
	keys := store.NewKeys(db)
	pipeline := telemetry.NewPipeline(db, cache, events)
	tiers := telemetry.NewStore(db, cache)
	commands := command.New(db, chain, events, cfg.LeaseDuration, cfg.BaseBackoff)
	jobs := telemetry.NewJobs(db, telemetry.Retention{
		Raw: cfg.RawRetention, Rollup5m: cfg.Rollup5mRetention, Daily: cfg.DailyRetention,
	})

	sched := scheduler.New(lock, cfg.HolderID, cfg.LockTimeout, cfg.HeartbeatInterval)
	registerJobs(sched, jobs, commands)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/", httpapi.NewServer(pipeline, tiers, commands, chain, lock, keys, cfg.PollBatchLimit).Routes())
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()
	slog.Info("edgeplane started", "port", cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop(shutdownCtx)
	slog.Info("edgeplane stopped")
}

func registerJobs(sched *scheduler.Scheduler, jobs *telemetry.Jobs, commands *command.Service) {
	add := func(job scheduler.Job) {
		if err := sched.Register(job); err != nil {
			slog.Error("job registration failed", "job", job.LockKey, "error", err)
			os.Exit(1)
		}
	}

	add(scheduler.Job{
		LockKey: "rollup_5m",
		Spec:    "0 */5 * * * *",
		Run: func(ctx context.Context) error {
			// Overlap the previous window; the rollup overwrites
			// buckets, so re-aggregating is safe.
			end := time.Now().UTC().Truncate(5 * time.Minute)
			_, err := jobs.Rollup5m(ctx, end.Add(-70*time.Minute), end)
			countJob("rollup_5m", err)
			return err
		},
	})
	add(scheduler.Job{
		LockKey: "rollup_daily",
		Spec:    "0 10 * * * *",
		Run: func(ctx context.Context) error {
			end := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
			_, err := jobs.RollupDaily(ctx, end.Add(-48*time.Hour), end)
			countJob("rollup_daily", err)
			return err
		},
	})
	add(scheduler.Job{
		LockKey: "tier_cleanup",
		Spec:    "0 25 * * * *",
		Run: func(ctx context.Context) error {
			err := jobs.Cleanup(ctx, time.Now().UTC())
			countJob("tier_cleanup", err)
			return err
		},
	})
	add(scheduler.Job{
		LockKey: "lease_recovery",
		Spec:    "*/30 * * * * *",
		Run: func(ctx context.Context) error {
			retried, failed, err := commands.RecoverExpiredLeases(ctx)
			if retried > 0 || failed > 0 {
				slog.Info("lease recovery", "retried", retried, "failed", failed)
			}
			countJob("lease_recovery", err)
			return err
		},
	})
	add(scheduler.Job{
		LockKey: "command_expiry",
		Spec:    "0 * * * * *",
		Run: func(ctx context.Context) error {
			n, err := commands.ExpireOverdue(ctx)
			if n > 0 {
				slog.Info("commands expired", "count", n)
			}
			countJob("command_expiry", err)
			return err
		},
	})
}

func countJob(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.RollupRuns.WithLabelValues(job, outcome).Inc()
}
