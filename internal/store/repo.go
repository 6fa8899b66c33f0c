package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	// Keep warnings/errors but suppress ErrRecordNotFound: identity
	// resolution and dedupe lookups miss in the normal case.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

// Migrate creates the control-plane schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Device{},
		&LiveTelemetry{},
		&RawSample{},
		&Rollup5m{},
		&RollupDaily{},
		&Command{},
		&AuditEvent{},
		&SchedulerLock{},
		&SiteKey{},
	); err != nil {
		return err
	}
	// At most one in-flight command per dedupe key, enforced even when
	// two rule evaluations race past the application-level check.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_dedupe_inflight
		ON commands (dedupe_key)
		WHERE dedupe_key <> '' AND status IN ('pending', 'dispatched')`).Error
}
