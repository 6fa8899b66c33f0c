// Package leader implements a database-backed mutex electing exactly
// one active process per named background job across a fleet of
// identical workers.
package leader

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"edgeplane/internal/store"
)

type Lock struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Lock {
	return &Lock{db: db}
}

// TryAcquireOrRefresh garbage-collects expired rows, then atomically
// either takes the lock, extends it if we already hold it, or reports
// that another holder is active. Returning false means the caller is
// not the leader and must not run exclusive work.
func (l *Lock) TryAcquireOrRefresh(ctx context.Context, lockKey, holderID string, timeout time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Expired rows are dead leadership; anyone may reap them.
	if err := l.db.WithContext(ctx).
		Where("lock_key = ? AND expires_at < ?", lockKey, now).
		Delete(&store.SchedulerLock{}).Error; err != nil {
		return false, err
	}

	acquired := false
	errLost := errors.New("lock lost to concurrent acquirer")
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row store.SchedulerLock
		err := tx.Where("lock_key = ?", lockKey).First(&row).Error
		switch {
		case err == nil:
			if row.ExpiresAt.After(now) && row.HolderID != holderID {
				return nil // someone else leads
			}
			refreshed := tx.Model(&store.SchedulerLock{}).
				Where("lock_key = ? AND holder_id = ?", lockKey, holderID).
				Updates(map[string]any{
					"expires_at":     now.Add(timeout),
					"last_heartbeat": now,
					"version":        gorm.Expr("version + 1"),
				})
			if refreshed.Error != nil {
				return refreshed.Error
			}
			if refreshed.RowsAffected == 0 {
				// Expired row held by someone else: replace it.
				if err := tx.Where("lock_key = ?", lockKey).Delete(&store.SchedulerLock{}).Error; err != nil {
					return err
				}
				if err := tx.Create(&store.SchedulerLock{
					LockKey: lockKey, HolderID: holderID,
					AcquiredAt: now, ExpiresAt: now.Add(timeout), LastHeartbeat: now, Version: 1,
				}).Error; err != nil {
					return err
				}
			}
			acquired = true
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&store.SchedulerLock{
				LockKey: lockKey, HolderID: holderID,
				AcquiredAt: now, ExpiresAt: now.Add(timeout), LastHeartbeat: now, Version: 1,
			}).Error; err != nil {
				if store.IsDuplicateKey(err) {
					// A concurrent acquirer won the insert race; roll back.
					return errLost
				}
				return err
			}
			acquired = true
			return nil
		default:
			return err
		}
	})
	if errors.Is(err, errLost) {
		return false, nil
	}
	return acquired, err
}

// Release drops the lock iff this holder still owns it. Releasing a
// lock held by another process is a no-op.
func (l *Lock) Release(ctx context.Context, lockKey, holderID string) error {
	return l.db.WithContext(ctx).
		Where("lock_key = ? AND holder_id = ?", lockKey, holderID).
		Delete(&store.SchedulerLock{}).Error
}

// Status lists all lock rows for the operator API.
func (l *Lock) Status(ctx context.Context) ([]store.SchedulerLock, error) {
	var rows []store.SchedulerLock
	err := l.db.WithContext(ctx).Order("lock_key asc").Find(&rows).Error
	return rows, err
}
