package command

import (
	"context"
	"time"

	"edgeplane/internal/store"
)

// RecoverExpiredLeases reclaims every dispatched command whose lease
// ran out. Under max_retries the command goes back to pending with
// exponential backoff (base × 2^(n-1)); past it the command fails
// terminally. Both paths emit an audit event naming the reason. Runs
// under the lease_recovery leader lock.
func (s *Service) RecoverExpiredLeases(ctx context.Context) (retried, failed int, err error) {
	now := time.Now().UTC()

	var expired []store.Command
	if err := s.db.WithContext(ctx).
		Where("status = ? AND lease_until IS NOT NULL AND lease_until < ?", store.CommandDispatched, now).
		Find(&expired).Error; err != nil {
		return 0, 0, err
	}

	for i := range expired {
		cmd := &expired[i]
		prevOwner := cmd.LeaseOwner
		if cmd.RetryCount < cmd.MaxRetries {
			retryCount := cmd.RetryCount + 1
			nextAttempt := now.Add(s.baseBackoff * time.Duration(1<<(retryCount-1)))
			uerr := s.db.WithContext(ctx).Model(cmd).
				Where("status = ?", store.CommandDispatched).
				Updates(map[string]any{
					"status":          store.CommandPending,
					"lease_owner":     "",
					"lease_until":     nil,
					"retry_count":     retryCount,
					"next_attempt_at": nextAttempt,
				}).Error
			if uerr != nil {
				return retried, failed, uerr
			}
			retried++
			s.appendAudit(ctx, cmd.SiteID, "system", "lease_expired_retry", cmd.ID.String(), map[string]any{
				"device_id": cmd.DeviceID, "lease_owner": prevOwner,
				"retry_count": retryCount, "next_attempt_at": nextAttempt,
			})
			continue
		}
		uerr := s.db.WithContext(ctx).Model(cmd).
			Where("status = ?", store.CommandDispatched).
			Updates(map[string]any{
				"status":         store.CommandFailed,
				"lease_owner":    "",
				"lease_until":    nil,
				"result_message": "lease expired after max retries",
				"finished_at":    &now,
			}).Error
		if uerr != nil {
			return retried, failed, uerr
		}
		failed++
		s.appendAudit(ctx, cmd.SiteID, "system", "lease_expired_failed", cmd.ID.String(), map[string]any{
			"device_id": cmd.DeviceID, "lease_owner": prevOwner, "retry_count": cmd.RetryCount,
		})
	}
	return retried, failed, nil
}

// ExpireOverdue marks pending and dispatched commands past their TTL
// as expired. Runs under the command_expiry leader lock.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var overdue []store.Command
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?",
			[]string{store.CommandPending, store.CommandDispatched}, now).
		Find(&overdue).Error; err != nil {
		return 0, err
	}
	expired := 0
	for i := range overdue {
		cmd := &overdue[i]
		res := s.db.WithContext(ctx).Model(&store.Command{}).
			Where("id = ? AND status IN ?", cmd.ID,
				[]string{store.CommandPending, store.CommandDispatched}).
			Updates(map[string]any{
				"status":      store.CommandExpired,
				"lease_owner": "",
				"lease_until": nil,
				"finished_at": &now,
			})
		if res.Error != nil {
			return expired, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		expired++
		s.appendAudit(ctx, cmd.SiteID, "system", "command_expired", cmd.ID.String(), map[string]any{
			"device_id": cmd.DeviceID, "expires_at": cmd.ExpiresAt,
		})
	}
	return expired, nil
}
