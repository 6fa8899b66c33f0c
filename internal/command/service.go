// Package command implements the lease-based dispatch protocol:
// pending → dispatched → completed/failed, with TTL expiry, operator
// cancellation, bounded-retry lease recovery and rule-trigger dedup.
// Delivery is at-least-once; actions are expected to be idempotent.
package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"edgeplane/internal/audit"
	"edgeplane/internal/store"
)

var (
	ErrNotFound          = errors.New("command not found")
	ErrInvalidTransition = errors.New("invalid command state transition")
	ErrInvalidStatus     = errors.New("invalid reported status")
)

// ResultPublisher receives command outcomes for out-of-band consumers.
// May be nil.
type ResultPublisher interface {
	PublishCommandResult(siteID int64, deviceID string, payload []byte)
}

type Service struct {
	db            *gorm.DB
	chain         *audit.Chain
	events        ResultPublisher
	leaseDuration time.Duration
	baseBackoff   time.Duration
}

func New(db *gorm.DB, chain *audit.Chain, events ResultPublisher, leaseDuration, baseBackoff time.Duration) *Service {
	if leaseDuration <= 0 {
		leaseDuration = 2 * time.Minute
	}
	if baseBackoff <= 0 {
		baseBackoff = 30 * time.Second
	}
	return &Service{db: db, chain: chain, events: events, leaseDuration: leaseDuration, baseBackoff: baseBackoff}
}

// RuleTrigger identifies the rule evaluation that asked for a command.
// Its fields feed the dedupe key.
type RuleTrigger struct {
	RuleID        string `json:"rule_id"`
	ActionType    string `json:"action_type"`
	TriggerMetric string `json:"trigger_metric"`
}

type CreateRequest struct {
	SiteID     int64           `json:"site_id"`
	DeviceID   string          `json:"device_id"`
	Type       string          `json:"type"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   int             `json:"priority"`
	TTL        time.Duration   `json:"-"`
	MaxRetries int             `json:"max_retries"`
	Actor      string          `json:"actor"`
	Trigger    *RuleTrigger    `json:"trigger,omitempty"`
}

// DedupeKey derives the suppression key for a rule-triggered command.
func DedupeKey(t RuleTrigger, deviceID string) string {
	h := sha256.Sum256([]byte(t.RuleID + "|" + deviceID + "|" + t.ActionType + "|" + t.TriggerMetric))
	return hex.EncodeToString(h[:])
}

// Create registers a new command. A rule-triggered request whose dedupe
// key is already held by a non-terminal command creates nothing: the
// existing command is returned, created=false, and a command_deduped
// audit event records the suppression.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Command, bool, error) {
	if req.Type == "" || req.DeviceID == "" {
		return nil, false, fmt.Errorf("%w: type and device_id are required", ErrInvalidStatus)
	}
	now := time.Now().UTC()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var dedupeKey string
	if req.Trigger != nil {
		dedupeKey = DedupeKey(*req.Trigger, req.DeviceID)
	}

	var existing *store.Command
	var cmd *store.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dedupeKey != "" {
			var prior store.Command
			err := tx.Where("dedupe_key = ? AND status IN ?", dedupeKey,
				[]string{store.CommandPending, store.CommandDispatched}).
				First(&prior).Error
			if err == nil {
				existing = &prior
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		cmd = &store.Command{
			SiteID:        req.SiteID,
			DeviceID:      req.DeviceID,
			Type:          req.Type,
			Params:        datatypes.JSON(append([]byte(nil), req.Params...)),
			Priority:      req.Priority,
			Status:        store.CommandPending,
			ExpiresAt:     now.Add(ttl),
			MaxRetries:    maxRetries,
			NextAttemptAt: now,
			DedupeKey:     dedupeKey,
			CreatedBy:     req.Actor,
		}
		return tx.Create(cmd).Error
	})
	if err != nil {
		// A concurrent rule evaluation may win the insert race past the
		// in-transaction check; the partial unique index rejects the
		// loser, who returns the winner's command.
		if dedupeKey != "" && store.IsDuplicateKey(err) {
			var prior store.Command
			lerr := s.db.WithContext(ctx).Where("dedupe_key = ? AND status IN ?", dedupeKey,
				[]string{store.CommandPending, store.CommandDispatched}).
				First(&prior).Error
			if lerr != nil {
				return nil, false, err
			}
			existing = &prior
		} else {
			return nil, false, err
		}
	}

	if existing != nil {
		s.appendAudit(ctx, req.SiteID, req.Actor, "command_deduped", existing.ID.String(), map[string]any{
			"device_id": req.DeviceID, "type": req.Type, "dedupe_key": dedupeKey,
		})
		return existing, false, nil
	}
	s.appendAudit(ctx, req.SiteID, req.Actor, "command_created", cmd.ID.String(), map[string]any{
		"device_id": req.DeviceID, "type": req.Type, "priority": req.Priority,
	})
	return cmd, true, nil
}

// Dispatch leases up to limit due commands to an agent: pending,
// unexpired, next_attempt_at reached, ordered priority desc then
// created_at asc. Selected commands move to dispatched with
// lease_until = now + lease duration.
func (s *Service) Dispatch(ctx context.Context, siteID int64, agentID string, limit int) ([]store.Command, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	now := time.Now().UTC()
	leaseUntil := now.Add(s.leaseDuration)

	var leased []store.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []store.Command
		if err := tx.Where("site_id = ? AND status = ? AND expires_at > ? AND next_attempt_at <= ?",
			siteID, store.CommandPending, now, now).
			Order("priority desc, created_at asc").
			Limit(limit).
			Find(&due).Error; err != nil {
			return err
		}
		for i := range due {
			res := tx.Model(&store.Command{}).
				Where("id = ? AND status = ?", due[i].ID, store.CommandPending).
				Updates(map[string]any{
					"status":      store.CommandDispatched,
					"lease_owner": agentID,
					"lease_until": &leaseUntil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue // raced with another poll or a cancel
			}
			due[i].Status = store.CommandDispatched
			due[i].LeaseOwner = agentID
			due[i].LeaseUntil = &leaseUntil
			leased = append(leased, due[i])
		}
		return nil
	})
	return leased, err
}

// Report records an agent's execution outcome. Only a dispatched
// command may complete or fail; any other state rejects the report.
func (s *Service) Report(ctx context.Context, commandID uuid.UUID, status string, resultCode int, resultMessage string) (*store.Command, error) {
	if status != store.CommandCompleted && status != store.CommandFailed {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	now := time.Now().UTC()

	var cmd store.Command
	var agentID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&cmd, "id = ?", commandID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if cmd.Status != store.CommandDispatched {
			return fmt.Errorf("%w: report on %s command", ErrInvalidTransition, cmd.Status)
		}
		agentID = cmd.LeaseOwner
		updates := map[string]any{
			"status":         status,
			"result_code":    resultCode,
			"result_message": resultMessage,
			"lease_owner":    "",
			"lease_until":    nil,
			"finished_at":    &now,
		}
		if err := tx.Model(&cmd).Updates(updates).Error; err != nil {
			return err
		}
		cmd.Status = status
		cmd.ResultCode = resultCode
		cmd.ResultMessage = resultMessage
		cmd.LeaseOwner = ""
		cmd.LeaseUntil = nil
		cmd.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, cmd.SiteID, agentID, "command_"+status, cmd.ID.String(), map[string]any{
		"device_id": cmd.DeviceID, "result_code": resultCode, "result_message": resultMessage,
	})
	if s.events != nil {
		if b, err := json.Marshal(&cmd); err == nil {
			s.events.PublishCommandResult(cmd.SiteID, cmd.DeviceID, b)
		}
	}
	return &cmd, nil
}

// Cancel is operator-driven and cooperative: it only changes server
// state, and only while the command is pending or dispatched. An agent
// already executing is expected to fail harmlessly on the stale result.
func (s *Service) Cancel(ctx context.Context, commandID uuid.UUID, actor string) (*store.Command, error) {
	now := time.Now().UTC()
	var cmd store.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&cmd, "id = ?", commandID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if cmd.Status != store.CommandPending && cmd.Status != store.CommandDispatched {
			return fmt.Errorf("%w: cancel on %s command", ErrInvalidTransition, cmd.Status)
		}
		updates := map[string]any{
			"status":      store.CommandCancelled,
			"lease_owner": "",
			"lease_until": nil,
			"finished_at": &now,
		}
		if err := tx.Model(&cmd).Updates(updates).Error; err != nil {
			return err
		}
		cmd.Status = store.CommandCancelled
		cmd.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, cmd.SiteID, actor, "command_cancelled", cmd.ID.String(), map[string]any{
		"device_id": cmd.DeviceID,
	})
	return &cmd, nil
}

func (s *Service) Get(ctx context.Context, commandID uuid.UUID) (*store.Command, error) {
	var cmd store.Command
	if err := s.db.WithContext(ctx).First(&cmd, "id = ?", commandID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cmd, nil
}

func (s *Service) List(ctx context.Context, siteID int64, status string, limit int) ([]store.Command, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("site_id = ?", siteID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []store.Command
	err := q.Order("created_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}

func (s *Service) appendAudit(ctx context.Context, siteID int64, actor, eventType, ref string, payload map[string]any) {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte("{}")
	}
	if actor == "" {
		actor = "system"
	}
	if _, err := s.chain.Append(ctx, siteID, actor, eventType, ref, b); err != nil {
		slog.Error("audit append failed", "event_type", eventType, "ref", ref, "error", err)
	}
}
