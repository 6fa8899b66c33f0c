// Package audit is the tamper-evident event log. Each event's hash
// covers the previous event's hash within the same site partition, so
// any later mutation or deletion breaks the chain at a detectable
// position.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"edgeplane/internal/store"
)

type Chain struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Chain {
	return &Chain{db: db}
}

func eventHash(siteID int64, actor, eventType, ref string, payload []byte, prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|", siteID, actor, eventType, ref)
	h.Write(payload)
	h.Write([]byte("|" + prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Advisory lock namespace for per-site append serialization.
const appendLockNS = 0x41554454

// Append writes one event linked to the site's current chain head.
// Appends within a site are serialized with a transaction-scoped
// advisory lock, which also covers the first append of a partition
// where there is no head row to lock.
func (c *Chain) Append(ctx context.Context, siteID int64, actor, eventType, ref string, payload []byte) (*store.AuditEvent, error) {
	var out *store.AuditEvent
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			// sqlite (tests) serializes writers on its own.
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", appendLockNS, int32(siteID)).Error; err != nil {
				return err
			}
		}
		var prev store.AuditEvent
		prevHash := ""
		err := tx.Where("site_id = ?", siteID).Order("id desc").First(&prev).Error
		switch {
		case err == nil:
			prevHash = prev.EventHash
		case errors.Is(err, gorm.ErrRecordNotFound):
			// First event of the partition.
		default:
			return err
		}

		ev := &store.AuditEvent{
			SiteID:    siteID,
			Actor:     actor,
			EventType: eventType,
			Ref:       ref,
			Payload:   datatypes.JSON(append([]byte(nil), payload...)),
			PrevHash:  prevHash,
			EventHash: eventHash(siteID, actor, eventType, ref, payload, prevHash),
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		out = ev
		return nil
	})
	return out, err
}

// Break marks one position where the chain no longer links.
type Break struct {
	EventID  uint64 `json:"event_id"`
	Expected string `json:"expected_prev_hash"`
	Got      string `json:"got_prev_hash"`
}

type VerifyResult struct {
	SiteID  int64   `json:"site_id"`
	Checked int     `json:"checked"`
	Pass    bool    `json:"pass"`
	Breaks  []Break `json:"breaks,omitempty"`
}

// Verify walks the site's events in id order over [fromID, toID]
// (zero means unbounded) and reports every position whose prev_hash
// does not match the preceding event's hash. Breaks are evidence for
// manual review; nothing is ever repaired.
func (c *Chain) Verify(ctx context.Context, siteID int64, fromID, toID uint64) (VerifyResult, error) {
	q := c.db.WithContext(ctx).Where("site_id = ?", siteID)
	if fromID > 0 {
		q = q.Where("id >= ?", fromID)
	}
	if toID > 0 {
		q = q.Where("id <= ?", toID)
	}
	var events []store.AuditEvent
	if err := q.Order("id asc").Find(&events).Error; err != nil {
		return VerifyResult{}, err
	}

	res := VerifyResult{SiteID: siteID, Checked: len(events), Pass: true}
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].EventHash {
			res.Breaks = append(res.Breaks, Break{
				EventID:  events[i].ID,
				Expected: events[i-1].EventHash,
				Got:      events[i].PrevHash,
			})
		}
	}
	res.Pass = len(res.Breaks) == 0
	return res, nil
}

// List returns the most recent events for a site, newest first.
func (c *Chain) List(ctx context.Context, siteID int64, limit int) ([]store.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []store.AuditEvent
	err := c.db.WithContext(ctx).Where("site_id = ?", siteID).
		Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}
