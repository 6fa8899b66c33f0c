// Package telemetry implements the ingest pipeline and the time-tiered
// telemetry store: a mutable live table, a short-retention raw tier and
// 5-minute/daily rollup tiers with an intelligent read router.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"edgeplane/internal/store"
)

// Snapshot is one device's report inside an upload batch.
type Snapshot struct {
	DeviceID    string               `json:"device_id"`
	IPAddress   string               `json:"ip_address"`
	Online      bool                 `json:"online"`
	HashrateTHS float64              `json:"hashrate_ths"`
	AvgTempC    float64              `json:"avg_temp_c"`
	PowerW      float64              `json:"power_w"`
	FanRPM      int                  `json:"fan_rpm"`
	Boards      []store.BoardReading `json:"boards,omitempty"`
	Model       string               `json:"model,omitempty"`
	Firmware    string               `json:"firmware,omitempty"`
	TS          time.Time            `json:"ts,omitempty"`
}

type RecordError struct {
	DeviceID  string `json:"device_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Error     string `json:"error"`
}

// BatchResult is the structured outcome of one upload. A batch with
// record errors is still a successful call.
type BatchResult struct {
	Processed int           `json:"processed"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Online    int           `json:"online"`
	Offline   int           `json:"offline"`
	Errors    []RecordError `json:"errors,omitempty"`
}

// EventPublisher receives live-state transitions for out-of-band
// consumers (dashboards, automation). May be nil.
type EventPublisher interface {
	PublishState(siteID int64, deviceID string, payload []byte)
}

type Pipeline struct {
	db     *gorm.DB
	cache  *store.StateCache
	events EventPublisher
}

func NewPipeline(db *gorm.DB, cache *store.StateCache, events EventPublisher) *Pipeline {
	return &Pipeline{db: db, cache: cache, events: events}
}

var errEmptySnapshot = errors.New("snapshot has neither device_id nor ip_address")

// Ingest processes one site's batch inside a single transaction. Each
// snapshot runs in its own savepoint so a bad record is rolled back and
// skipped without aborting the rest of the batch.
func (p *Pipeline) Ingest(ctx context.Context, siteID int64, batch []Snapshot, receivedAt time.Time) (BatchResult, error) {
	receivedAt = receivedAt.UTC()
	res := BatchResult{}
	var published []store.LiveTelemetry

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range batch {
			snap := batch[i]
			var live *store.LiveTelemetry
			var inserted bool
			err := tx.Transaction(func(sp *gorm.DB) error {
				var perr error
				live, inserted, perr = p.processOne(sp, siteID, snap, receivedAt)
				return perr
			})
			if err != nil {
				slog.Warn("ingest record skipped", "site_id", siteID,
					"device_id", snap.DeviceID, "ip", snap.IPAddress, "error", err)
				res.Errors = append(res.Errors, RecordError{
					DeviceID: snap.DeviceID, IPAddress: snap.IPAddress, Error: err.Error(),
				})
				continue
			}
			res.Processed++
			if inserted {
				res.Inserted++
			} else {
				res.Updated++
			}
			if snap.Online {
				res.Online++
			} else {
				res.Offline++
			}
			if live != nil {
				published = append(published, *live)
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	// Cache and fan-out only after the batch committed.
	for i := range published {
		p.cache.Put(ctx, &published[i])
		if p.events != nil {
			if b, err := json.Marshal(&published[i]); err == nil {
				p.events.PublishState(siteID, published[i].DeviceID, b)
			}
		}
	}
	return res, nil
}

func (p *Pipeline) processOne(tx *gorm.DB, siteID int64, snap Snapshot, receivedAt time.Time) (*store.LiveTelemetry, bool, error) {
	if snap.DeviceID == "" && snap.IPAddress == "" {
		return nil, false, errEmptySnapshot
	}
	ts := snap.TS
	if ts.IsZero() {
		ts = receivedAt
	}
	ts = ts.UTC()

	deviceID, err := resolveDevice(tx, siteID, snap, receivedAt)
	if err != nil {
		return nil, false, err
	}

	boards, err := marshalBoards(snap.Boards)
	if err != nil {
		return nil, false, err
	}

	live, inserted, err := upsertLive(tx, siteID, deviceID, snap, boards, ts)
	if err != nil {
		return nil, false, err
	}

	raw := store.RawSample{
		SiteID: siteID, DeviceID: deviceID, TS: ts,
		Online: snap.Online, HashrateTHS: snap.HashrateTHS,
		AvgTempC: snap.AvgTempC, PowerW: snap.PowerW, Boards: boards,
	}
	if err := tx.Create(&raw).Error; err != nil {
		return nil, false, err
	}

	if snap.Online {
		// Warm the chart tier with a provisional point. The rollup job
		// later overwrites the bucket with the true aggregate.
		bucket := ts.Truncate(5 * time.Minute)
		point := store.Rollup5m{
			SiteID: siteID, DeviceID: deviceID, Bucket: bucket,
			AvgHashrateTHS: snap.HashrateTHS, MaxHashrateTHS: snap.HashrateTHS,
			AvgTempC: snap.AvgTempC, AvgPowerW: snap.PowerW,
			OnlineRatio: 1, SampleCount: 1,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "site_id"}, {Name: "device_id"}, {Name: "bucket"}},
			DoNothing: true,
		}).Create(&point).Error; err != nil {
			return nil, false, err
		}
	}
	return live, inserted, nil
}

func marshalBoards(boards []store.BoardReading) (datatypes.JSON, error) {
	if len(boards) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(boards)
	if err != nil {
		return nil, fmt.Errorf("encode boards: %w", err)
	}
	return datatypes.JSON(b), nil
}

// upsertLive keeps the single live row per device current. last_seen
// only advances when the device reports online, and a sample older
// than the current last_seen never regresses live state (it still
// landed in the raw tier).
func upsertLive(tx *gorm.DB, siteID int64, deviceID string, snap Snapshot, boards datatypes.JSON, ts time.Time) (*store.LiveTelemetry, bool, error) {
	var live store.LiveTelemetry
	err := tx.Where("site_id = ? AND device_id = ?", siteID, deviceID).First(&live).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		live = store.LiveTelemetry{
			SiteID: siteID, DeviceID: deviceID,
			Online: snap.Online, HashrateTHS: snap.HashrateTHS,
			AvgTempC: snap.AvgTempC, PowerW: snap.PowerW,
			FanRPM: snap.FanRPM, Boards: boards,
		}
		if snap.Online {
			live.LastSeen = ts
		}
		if err := tx.Create(&live).Error; err != nil {
			return nil, false, err
		}
		return &live, true, nil
	case err != nil:
		return nil, false, err
	}

	if !live.LastSeen.IsZero() && ts.Before(live.LastSeen) {
		// Late-arriving older sample: raw history keeps it, live wins.
		return &live, false, nil
	}
	live.Online = snap.Online
	live.HashrateTHS = snap.HashrateTHS
	live.AvgTempC = snap.AvgTempC
	live.PowerW = snap.PowerW
	live.FanRPM = snap.FanRPM
	live.Boards = boards
	if snap.Online {
		live.LastSeen = ts
	}
	if err := tx.Save(&live).Error; err != nil {
		return nil, false, err
	}
	return &live, false, nil
}

// resolveDevice maps a snapshot onto a stable (site_id, device_id)
// handle: exact id match in the site, then IP match in the site, then
// auto-create with a synthesized globally-unique id.
func resolveDevice(tx *gorm.DB, siteID int64, snap Snapshot, now time.Time) (string, error) {
	if snap.DeviceID != "" {
		var dev store.Device
		err := tx.Where("site_id = ? AND device_id = ?", siteID, snap.DeviceID).First(&dev).Error
		if err == nil {
			if snap.IPAddress != "" && dev.IPAddress != snap.IPAddress {
				if err := tx.Model(&dev).Update("ip_address", snap.IPAddress).Error; err != nil {
					return "", err
				}
			}
			return dev.DeviceID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}

	if snap.IPAddress != "" {
		var dev store.Device
		err := tx.Where("site_id = ? AND ip_address = ?", siteID, snap.IPAddress).First(&dev).Error
		if err == nil {
			// Agent re-identified the device. Adopt the reported id
			// unless it would collide with another device anywhere in
			// the fleet.
			if snap.DeviceID != "" && snap.DeviceID != dev.DeviceID {
				taken, err := deviceIDTaken(tx, snap.DeviceID)
				if err != nil {
					return "", err
				}
				if !taken {
					if err := tx.Model(&dev).Update("device_id", snap.DeviceID).Error; err != nil {
						return "", err
					}
					if err := renameTelemetry(tx, siteID, dev.DeviceID, snap.DeviceID); err != nil {
						return "", err
					}
					return snap.DeviceID, nil
				}
			}
			return dev.DeviceID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}

	deviceID := snap.DeviceID
	if deviceID != "" {
		taken, err := deviceIDTaken(tx, deviceID)
		if err != nil {
			return "", err
		}
		if taken {
			deviceID = ""
		}
	}
	if deviceID == "" {
		deviceID = synthesizeID(siteID, snap.IPAddress)
		taken, err := deviceIDTaken(tx, deviceID)
		if err != nil {
			return "", err
		}
		if taken {
			deviceID = fmt.Sprintf("%s-%d", deviceID, now.Unix())
		}
	}

	dev := store.Device{
		SiteID: siteID, DeviceID: deviceID, IPAddress: snap.IPAddress,
		Model: snap.Model, Firmware: snap.Firmware,
	}
	if err := tx.Create(&dev).Error; err != nil {
		return "", err
	}
	return deviceID, nil
}

func deviceIDTaken(tx *gorm.DB, deviceID string) (bool, error) {
	var n int64
	if err := tx.Model(&store.Device{}).Where("device_id = ?", deviceID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func synthesizeID(siteID int64, ip string) string {
	if ip == "" {
		return fmt.Sprintf("site%d-unknown", siteID)
	}
	return fmt.Sprintf("site%d-%s", siteID, strings.ReplaceAll(ip, ".", "-"))
}

// renameTelemetry moves every tier to the adopted id so the
// (site_id, device_id) handle keeps addressing the device's full
// history across the rename.
func renameTelemetry(tx *gorm.DB, siteID int64, oldID, newID string) error {
	for _, model := range []any{
		&store.LiveTelemetry{}, &store.RawSample{},
		&store.Rollup5m{}, &store.RollupDaily{},
	} {
		if err := tx.Model(model).
			Where("site_id = ? AND device_id = ?", siteID, oldID).
			Update("device_id", newID).Error; err != nil {
			return err
		}
	}
	return nil
}
