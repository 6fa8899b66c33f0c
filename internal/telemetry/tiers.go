package telemetry

import (
	"context"
	"time"

	"gorm.io/gorm"

	"edgeplane/internal/store"
)

// Tier names reported back to callers so they know the resolution of
// what they got.
const (
	TierRaw   = "raw"
	Tier5m    = "rollup_5m"
	TierDaily = "rollup_daily"
)

// Point is one history sample normalized across tiers. OnlineRatio is
// 0 or 1 for raw points.
type Point struct {
	TS          time.Time `json:"ts"`
	HashrateTHS float64   `json:"hashrate_ths"`
	TempC       float64   `json:"temp_c"`
	PowerW      float64   `json:"power_w"`
	OnlineRatio float64   `json:"online_ratio"`
	Samples     int       `json:"samples"`
}

type Series struct {
	SiteID   int64   `json:"site_id"`
	DeviceID string  `json:"device_id"`
	Tier     string  `json:"tier"`
	Points   []Point `json:"points"`
}

type Store struct {
	db    *gorm.DB
	cache *store.StateCache
}

func NewStore(db *gorm.DB, cache *store.StateCache) *Store {
	return &Store{db: db, cache: cache}
}

// Live returns every live row for a site.
func (s *Store) Live(ctx context.Context, siteID int64) ([]store.LiveTelemetry, error) {
	var rows []store.LiveTelemetry
	err := s.db.WithContext(ctx).Where("site_id = ?", siteID).
		Order("device_id asc").Find(&rows).Error
	return rows, err
}

// LiveDevice returns one device's live row, served from the cache when
// warm.
func (s *Store) LiveDevice(ctx context.Context, siteID int64, deviceID string) (*store.LiveTelemetry, error) {
	if live, ok := s.cache.Get(ctx, siteID, deviceID); ok {
		return live, nil
	}
	var row store.LiveTelemetry
	if err := s.db.WithContext(ctx).
		Where("site_id = ? AND device_id = ?", siteID, deviceID).
		First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// QueryHistory routes a (start, end) window to the right tier: ≤24h
// raw, ≤60d 5-minute, else daily. An empty result falls back to the
// next coarser tier that has data, so a fresh query over an already
// purged raw window still answers from rollups.
func (s *Store) QueryHistory(ctx context.Context, siteID int64, deviceID string, start, end time.Time) (Series, error) {
	window := end.Sub(start)
	tiers := tierOrder(window)
	series := Series{SiteID: siteID, DeviceID: deviceID}
	for _, tier := range tiers {
		points, err := s.queryTier(ctx, tier, siteID, deviceID, start, end)
		if err != nil {
			return Series{}, err
		}
		if len(points) > 0 || tier == tiers[len(tiers)-1] {
			series.Tier = tier
			series.Points = points
			return series, nil
		}
	}
	series.Tier = tiers[len(tiers)-1]
	return series, nil
}

func tierOrder(window time.Duration) []string {
	switch {
	case window <= 24*time.Hour:
		return []string{TierRaw, Tier5m, TierDaily}
	case window <= 60*24*time.Hour:
		return []string{Tier5m, TierDaily}
	default:
		return []string{TierDaily}
	}
}

func (s *Store) queryTier(ctx context.Context, tier string, siteID int64, deviceID string, start, end time.Time) ([]Point, error) {
	q := s.db.WithContext(ctx)
	switch tier {
	case TierRaw:
		var rows []store.RawSample
		if err := q.Where("site_id = ? AND device_id = ? AND ts >= ? AND ts <= ?",
			siteID, deviceID, start, end).Order("ts asc").Find(&rows).Error; err != nil {
			return nil, err
		}
		points := make([]Point, 0, len(rows))
		for _, r := range rows {
			ratio := 0.0
			if r.Online {
				ratio = 1
			}
			points = append(points, Point{
				TS: r.TS, HashrateTHS: r.HashrateTHS, TempC: r.AvgTempC,
				PowerW: r.PowerW, OnlineRatio: ratio, Samples: 1,
			})
		}
		return points, nil
	case Tier5m:
		var rows []store.Rollup5m
		if err := q.Where("site_id = ? AND device_id = ? AND bucket >= ? AND bucket <= ?",
			siteID, deviceID, start, end).Order("bucket asc").Find(&rows).Error; err != nil {
			return nil, err
		}
		points := make([]Point, 0, len(rows))
		for _, r := range rows {
			points = append(points, Point{
				TS: r.Bucket, HashrateTHS: r.AvgHashrateTHS, TempC: r.AvgTempC,
				PowerW: r.AvgPowerW, OnlineRatio: r.OnlineRatio, Samples: r.SampleCount,
			})
		}
		return points, nil
	default:
		var rows []store.RollupDaily
		if err := q.Where("site_id = ? AND device_id = ? AND bucket >= ? AND bucket <= ?",
			siteID, deviceID, start, end).Order("bucket asc").Find(&rows).Error; err != nil {
			return nil, err
		}
		points := make([]Point, 0, len(rows))
		for _, r := range rows {
			ratio := 0.0
			if r.SampleCount > 0 {
				ratio = r.UptimeSeconds / (24 * 3600)
			}
			points = append(points, Point{
				TS: r.Bucket, HashrateTHS: r.AvgHashrateTHS, TempC: r.AvgTempC,
				PowerW: r.AvgPowerW, OnlineRatio: ratio, Samples: r.SampleCount,
			})
		}
		return points, nil
	}
}
