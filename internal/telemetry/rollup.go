package telemetry

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"edgeplane/internal/store"
)

// Retention bounds per tier. Cleanup deletes strictly older rows.
type Retention struct {
	Raw      time.Duration
	Rollup5m time.Duration
	Daily    time.Duration
}

// Jobs holds the periodic rollup and cleanup work. Every method is
// idempotent: rollups overwrite their buckets on conflict, cleanups
// delete by age, so a re-run over the same window converges instead of
// double-counting.
type Jobs struct {
	db        *gorm.DB
	retention Retention
}

func NewJobs(db *gorm.DB, retention Retention) *Jobs {
	return &Jobs{db: db, retention: retention}
}

type bucketKey struct {
	siteID   int64
	deviceID string
	bucket   time.Time
}

// Rollup5m aggregates raw samples in [start, end) into 5-minute
// buckets. Aggregation is a pure function of the raw rows; the upsert
// replaces any provisional point ingest wrote for the bucket.
func (j *Jobs) Rollup5m(ctx context.Context, start, end time.Time) (int, error) {
	var rows []store.RawSample
	if err := j.db.WithContext(ctx).
		Where("ts >= ? AND ts < ?", start.UTC(), end.UTC()).
		Order("ts asc").Find(&rows).Error; err != nil {
		return 0, err
	}

	type agg struct {
		sumHash, maxHash, sumTemp, sumPower float64
		online, count                       int
	}
	buckets := map[bucketKey]*agg{}
	for _, r := range rows {
		k := bucketKey{r.SiteID, r.DeviceID, r.TS.UTC().Truncate(5 * time.Minute)}
		a := buckets[k]
		if a == nil {
			a = &agg{}
			buckets[k] = a
		}
		a.sumHash += r.HashrateTHS
		if r.HashrateTHS > a.maxHash {
			a.maxHash = r.HashrateTHS
		}
		a.sumTemp += r.AvgTempC
		a.sumPower += r.PowerW
		if r.Online {
			a.online++
		}
		a.count++
	}

	out := make([]store.Rollup5m, 0, len(buckets))
	for k, a := range buckets {
		n := float64(a.count)
		out = append(out, store.Rollup5m{
			SiteID: k.siteID, DeviceID: k.deviceID, Bucket: k.bucket,
			AvgHashrateTHS: a.sumHash / n, MaxHashrateTHS: a.maxHash,
			AvgTempC: a.sumTemp / n, AvgPowerW: a.sumPower / n,
			OnlineRatio: float64(a.online) / n, SampleCount: a.count,
		})
	}
	if len(out) == 0 {
		return 0, nil
	}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "site_id"}, {Name: "device_id"}, {Name: "bucket"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"avg_hashrate_ths", "max_hashrate_ths", "avg_temp_c",
			"avg_power_w", "online_ratio", "sample_count",
		}),
	}).Create(&out).Error
	if err != nil {
		return 0, err
	}
	slog.Info("5m rollup done", "buckets", len(out), "from", start, "to", end)
	return len(out), nil
}

// RollupDaily aggregates the 5-minute tier into daily buckets. Energy
// and uptime derive from the 5m tier, so their accuracy is bounded by
// that tier's completeness.
func (j *Jobs) RollupDaily(ctx context.Context, start, end time.Time) (int, error) {
	var rows []store.Rollup5m
	if err := j.db.WithContext(ctx).
		Where("bucket >= ? AND bucket < ?", start.UTC(), end.UTC()).
		Order("bucket asc").Find(&rows).Error; err != nil {
		return 0, err
	}

	const bucketSeconds = 300.0
	type agg struct {
		sumHash, maxHash, sumTemp, sumPower float64
		energyWs, uptimeS                   float64
		count                               int
	}
	buckets := map[bucketKey]*agg{}
	for _, r := range rows {
		k := bucketKey{r.SiteID, r.DeviceID, r.Bucket.UTC().Truncate(24 * time.Hour)}
		a := buckets[k]
		if a == nil {
			a = &agg{}
			buckets[k] = a
		}
		a.sumHash += r.AvgHashrateTHS
		if r.MaxHashrateTHS > a.maxHash {
			a.maxHash = r.MaxHashrateTHS
		}
		a.sumTemp += r.AvgTempC
		a.sumPower += r.AvgPowerW
		a.energyWs += r.AvgPowerW * bucketSeconds
		a.uptimeS += r.OnlineRatio * bucketSeconds
		a.count++
	}

	out := make([]store.RollupDaily, 0, len(buckets))
	for k, a := range buckets {
		n := float64(a.count)
		out = append(out, store.RollupDaily{
			SiteID: k.siteID, DeviceID: k.deviceID, Bucket: k.bucket,
			AvgHashrateTHS: a.sumHash / n, MaxHashrateTHS: a.maxHash,
			AvgTempC: a.sumTemp / n, AvgPowerW: a.sumPower / n,
			EnergyKWh:     a.energyWs / 3.6e6,
			UptimeSeconds: a.uptimeS,
			SampleCount:   a.count,
		})
	}
	if len(out) == 0 {
		return 0, nil
	}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "site_id"}, {Name: "device_id"}, {Name: "bucket"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"avg_hashrate_ths", "max_hashrate_ths", "avg_temp_c",
			"avg_power_w", "energy_kwh", "uptime_seconds", "sample_count",
		}),
	}).Create(&out).Error
	if err != nil {
		return 0, err
	}
	slog.Info("daily rollup done", "buckets", len(out), "from", start, "to", end)
	return len(out), nil
}

// Cleanup purges each tier past its retention. A second run deletes
// nothing.
func (j *Jobs) Cleanup(ctx context.Context, now time.Time) error {
	now = now.UTC()
	if err := j.db.WithContext(ctx).
		Where("ts < ?", now.Add(-j.retention.Raw)).
		Delete(&store.RawSample{}).Error; err != nil {
		return err
	}
	if err := j.db.WithContext(ctx).
		Where("bucket < ?", now.Add(-j.retention.Rollup5m)).
		Delete(&store.Rollup5m{}).Error; err != nil {
		return err
	}
	return j.db.WithContext(ctx).
		Where("bucket < ?", now.Add(-j.retention.Daily)).
		Delete(&store.RollupDaily{}).Error
}
