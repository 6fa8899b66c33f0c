package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"edgeplane/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:telemetry_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestIngestBatchCounters(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []Snapshot{
		{DeviceID: "miner-a", IPAddress: "10.0.0.1", Online: true, HashrateTHS: 50},
		{DeviceID: "miner-b", IPAddress: "10.0.0.2", Online: false},
	}
	res, err := p.Ingest(ctx, 1, batch, now)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 || res.Online != 1 || res.Offline != 1 {
		t.Fatalf("first upload counters wrong: %+v", res)
	}

	// Second identical upload for miner-a only.
	res, err = p.Ingest(ctx, 1, []Snapshot{
		{DeviceID: "miner-a", IPAddress: "10.0.0.1", Online: true, HashrateTHS: 50},
	}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 || res.Online != 1 || res.Offline != 0 {
		t.Fatalf("second upload counters wrong: %+v", res)
	}

	var liveCount int64
	if err := db.Model(&store.LiveTelemetry{}).Where("site_id = ?", 1).Count(&liveCount).Error; err != nil {
		t.Fatalf("count live: %v", err)
	}
	if liveCount != 2 {
		t.Fatalf("live row count must stay 2, got %d", liveCount)
	}
}

func TestIngestIdempotentLiveUpsert(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := p.Ingest(ctx, 1, []Snapshot{
			{DeviceID: "miner-a", IPAddress: "10.0.0.1", Online: true, HashrateTHS: 48},
		}, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	var n int64
	db.Model(&store.LiveTelemetry{}).Where("site_id = ? AND device_id = ?", 1, "miner-a").Count(&n)
	if n != 1 {
		t.Fatalf("expected exactly one live row, got %d", n)
	}

	var live store.LiveTelemetry
	db.First(&live, "site_id = ? AND device_id = ?", 1, "miner-a")
	want := base.Add(4 * time.Minute)
	if !live.LastSeen.Equal(want) {
		t.Fatalf("last_seen = %v, want %v", live.LastSeen, want)
	}
}

func TestOfflineDoesNotAdvanceLastSeen(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := p.Ingest(ctx, 1, []Snapshot{{DeviceID: "m", IPAddress: "10.0.0.1", Online: true}}, base); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := p.Ingest(ctx, 1, []Snapshot{{DeviceID: "m", IPAddress: "10.0.0.1", Online: false}}, base.Add(time.Hour)); err != nil {
		t.Fatalf("ingest offline: %v", err)
	}

	var live store.LiveTelemetry
	db.First(&live, "site_id = ? AND device_id = ?", 1, "m")
	if live.Online {
		t.Fatalf("live row must reflect offline state")
	}
	if !live.LastSeen.Equal(base) {
		t.Fatalf("offline report must not advance last_seen: %v", live.LastSeen)
	}
}

func TestStaleSampleDoesNotRegressLive(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := p.Ingest(ctx, 1, []Snapshot{
		{DeviceID: "m", IPAddress: "10.0.0.1", Online: true, HashrateTHS: 50, TS: now},
	}, now); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// A late-arriving older sample keeps its place in raw history but
	// must not overwrite live state.
	if _, err := p.Ingest(ctx, 1, []Snapshot{
		{DeviceID: "m", IPAddress: "10.0.0.1", Online: true, HashrateTHS: 10, TS: now.Add(-time.Hour)},
	}, now.Add(time.Second)); err != nil {
		t.Fatalf("stale ingest: %v", err)
	}

	var live store.LiveTelemetry
	db.First(&live, "site_id = ? AND device_id = ?", 1, "m")
	if live.HashrateTHS != 50 {
		t.Fatalf("stale sample regressed live hashrate to %v", live.HashrateTHS)
	}
	if !live.LastSeen.Equal(now) {
		t.Fatalf("stale sample moved last_seen to %v", live.LastSeen)
	}

	var rawCount int64
	db.Model(&store.RawSample{}).Where("site_id = ? AND device_id = ?", 1, "m").Count(&rawCount)
	if rawCount != 2 {
		t.Fatalf("raw tier must keep both samples, got %d", rawCount)
	}
}

func TestResolveDeviceByIPAdoptsNewID(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := p.Ingest(ctx, 1, []Snapshot{
		{DeviceID: "old-id", IPAddress: "10.0.0.9", Online: true},
	}, now); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// Same IP, new reported id: the stored id follows the agent.
	if _, err := p.Ingest(ctx, 1, []Snapshot{
		{DeviceID: "new-id", IPAddress: "10.0.0.9", Online: true},
	}, now.Add(time.Minute)); err != nil {
		t.Fatalf("ingest rename: %v", err)
	}

	var devCount int64
	db.Model(&store.Device{}).Where("site_id = ?", 1).Count(&devCount)
	if devCount != 1 {
		t.Fatalf("rename must not create a second device, got %d", devCount)
	}
	var dev store.Device
	db.First(&dev, "site_id = ?", 1)
	if dev.DeviceID != "new-id" {
		t.Fatalf("device id = %q, want new-id", dev.DeviceID)
	}
	var live store.LiveTelemetry
	if err := db.First(&live, "site_id = ? AND device_id = ?", 1, "new-id").Error; err != nil {
		t.Fatalf("live row did not follow the rename: %v", err)
	}

	// History stays continuous under the adopted id across every tier.
	tiers := NewStore(db, nil)
	series, err := tiers.QueryHistory(ctx, 1, "new-id", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(series.Points) != 2 {
		t.Fatalf("history under new-id has %d points, want 2", len(series.Points))
	}
	var orphaned int64
	db.Model(&store.RawSample{}).Where("site_id = ? AND device_id = ?", 1, "old-id").Count(&orphaned)
	if orphaned != 0 {
		t.Fatalf("raw samples left under old-id: %d", orphaned)
	}
	var r5mOrphaned int64
	db.Model(&store.Rollup5m{}).Where("site_id = ? AND device_id = ?", 1, "old-id").Count(&r5mOrphaned)
	if r5mOrphaned != 0 {
		t.Fatalf("5m buckets left under old-id: %d", r5mOrphaned)
	}
}

func TestResolveDeviceIPMatchKeepsIDOnCollision(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	batch := []Snapshot{
		{DeviceID: "a", IPAddress: "10.0.0.1", Online: true},
		{DeviceID: "b", IPAddress: "10.0.0.2", Online: true},
	}
	if _, err := p.Ingest(ctx, 1, batch, now); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// Device at 10.0.0.2 now claims id "a", which another device holds.
	if _, err := p.Ingest(ctx, 1, []Snapshot{
		{DeviceID: "a", IPAddress: "10.0.0.2", Online: true},
	}, now.Add(time.Minute)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var dev store.Device
	db.First(&dev, "site_id = ? AND ip_address = ?", 1, "10.0.0.2")
	if dev.DeviceID != "a" && dev.DeviceID != "b" {
		t.Fatalf("unexpected device id %q", dev.DeviceID)
	}
	// Exact-id resolution wins before IP match, so the snapshot lands on
	// the existing "a" device; the "b" device keeps its id.
	var n int64
	db.Model(&store.Device{}).Where("site_id = ?", 1).Count(&n)
	if n != 2 {
		t.Fatalf("collision handling must not create or destroy devices, got %d", n)
	}
}

func TestSynthesizedDeviceID(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := p.Ingest(ctx, 7, []Snapshot{
		{IPAddress: "10.0.0.5", Online: true},
	}, now); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var dev store.Device
	if err := db.First(&dev, "site_id = ?", 7).Error; err != nil {
		t.Fatalf("device not auto-created: %v", err)
	}
	if dev.DeviceID != "site7-10-0-0-5" {
		t.Fatalf("synthesized id = %q", dev.DeviceID)
	}
}

func TestSynthesizedIDCollisionAppendsSuffix(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// The synthetic id namespace is global; another site already holds
	// the id this snapshot would synthesize.
	if err := db.Create(&store.Device{SiteID: 2, DeviceID: "site7-10-0-0-5", IPAddress: "192.168.0.1"}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := p.Ingest(ctx, 7, []Snapshot{{IPAddress: "10.0.0.5", Online: true}}, now); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var dev store.Device
	if err := db.First(&dev, "site_id = ?", 7).Error; err != nil {
		t.Fatalf("device not created: %v", err)
	}
	if !strings.HasPrefix(dev.DeviceID, "site7-10-0-0-5-") {
		t.Fatalf("collision must append a suffix, got %q", dev.DeviceID)
	}
}

func TestBadRecordSkippedBatchSucceeds(t *testing.T) {
	db := openTestDB(t)
	p := NewPipeline(db, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	res, err := p.Ingest(ctx, 1, []Snapshot{
		{}, // neither device_id nor ip
		{DeviceID: "ok", IPAddress: "10.0.0.3", Online: true},
	}, now)
	if err != nil {
		t.Fatalf("batch must succeed despite record errors: %v", err)
	}
	if res.Processed != 1 || len(res.Errors) != 1 {
		t.Fatalf("expected 1 processed + 1 error, got %+v", res)
	}
	var n int64
	db.Model(&store.LiveTelemetry{}).Count(&n)
	if n != 1 {
		t.Fatalf("good record must land, got %d live rows", n)
	}
}
