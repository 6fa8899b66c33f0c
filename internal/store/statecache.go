package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache keeps the latest snapshot per device in redis so live
// dashboards don't hammer the live table. Write-through on ingest; a
// nil *StateCache disables caching entirely.
type StateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStateCache(rdb *redis.Client) *StateCache {
	return &StateCache{rdb: rdb, ttl: 10 * time.Minute}
}

func stateKey(siteID int64, deviceID string) string {
	return fmt.Sprintf("edgeplane:live:%d:%s", siteID, deviceID)
}

func (c *StateCache) Put(ctx context.Context, live *LiveTelemetry) {
	if c == nil || c.rdb == nil {
		return
	}
	b, err := json.Marshal(live)
	if err != nil {
		return
	}
	// Cache writes are best-effort; the live table stays authoritative.
	_ = c.rdb.Set(ctx, stateKey(live.SiteID, live.DeviceID), b, c.ttl).Err()
}

func (c *StateCache) Get(ctx context.Context, siteID int64, deviceID string) (*LiveTelemetry, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	b, err := c.rdb.Get(ctx, stateKey(siteID, deviceID)).Bytes()
	if err != nil {
		return nil, false
	}
	var live LiveTelemetry
	if err := json.Unmarshal(b, &live); err != nil {
		return nil, false
	}
	return &live, true
}
