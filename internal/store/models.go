package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Device is the fleet-wide identity record for one miner. DeviceID is
// unique across all sites: ids synthesized at ingest time must not be
// reusable by another site.
type Device struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SiteID    int64     `gorm:"uniqueIndex:idx_devices_site_device,priority:1;not null" json:"site_id"`
	DeviceID  string    `gorm:"uniqueIndex:idx_devices_site_device,priority:2;uniqueIndex:idx_devices_device_id;not null" json:"device_id"`
	IPAddress string    `gorm:"index:idx_devices_site_ip" json:"ip_address"`
	Model     string    `json:"model"`
	Firmware  string    `json:"firmware"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *Device) BeforeCreate(tx *gorm.DB) (err error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// BoardReading is one hashboard's snapshot inside a device report.
type BoardReading struct {
	Index       int     `json:"index"`
	HashrateTHS float64 `json:"hashrate_ths"`
	TempC       float64 `json:"temp_c"`
	ChipsOK     int     `json:"chips_ok"`
	ChipsTotal  int     `json:"chips_total"`
}

// LiveTelemetry holds the most recent snapshot per device. Exactly one
// row per (site_id, device_id); updated in place on every ingest.
type LiveTelemetry struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID      int64          `gorm:"uniqueIndex:idx_live_site_device,priority:1;not null" json:"site_id"`
	DeviceID    string         `gorm:"uniqueIndex:idx_live_site_device,priority:2;not null" json:"device_id"`
	Online      bool           `json:"online"`
	HashrateTHS float64        `json:"hashrate_ths"`
	AvgTempC    float64        `json:"avg_temp_c"`
	PowerW      float64        `json:"power_w"`
	FanRPM      int            `json:"fan_rpm"`
	Boards      datatypes.JSON `gorm:"type:jsonb" json:"boards"`
	LastSeen    time.Time      `json:"last_seen"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RawSample is the append-only fine-grained tier, purged by age.
type RawSample struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID      int64          `gorm:"index:idx_raw_site_device_ts,priority:1;not null" json:"site_id"`
	DeviceID    string         `gorm:"index:idx_raw_site_device_ts,priority:2;not null" json:"device_id"`
	TS          time.Time      `gorm:"index:idx_raw_site_device_ts,priority:3;index:idx_raw_ts" json:"ts"`
	Online      bool           `json:"online"`
	HashrateTHS float64        `json:"hashrate_ths"`
	AvgTempC    float64        `json:"avg_temp_c"`
	PowerW      float64        `json:"power_w"`
	Boards      datatypes.JSON `gorm:"type:jsonb" json:"boards"`
}

// Rollup5m is one 5-minute aggregate bucket. Re-running the rollup over
// the same bucket overwrites the row.
type Rollup5m struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID         int64     `gorm:"uniqueIndex:idx_r5m_site_device_bucket,priority:1;not null" json:"site_id"`
	DeviceID       string    `gorm:"uniqueIndex:idx_r5m_site_device_bucket,priority:2;not null" json:"device_id"`
	Bucket         time.Time `gorm:"uniqueIndex:idx_r5m_site_device_bucket,priority:3;index:idx_r5m_bucket" json:"bucket"`
	AvgHashrateTHS float64   `json:"avg_hashrate_ths"`
	MaxHashrateTHS float64   `json:"max_hashrate_ths"`
	AvgTempC       float64   `json:"avg_temp_c"`
	AvgPowerW      float64   `json:"avg_power_w"`
	OnlineRatio    float64   `json:"online_ratio"`
	SampleCount    int       `json:"sample_count"`
}

// RollupDaily is one daily aggregate bucket derived from the 5m tier.
type RollupDaily struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID         int64     `gorm:"uniqueIndex:idx_rd_site_device_bucket,priority:1;not null" json:"site_id"`
	DeviceID       string    `gorm:"uniqueIndex:idx_rd_site_device_bucket,priority:2;not null" json:"device_id"`
	Bucket         time.Time `gorm:"uniqueIndex:idx_rd_site_device_bucket,priority:3;index:idx_rd_bucket" json:"bucket"`
	AvgHashrateTHS float64   `json:"avg_hashrate_ths"`
	MaxHashrateTHS float64   `json:"max_hashrate_ths"`
	AvgTempC       float64   `json:"avg_temp_c"`
	AvgPowerW      float64   `json:"avg_power_w"`
	EnergyKWh      float64   `json:"energy_kwh"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	SampleCount    int       `json:"sample_count"`
}

// Command statuses. Terminal: completed, failed, expired, cancelled.
const (
	CommandPending    = "pending"
	CommandDispatched = "dispatched"
	CommandCompleted  = "completed"
	CommandFailed     = "failed"
	CommandExpired    = "expired"
	CommandCancelled  = "cancelled"
)

type Command struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SiteID        int64          `gorm:"index:idx_commands_site_status,priority:1;not null" json:"site_id"`
	DeviceID      string         `gorm:"index" json:"device_id"`
	Type          string         `json:"type"`
	Params        datatypes.JSON `gorm:"type:jsonb" json:"params"`
	Priority      int            `json:"priority"`
	Status        string         `gorm:"index:idx_commands_site_status,priority:2" json:"status"`
	ExpiresAt     time.Time      `json:"expires_at"`
	LeaseOwner    string         `json:"lease_owner"`
	LeaseUntil    *time.Time     `gorm:"index" json:"lease_until"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	// DedupeKey additionally carries a partial unique index over the
	// in-flight statuses, created in Migrate.
	DedupeKey     string         `gorm:"index:idx_commands_dedupe" json:"dedupe_key,omitempty"`
	ResultCode    int            `json:"result_code"`
	ResultMessage string         `json:"result_message"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	FinishedAt    *time.Time     `json:"finished_at"`
}

func (c *Command) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Terminal reports whether the command can no longer change state.
func (c *Command) Terminal() bool {
	switch c.Status {
	case CommandCompleted, CommandFailed, CommandExpired, CommandCancelled:
		return true
	}
	return false
}

// AuditEvent is one link of the per-site hash chain. Append-only: no
// update or delete path exists anywhere in the repo.
type AuditEvent struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID    int64          `gorm:"index:idx_audit_site_id;not null" json:"site_id"`
	Actor     string         `json:"actor"`
	EventType string         `json:"event_type"`
	Ref       string         `json:"ref"`
	Payload   datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	PrevHash  string         `json:"prev_hash"`
	EventHash string         `json:"event_hash"`
	CreatedAt time.Time      `json:"created_at"`
}

// SchedulerLock is the leader-election row, one per job type. At most
// one non-expired row per lock_key.
type SchedulerLock struct {
	LockKey       string    `gorm:"primaryKey" json:"lock_key"`
	HolderID      string    `json:"holder_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `gorm:"index" json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Version       int64     `json:"version"`
}

// SiteKey is a per-site agent credential, bcrypt-hashed at rest.
// Rotation mints a new row; revocation sets RevokedAt.
type SiteKey struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SiteID    int64      `gorm:"index:idx_site_keys_site;not null" json:"site_id"`
	KeyHash   string     `json:"-"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (k *SiteKey) BeforeCreate(tx *gorm.DB) (err error) {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	return nil
}
