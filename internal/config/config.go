package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	LogLevel      string
	HolderID      string
	MQTTBrokerURL string
	RedisAddr     string
	RedisPassword string
	Postgres      DBConfig

	LockTimeout       time.Duration
	HeartbeatInterval time.Duration
	LeaseDuration     time.Duration
	BaseBackoff       time.Duration
	PollBatchLimit    int

	RawRetention      time.Duration
	Rollup5mRetention time.Duration
	DailyRetention    time.Duration
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	host, _ := os.Hostname()
	cfg := &Config{
		Port:          getEnv("EDGEPLANE_PORT", "8097"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		HolderID:      getEnv("EDGEPLANE_HOLDER_ID", host+"-"+strconv.Itoa(os.Getpid())),
		MQTTBrokerURL: strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		LockTimeout:       getDuration("EDGEPLANE_LOCK_TIMEOUT", 300*time.Second),
		HeartbeatInterval: getDuration("EDGEPLANE_LOCK_HEARTBEAT", 60*time.Second),
		LeaseDuration:     getDuration("EDGEPLANE_LEASE_DURATION", 120*time.Second),
		BaseBackoff:       getDuration("EDGEPLANE_BASE_BACKOFF", 30*time.Second),
		PollBatchLimit:    getInt("EDGEPLANE_POLL_BATCH_LIMIT", 10),
		RawRetention:      getDuration("EDGEPLANE_RAW_RETENTION", 26*time.Hour),
		Rollup5mRetention: getDuration("EDGEPLANE_5M_RETENTION", 60*24*time.Hour),
		DailyRetention:    getDuration("EDGEPLANE_DAILY_RETENTION", 2*365*24*time.Hour),
	}

	slog.Info("edgeplane config loaded", "port", cfg.Port, "holder_id", cfg.HolderID,
		"lock_timeout", cfg.LockTimeout, "heartbeat", cfg.HeartbeatInterval)
	return cfg
}

// LogLevelVar maps the LOG_LEVEL string to a slog level, defaulting to info.
func (c *Config) LogLevelVar() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env, using default", "key", k, "default", def)
	}
	return def
}

func getInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
