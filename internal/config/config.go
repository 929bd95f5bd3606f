package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	StoreDriver        string
	DatabaseURL        string
	SQLitePath         string
	RunMigrations      bool
	MigrationsPath     string
	CatalogPath        string
	Timezone           string
	LockTimeout        time.Duration
	AutoAdvance        bool
	EstimateSampleSize int
	EstimateMinSamples int
	ReplayBufferSize   int
	ReplayMaxAge       time.Duration
	SessionQueueSize   int
	RealtimeHeartbeat  time.Duration
	ResumeTTL          time.Duration
	TrustQueryIdentity bool
	RateLimitPerMinute int
	RateLimitBurst     int
	SweepSchedule      string
	RedisURL           string
	MirrorChannel      string
	MirrorBufferPath   string
	MirrorDrainEvery   time.Duration
	VAPIDPublicKey     string
	VAPIDPrivateKey    string
	VAPIDSubject       string
	PushWorkers        int
	LogLevel           string
	LogEncoding        string
	ShutdownTimeout    time.Duration
}

func Load() Config {
	_ = godotenv.Load(".env")

	return Config{
		Port:               readString("PORT", "8080"),
		StoreDriver:        strings.ToLower(readString("STORE_DRIVER", "memory")),
		DatabaseURL:        os.Getenv("DB_DSN"),
		SQLitePath:         readString("SQLITE_PATH", "./data/queue.db"),
		RunMigrations:      readBool("RUN_MIGRATIONS", true),
		MigrationsPath:     readString("MIGRATIONS_PATH", "./migrations"),
		CatalogPath:        os.Getenv("CATALOG_PATH"),
		Timezone:           readString("TIMEZONE", "Local"),
		LockTimeout:        readDuration("LOCK_TIMEOUT", 2*time.Second),
		AutoAdvance:        readBool("AUTO_ADVANCE", false),
		EstimateSampleSize: readInt("ESTIMATE_SAMPLE_SIZE", 20),
		EstimateMinSamples: readInt("ESTIMATE_MIN_SAMPLES", 3),
		ReplayBufferSize:   readInt("REPLAY_BUFFER_SIZE", 1000),
		ReplayMaxAge:       readDuration("REPLAY_MAX_AGE", 15*time.Minute),
		SessionQueueSize:   readInt("SESSION_QUEUE_SIZE", 256),
		RealtimeHeartbeat:  readDuration("REALTIME_HEARTBEAT", 25*time.Second),
		ResumeTTL:          readDuration("RESUME_TTL", 10*time.Minute),
		TrustQueryIdentity: readBool("TRUST_QUERY_IDENTITY", false),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		SweepSchedule:      readString("SWEEP_SCHEDULE", "5 0 * * *"),
		RedisURL:           os.Getenv("REDIS_URL"),
		MirrorChannel:      readString("MIRROR_CHANNEL", "branch-queue.events"),
		MirrorBufferPath:   readString("MIRROR_BUFFER_PATH", "./data/mirror.db"),
		MirrorDrainEvery:   readDuration("MIRROR_DRAIN_INTERVAL", 30*time.Second),
		VAPIDPublicKey:     os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:    os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:       readString("VAPID_SUBJECT", "mailto:queue@example.com"),
		PushWorkers:        readInt("PUSH_WORKERS", 2),
		LogLevel:           readString("LOG_LEVEL", "info"),
		LogEncoding:        readString("LOG_ENCODING", "json"),
		ShutdownTimeout:    readDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

func (c Config) Location() *time.Location {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// readDuration accepts Go durations ("1500ms") or a bare number of seconds.
func readDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if value, err := time.ParseDuration(raw); err == nil {
		return value
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
