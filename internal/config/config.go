package config

import (
	"os"
	"strconv"
	"time"
)

// ObjectStoreConfig holds connection parameters for the durable object store.
type ObjectStoreConfig struct {
	Enabled       bool
	Bucket        string
	Region        string
	Endpoint      string
	PublicBaseURL string
}

// Config captures the runtime configuration for the ClipStitch backend service.
type Config struct {
	AppPort      int
	DatabaseURL  string
	MigrationDir string
	LogLevel     string

	StagingDir string
	ScratchDir string

	ObjectStore ObjectStoreConfig
	SignTTL     time.Duration

	MaxUploadBytes    int64
	MaxChunkBytes     int64
	MaxOpenUploads    int
	MaxClipCount      int
	UploadIdleTimeout time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int
	RateLimitTTL      time.Duration

	MergeWorkers    int
	MergeQueueSize  int
	MergeMaxRetries int
	MergeTimeout    time.Duration
	MergeLeaseTTL   time.Duration

	SweepInterval time.Duration

	FFmpegPath    string
	FFprobePath   string
	FFmpegTimeout time.Duration
}

// Load reads configuration from environment variables, applying sensible defaults
// for local development while allowing overrides through environment variables.
// An empty CLIPSTITCH_DATABASE_URL selects the in-memory session stores.
func Load() (Config, error) {
	cfg := Config{
		AppPort:      getInt("CLIPSTITCH_PORT", 8080),
		DatabaseURL:  getString("CLIPSTITCH_DATABASE_URL", ""),
		MigrationDir: getString("CLIPSTITCH_MIGRATIONS", "migrations"),
		LogLevel:     getString("CLIPSTITCH_LOG_LEVEL", "info"),

		StagingDir: getString("CLIPSTITCH_STAGING_DIR", "data/staging"),
		ScratchDir: getString("CLIPSTITCH_SCRATCH_DIR", "data/scratch"),

		ObjectStore: ObjectStoreConfig{
			Enabled:       getBool("CLIPSTITCH_OBJECT_STORE_ENABLED", false),
			Bucket:        getString("CLIPSTITCH_S3_BUCKET", ""),
			Region:        getString("CLIPSTITCH_S3_REGION", "us-east-1"),
			Endpoint:      getString("CLIPSTITCH_S3_ENDPOINT", ""),
			PublicBaseURL: getString("CLIPSTITCH_S3_PUBLIC_BASE_URL", ""),
		},
		SignTTL: getDuration("CLIPSTITCH_SIGN_TTL", 15*time.Minute),

		MaxUploadBytes:    getInt64("CLIPSTITCH_MAX_UPLOAD_BYTES", 256<<20),
		MaxChunkBytes:     getInt64("CLIPSTITCH_MAX_CHUNK_BYTES", 16<<20),
		MaxOpenUploads:    getInt("CLIPSTITCH_MAX_OPEN_UPLOADS", 8),
		MaxClipCount:      getInt("CLIPSTITCH_MAX_CLIP_COUNT", 5),
		UploadIdleTimeout: getDuration("CLIPSTITCH_UPLOAD_IDLE_TIMEOUT", 30*time.Minute),

		RateLimitRequests: getInt("CLIPSTITCH_RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDuration("CLIPSTITCH_RATE_LIMIT_WINDOW", time.Minute),
		RateLimitBurst:    getInt("CLIPSTITCH_RATE_LIMIT_BURST", 20),
		RateLimitTTL:      getDuration("CLIPSTITCH_RATE_LIMIT_TTL", 5*time.Minute),

		MergeWorkers:    getInt("CLIPSTITCH_MERGE_WORKERS", 2),
		MergeQueueSize:  getInt("CLIPSTITCH_MERGE_QUEUE_SIZE", 32),
		MergeMaxRetries: getInt("CLIPSTITCH_MERGE_MAX_RETRIES", 3),
		MergeTimeout:    getDuration("CLIPSTITCH_MERGE_TIMEOUT", 2*time.Minute),
		MergeLeaseTTL:   getDuration("CLIPSTITCH_MERGE_LEASE_TTL", 5*time.Minute),

		SweepInterval: getDuration("CLIPSTITCH_SWEEP_INTERVAL", time.Minute),

		FFmpegPath:    getString("CLIPSTITCH_FFMPEG_PATH", "ffmpeg"),
		FFprobePath:   getString("CLIPSTITCH_FFPROBE_PATH", "ffprobe"),
		FFmpegTimeout: getDuration("CLIPSTITCH_FFMPEG_TIMEOUT", 90*time.Second),
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
