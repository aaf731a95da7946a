package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port string

	// Storage
	StoreBackend string // "sqlite" or "memory"
	DatabasePath string

	// Encryption: either a 64-char hex master key, or a passphrase from
	// which the key is derived (scrypt, KDFIterations as N).
	MasterKey     string
	Passphrase    string
	KDFIterations int

	// Memory store
	SessionTTL         time.Duration // expiry for retention=session memories
	SearchLimit        int           // default search result limit
	MinSimilarity      float64       // default minimum cosine similarity
	DecaySweepInterval time.Duration
	CleanupInterval    time.Duration
	DecayBatchSize     int // records decrypted per chunk during sweeps

	// Trigger engine
	PricePollInterval    time.Duration
	SchedulePollInterval time.Duration
	ScheduleTolerance    time.Duration // window after a cron occurrence in which it still fires
	FileDebounce         time.Duration
	WebhookRateLimit     float64 // webhook calls per second per trigger
	HistoryLimit         int     // default trigger history query cap

	// Heartbeat
	HeartbeatInterval time.Duration // default per-user behavior interval
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "3001"),

		StoreBackend: getEnv("STORE_BACKEND", "sqlite"),
		DatabasePath: getEnv("DATABASE_PATH", "vigil.db"),

		MasterKey:     getEnv("ENCRYPTION_MASTER_KEY", ""),
		Passphrase:    getEnv("ENCRYPTION_PASSPHRASE", ""),
		KDFIterations: getIntEnv("KDF_ITERATIONS", 32768),

		SessionTTL:         getDurationEnv("SESSION_TTL", 24*time.Hour),
		SearchLimit:        getIntEnv("SEARCH_LIMIT", 10),
		MinSimilarity:      getFloatEnv("MIN_SIMILARITY", 0.3),
		DecaySweepInterval: getDurationEnv("DECAY_INTERVAL", 6*time.Hour),
		CleanupInterval:    getDurationEnv("CLEANUP_INTERVAL", time.Hour),
		DecayBatchSize:     getIntEnv("DECAY_BATCH_SIZE", 200),

		PricePollInterval:    getDurationEnv("PRICE_POLL_INTERVAL", 30*time.Second),
		SchedulePollInterval: getDurationEnv("SCHEDULE_POLL_INTERVAL", time.Minute),
		ScheduleTolerance:    getDurationEnv("SCHEDULE_TOLERANCE", time.Minute),
		FileDebounce:         getDurationEnv("FILE_DEBOUNCE", 500*time.Millisecond),
		WebhookRateLimit:     getFloatEnv("WEBHOOK_RATE_LIMIT", 5),
		HistoryLimit:         getIntEnv("HISTORY_LIMIT", 100),

		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 15*time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
