// Package config loads Gantry configuration from environment variables and
// YAML seed profiles.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process configuration. Zero-config boot works for local
// development: sqlite store, fs blob root, no redis, no OTLP.
type Config struct {
	// Server
	Port        string
	LogLevel    string
	CORSOrigins []string
	GlobalRPS   int
	GlobalBurst int

	// Storage
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string
	RedisURL       string

	// Blob store
	BlobBackend string // "fs", "s3", "gcs"
	BlobFSRoot  string
	BlobBucket  string

	// Hydration
	HydrationEnabled        bool
	HydrationTZ             string
	HydrationPollSeconds    int
	HydrationHour           int
	HydrationMinute         int
	HydrationMaxFilesPerRun int
	HydrationForceFullScan  bool
	HydrationOCREnabled     bool
	HydrationOCRURL         string
	HydrationServiceUserID  int64
	LockTTL                 time.Duration

	// Content scanner
	MLScannerEnabled   bool
	MLScannerURL       string
	MLScannerThreshold float64

	// Embeddings
	EmbeddingProvider   string // "none", "remote", "memory"
	EmbeddingURL        string
	EmbeddingAPIKey     string
	EmbeddingModel      string
	EmbeddingDimensions int

	// ULE
	LinkThreshold float64

	// Audit
	AuditRetentionDays int

	// Auth
	JWTSecret        string
	SecretsMasterKey string
	SecretsDir       string

	// Observability
	OTLPEndpoint string
	SampleRate   float64
	TracingOn    bool

	// Seed profiles directory (policies, rate limits, prohibited patterns)
	SeedDir string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        envStr("PORT", "8080"),
		LogLevel:    envStr("LOG_LEVEL", "INFO"),
		CORSOrigins: splitNonEmpty(envStr("CORS_ORIGINS", "*")),
		GlobalRPS:   envInt("GLOBAL_RATE_RPS", 50),
		GlobalBurst: envInt("GLOBAL_RATE_BURST", 100),

		DatabaseDriver: envStr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    envStr("DATABASE_URL", "file:gantry.db?_pragma=busy_timeout(5000)"),
		RedisURL:       envStr("REDIS_URL", ""),

		BlobBackend: envStr("BLOB_BACKEND", "fs"),
		BlobFSRoot:  envStr("BLOB_FS_ROOT", "./blobs"),
		BlobBucket:  envStr("BLOB_BUCKET", ""),

		HydrationEnabled:        envBool("HYDRATION_ENABLED", false),
		HydrationTZ:             envStr("HYDRATION_TZ", "UTC"),
		HydrationPollSeconds:    envInt("HYDRATION_POLL_SECONDS", 60),
		HydrationHour:           envInt("HYDRATION_HOUR", 2),
		HydrationMinute:         envInt("HYDRATION_MINUTE", 0),
		HydrationMaxFilesPerRun: envInt("HYDRATION_MAX_FILES_PER_RUN", 500),
		HydrationForceFullScan:  envBool("HYDRATION_FORCE_FULL_SCAN", false),
		HydrationOCREnabled:     envBool("HYDRATION_OCR_ENABLED", false),
		HydrationOCRURL:         envStr("HYDRATION_OCR_URL", ""),
		HydrationServiceUserID:  int64(envInt("HYDRATION_SERVICE_USER_ID", 0)),
		LockTTL:                 envDuration("HYDRATION_LOCK_TTL", 2*time.Hour),

		MLScannerEnabled:   envBool("ML_SCANNER_ENABLED", false),
		MLScannerURL:       envStr("ML_SCANNER_URL", ""),
		MLScannerThreshold: envFloat("ML_SCANNER_THRESHOLD", 0.85),

		EmbeddingProvider:   envStr("EMBEDDING_PROVIDER", "none"),
		EmbeddingURL:        envStr("EMBEDDING_URL", "https://api.openai.com/v1/embeddings"),
		EmbeddingAPIKey:     envStr("EMBEDDING_API_KEY", ""),
		EmbeddingModel:      envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 1536),

		LinkThreshold: envFloat("LINK_CONFIDENCE_THRESHOLD", 0.5),

		AuditRetentionDays: envInt("AUDIT_RETENTION_DAYS", 90),

		JWTSecret:        envStr("JWT_SECRET", ""),
		SecretsMasterKey: envStr("SECRETS_MASTER_KEY", ""),
		SecretsDir:       envStr("SECRETS_DIR", "./secrets"),

		OTLPEndpoint: envStr("OTLP_ENDPOINT", ""),
		SampleRate:   envFloat("TRACE_SAMPLE_RATE", 0.1),
		TracingOn:    envBool("TRACING_ENABLED", false),

		SeedDir: envStr("SEED_DIR", ""),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
