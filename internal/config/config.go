// Package config provides configuration loading for the workflow service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the workflow service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Store configuration
	WorkflowStoreType string // "memory", "redis" or "sqlite"
	TaskStoreType     string // "memory", "redis" or "sqlite"
	SQLitePath        string
	StoreTTL          time.Duration
	TaskCacheTTL      time.Duration

	// Engine configuration
	StepTimeout     time.Duration
	PollInterval    time.Duration
	ContinueOnError bool
	MaxParallelism  int
	MainThreadTools []string
	ResumeOnStart   bool

	// AI backend configuration
	AIBaseURL        string
	AIAPIKey         string
	AIImageModel     string
	AIVideoModel     string
	AITextModel      string
	AITimeout        time.Duration
	AIMaxRetries     int
	AIRateLimitRPS   float64
	AIRateLimitBurst int

	// Artifact storage
	ArtifactStoreType string // "memory" or "s3"
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UseSSL          bool
	S3PathPrefix      string

	// Retention
	RetentionSchedule        string
	TaskRetention            time.Duration
	WorkflowRetention        time.Duration
	RetentionDeleteArtifacts bool

	// Event fan-out
	EventsChannel string
	EventsRedis   bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Stores
		WorkflowStoreType: getEnv("WORKFLOW_STORE", "memory"),
		TaskStoreType:     getEnv("TASK_STORE", "memory"),
		SQLitePath:        getEnv("SQLITE_PATH", "workflows.db"),
		StoreTTL:          getDuration("STORE_TTL", 7*24*time.Hour),
		TaskCacheTTL:      getDuration("TASK_CACHE_TTL", 5*time.Second),

		// Engine
		StepTimeout:     getDuration("STEP_TIMEOUT", 10*time.Minute),
		PollInterval:    getDuration("POLL_INTERVAL", time.Second),
		ContinueOnError: getBool("CONTINUE_ON_ERROR", false),
		MaxParallelism:  getInt("MAX_PARALLELISM", 0),
		MainThreadTools: getStringSlice("MAIN_THREAD_TOOLS", nil),
		ResumeOnStart:   getBool("RESUME_ON_START", true),

		// AI backend
		AIBaseURL:        getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
		AIAPIKey:         getEnv("AI_API_KEY", ""),
		AIImageModel:     getEnv("AI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		AIVideoModel:     getEnv("AI_VIDEO_MODEL", "veo3"),
		AITextModel:      getEnv("AI_TEXT_MODEL", "gemini-2.5-flash"),
		AITimeout:        getDuration("AI_TIMEOUT", 120*time.Second),
		AIMaxRetries:     getInt("AI_MAX_RETRIES", 10),
		AIRateLimitRPS:   getFloat("AI_RATE_LIMIT_RPS", 5.0),
		AIRateLimitBurst: getInt("AI_RATE_LIMIT_BURST", 10),

		// Artifacts
		ArtifactStoreType: getEnv("ARTIFACT_STORE", "memory"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", "workflow-artifacts"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UseSSL:          getBool("S3_USE_SSL", true),
		S3PathPrefix:      getEnv("S3_PATH_PREFIX", ""),

		// Retention
		RetentionSchedule:        getEnv("RETENTION_SCHEDULE", "@every 1h"),
		TaskRetention:            getDuration("TASK_RETENTION", 7*24*time.Hour),
		WorkflowRetention:        getDuration("WORKFLOW_RETENTION", 30*24*time.Hour),
		RetentionDeleteArtifacts: getBool("RETENTION_DELETE_ARTIFACTS", false),

		// Events
		EventsChannel: getEnv("EVENTS_CHANNEL", "workflow-events"),
		EventsRedis:   getBool("EVENTS_REDIS", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		OTelEnabled:    getBool("OTEL_ENABLED", false),
		OTelEndpoint:   getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelSampleRate: getFloat("OTEL_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.WorkflowStoreType == "redis" || c.TaskStoreType == "redis" || c.EventsRedis
}

// UsesSQLite reports whether any store is backed by SQLite.
func (c *Config) UsesSQLite() bool {
	return c.WorkflowStoreType == "sqlite" || c.TaskStoreType == "sqlite"
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
