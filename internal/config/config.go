// Package config loads Toolgate configuration from environment variables.
// Every numeric policy threshold (breaker limits, quotas, budgets, TTLs)
// lives here so deployments can tune them without a rebuild.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Toolgate server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Object    ObjectStoreConfig
	Telemetry TelemetryConfig
	Limits    LimitsConfig
	Budgets   BudgetsConfig
	Cache     CacheConfig
	CDN       CDNConfig
	Stream    StreamConfig
	Artifact  ArtifactConfig
	Image     ImageConfig
	Search    SearchConfig
}

type DatabaseConfig struct {
	// URL is empty in zero-config dev mode; the server then falls back
	// to the in-memory store.
	URL            string
	MaxConnections int
	PingTimeout    time.Duration
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// ToolLimit is the static per-tool quota configuration. A tool with no
// entry in Limits.Tools is denied outright.
type ToolLimit struct {
	// Short-window API throttle shared by all callers of the tool.
	ThrottleMax    int
	ThrottleWindow time.Duration
	// Long-window quota for unauthenticated callers, keyed by client IP + tool.
	GuestMax         int
	GuestWindowHours int
	// Long-window quota for authenticated callers, keyed by user ID + tool.
	UserMax         int
	UserWindowHours int
}

type LimitsConfig struct {
	Tools map[string]ToolLimit
	// Circuit breaker policy shared by all tools.
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
}

type BudgetsConfig struct {
	MaxToolCalls   int
	MaxTotalTime   time.Duration
	MaxPerCallTime time.Duration
}

type CacheConfig struct {
	BundleTTL          time.Duration
	ClockSkewTolerance time.Duration
	SignedURLTTL       time.Duration
}

type CDNConfig struct {
	CacheTTL     time.Duration
	ProbeTimeout time.Duration
	MaxRetries   uint64
}

type StreamConfig struct {
	// MaxFrameBytes bounds unterminated SSE frame data on the reading side.
	MaxFrameBytes int
	// MaxContextChars is the hard truncation applied to sanitized context.
	MaxContextChars int
}

type ArtifactConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type ImageConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type SearchConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TOOLGATE_PORT", 8080),
		Version: envStr("TOOLGATE_VERSION", "0.2.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			PingTimeout:    envDuration("DATABASE_PING_TIMEOUT", 2*time.Second),
		},
		Object: ObjectStoreConfig{
			Endpoint:  envStr("OBJECT_STORE_ENDPOINT", "localhost:9000"),
			AccessKey: envStr("OBJECT_STORE_ACCESS_KEY", ""),
			SecretKey: envStr("OBJECT_STORE_SECRET_KEY", ""),
			Bucket:    envStr("OBJECT_STORE_BUCKET", "toolgate-bundles"),
			Region:    envStr("OBJECT_STORE_REGION", "us-east-1"),
			UseSSL:    envBool("OBJECT_STORE_USE_SSL", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "toolgate"),
		},
		Limits: LimitsConfig{
			Tools: map[string]ToolLimit{
				"artifact": {
					ThrottleMax:      envInt("LIMIT_ARTIFACT_THROTTLE_MAX", 10),
					ThrottleWindow:   envDuration("LIMIT_ARTIFACT_THROTTLE_WINDOW", time.Minute),
					GuestMax:         envInt("LIMIT_ARTIFACT_GUEST_MAX", 10),
					GuestWindowHours: envInt("LIMIT_ARTIFACT_GUEST_WINDOW_HOURS", 24),
					UserMax:          envInt("LIMIT_ARTIFACT_USER_MAX", 50),
					UserWindowHours:  envInt("LIMIT_ARTIFACT_USER_WINDOW_HOURS", 24),
				},
				"image": {
					ThrottleMax:      envInt("LIMIT_IMAGE_THROTTLE_MAX", 5),
					ThrottleWindow:   envDuration("LIMIT_IMAGE_THROTTLE_WINDOW", time.Minute),
					GuestMax:         envInt("LIMIT_IMAGE_GUEST_MAX", 5),
					GuestWindowHours: envInt("LIMIT_IMAGE_GUEST_WINDOW_HOURS", 24),
					UserMax:          envInt("LIMIT_IMAGE_USER_MAX", 30),
					UserWindowHours:  envInt("LIMIT_IMAGE_USER_WINDOW_HOURS", 24),
				},
				"search": {
					ThrottleMax:      envInt("LIMIT_SEARCH_THROTTLE_MAX", 20),
					ThrottleWindow:   envDuration("LIMIT_SEARCH_THROTTLE_WINDOW", time.Minute),
					GuestMax:         envInt("LIMIT_SEARCH_GUEST_MAX", 30),
					GuestWindowHours: envInt("LIMIT_SEARCH_GUEST_WINDOW_HOURS", 24),
					UserMax:          envInt("LIMIT_SEARCH_USER_MAX", 100),
					UserWindowHours:  envInt("LIMIT_SEARCH_USER_WINDOW_HOURS", 24),
				},
			},
			BreakerFailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 3),
			BreakerCooldown:         envDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Budgets: BudgetsConfig{
			MaxToolCalls:   envInt("BUDGET_MAX_TOOL_CALLS", 3),
			MaxTotalTime:   envDuration("BUDGET_MAX_TOTAL_TIME", 90*time.Second),
			MaxPerCallTime: envDuration("BUDGET_MAX_PER_CALL_TIME", 60*time.Second),
		},
		Cache: CacheConfig{
			BundleTTL:          envDuration("BUNDLE_CACHE_TTL", 7*24*time.Hour),
			ClockSkewTolerance: envDuration("BUNDLE_CACHE_SKEW_TOLERANCE", 30*time.Second),
			SignedURLTTL:       envDuration("BUNDLE_SIGNED_URL_TTL", time.Hour),
		},
		CDN: CDNConfig{
			CacheTTL:     envDuration("CDN_CACHE_TTL", 24*time.Hour),
			ProbeTimeout: envDuration("CDN_PROBE_TIMEOUT", 5*time.Second),
			MaxRetries:   uint64(envInt("CDN_PROBE_MAX_RETRIES", 2)),
		},
		Stream: StreamConfig{
			MaxFrameBytes:   envInt("STREAM_MAX_FRAME_BYTES", 1<<20),
			MaxContextChars: envInt("SANITIZE_MAX_CONTEXT_CHARS", 4000),
		},
		Artifact: ArtifactConfig{
			Endpoint: envStr("ARTIFACT_PROVIDER_ENDPOINT", ""),
			APIKey:   envStr("ARTIFACT_PROVIDER_API_KEY", ""),
			Timeout:  envDuration("ARTIFACT_PROVIDER_TIMEOUT", 45*time.Second),
		},
		Image: ImageConfig{
			Endpoint: envStr("IMAGE_PROVIDER_ENDPOINT", ""),
			APIKey:   envStr("IMAGE_PROVIDER_API_KEY", ""),
			Timeout:  envDuration("IMAGE_PROVIDER_TIMEOUT", 45*time.Second),
		},
		Search: SearchConfig{
			Endpoint: envStr("SEARCH_PROVIDER_ENDPOINT", ""),
			APIKey:   envStr("SEARCH_PROVIDER_API_KEY", ""),
			Timeout:  envDuration("SEARCH_PROVIDER_TIMEOUT", 15*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
