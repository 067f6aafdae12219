// Package models defines the shared data model for the Toolgate gateway:
// tool calls and their validated forms, rate-limit state, execution stats,
// cache rows, and the progress-stream wire payloads.
package models

import (
	"time"
)

// ── Tool calls ──────────────────────────────────────────────

// ToolCall is one untrusted tool invocation as decided by the LLM layer.
// RawArgs is exactly what the model produced and must never be used
// before passing through the validator.
type ToolCall struct {
	ToolName string         `json:"tool_name"`
	RawArgs  map[string]any `json:"arguments"`

	// Mode is an optional client routing hint used only when ToolName is
	// empty. It is untrusted and passes through sanitize.ModeHint.
	Mode string `json:"mode,omitempty"`
}

// ToolSchema describes one tool to the LLM-facing layer and drives
// parameter validation.
type ToolSchema struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]ParamSpec `json:"parameters"`
	Required    []string             `json:"required"`
}

// ParamSpec is a JSON-schema-like spec for a single tool parameter.
type ParamSpec struct {
	Type        string   `json:"type"` // "string"
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	MaxLength   int      `json:"max_length,omitempty"`
}

// ── Rate limiting ───────────────────────────────────────────

// RateLimitContext identifies the caller for quota accounting.
// Derived once per request and read-only afterwards.
type RateLimitContext struct {
	IsGuest   bool
	UserID    string
	ClientIP  string
	RequestID string
}

// RateLimitResult is the outcome of a quota check.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Limit     int       `json:"limit"`
}

// ── Execution tracking ──────────────────────────────────────

// CallRecord is one tool invocation inside a request.
type CallRecord struct {
	ToolName   string    `json:"tool_name"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// ExecutionStats summarizes a request's tool activity.
type ExecutionStats struct {
	ToolCallCount  int          `json:"tool_call_count"`
	TotalElapsedMs int64        `json:"total_elapsed_ms"`
	Calls          []CallRecord `json:"calls"`
}

// ── Bundle cache ────────────────────────────────────────────

// BundleCacheEntry is one content-addressed bundle row.
// ContentHash is the primary key; a write race on it resolves to an
// update of the existing row, never a second row.
type BundleCacheEntry struct {
	ContentHash     string    `json:"content_hash"`
	StoragePath     string    `json:"storage_path"`
	BundleURL       string    `json:"bundle_url"`
	BundleSizeBytes int64     `json:"bundle_size_bytes"`
	DependencyCount int       `json:"dependency_count"`
	HitCount        int64     `json:"hit_count"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// ── CDN cache ───────────────────────────────────────────────

// CDNCacheEntry is an L2 cache row for a resolved package URL.
// Expired entries are treated as absent, not as errors.
type CDNCacheEntry struct {
	PackageName string    `json:"package_name"`
	Version     string    `json:"version"`
	IsBundle    bool      `json:"is_bundle"`
	CDNURL      string    `json:"cdn_url"`
	CDNProvider string    `json:"cdn_provider"`
	CachedAt    time.Time `json:"cached_at"`
}

// ── Metrics ─────────────────────────────────────────────────

// BundleMetric is one append-only bundle-build observation.
type BundleMetric struct {
	ArtifactID      string `json:"artifact_id"`
	SessionID       string `json:"session_id"`
	BundleTimeMs    int64  `json:"bundle_time_ms"`
	CacheHit        bool   `json:"cache_hit"`
	CDNProvider     string `json:"cdn_provider"`
	BundleSize      int64  `json:"bundle_size"`
	FallbackUsed    bool   `json:"fallback_used"`
	DependencyCount int    `json:"dependency_count"`
}

// ── Progress stream wire payloads ───────────────────────────

// Event kinds for the progress stream. A stream is a sequence of
// progress events terminated by exactly one complete or error event.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// ProgressPayload reports an intermediate execution stage.
type ProgressPayload struct {
	Stage     string `json:"stage"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id"`
}

// CompletePayload is the terminal success payload.
type CompletePayload struct {
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Stats     ExecutionStats `json:"stats"`
	RequestID string         `json:"request_id"`
}

// ErrorPayload is the terminal failure payload. Error carries the
// machine-readable kind; Details is the safe human message.
type ErrorPayload struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id"`
}
