// Package ratelimit enforces per-tool quotas backed by atomic store
// counters, fronted by a per-tool circuit breaker. The limiter is
// fail-closed end to end: absence of a clear "allowed" signal from the
// store is always treated as "not allowed".
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/pkg/models"
)

// Denial kinds.
const (
	KindAPIThrottle = "api_throttle"
	KindUserLimit   = "user_limit"
	KindUnknownTool = "unknown_tool"
	KindCircuitOpen = "circuit_open"
)

// Error is a rate-limit denial.
type Error struct {
	Kind   string
	Tool   string
	Result models.RateLimitResult
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit: %s (tool %q)", e.Kind, e.Tool)
}

// Retryable reports whether the caller may retry later. Unknown tools
// never become valid by waiting.
func (e *Error) Retryable() bool { return e.Kind != KindUnknownTool }

// Limiter checks tool quotas. One instance is constructed per process
// and shared by every concurrent request, which is what makes the
// breaker meaningful. It is safe for concurrent use.
type Limiter struct {
	store    store.RateLimitStore
	cfg      config.LimitsConfig
	breakers *breakerSet
	clock    func() time.Time
	onOpen   func(toolName string)
}

// New creates a Limiter backed by the given store.
func New(s store.RateLimitStore, cfg config.LimitsConfig) *Limiter {
	return &Limiter{
		store:    s,
		cfg:      cfg,
		breakers: newBreakerSet(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, time.Now),
		clock:    time.Now,
	}
}

// OnBreakerOpen registers a callback invoked whenever a tool's breaker
// transitions to open. Set once at construction time, before the
// limiter is shared.
func (l *Limiter) OnBreakerOpen(fn func(toolName string)) *Limiter {
	l.onOpen = fn
	return l
}

// WithClock overrides the limiter's clock. Tests only.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	l.breakers.clock = clock
	return l
}

// Check runs the full deny chain for one tool call:
// breaker → static config lookup → API throttle → guest/user quota.
// A nil error means the call is allowed.
func (l *Limiter) Check(ctx context.Context, toolName string, rlctx models.RateLimitContext) (models.RateLimitResult, error) {
	if l.breakers.isOpen(toolName) {
		return models.RateLimitResult{}, &Error{Kind: KindCircuitOpen, Tool: toolName}
	}

	limit, ok := l.cfg.Tools[toolName]
	if !ok {
		// Unknown tools are denied outright, never allowed through on
		// the theory that "no config means no limit".
		return models.RateLimitResult{}, &Error{Kind: KindUnknownTool, Tool: toolName}
	}

	throttle, err := l.store.CheckAPIThrottle(ctx, toolName, limit.ThrottleWindow, limit.ThrottleMax)
	if err != nil {
		l.recordStoreFailure(toolName, "api_throttle", err)
		return models.RateLimitResult{}, &Error{Kind: KindAPIThrottle, Tool: toolName}
	}
	if !throttle.Allowed {
		l.breakers.recordSuccess(toolName)
		return throttle, &Error{Kind: KindAPIThrottle, Tool: toolName, Result: throttle}
	}

	var quota models.RateLimitResult
	if rlctx.IsGuest {
		// Guest quotas are keyed by client IP + tool so one tool's
		// exhaustion never restricts a different tool.
		identifier := rlctx.ClientIP + "|" + toolName
		quota, err = l.store.CheckGuestQuota(ctx, identifier, limit.GuestWindowHours, limit.GuestMax)
	} else {
		quota, err = l.store.CheckUserToolQuota(ctx, rlctx.UserID, toolName, limit.UserWindowHours, limit.UserMax)
	}
	if err != nil {
		l.recordStoreFailure(toolName, "quota", err)
		return models.RateLimitResult{}, &Error{Kind: KindUserLimit, Tool: toolName}
	}

	l.breakers.recordSuccess(toolName)

	if !quota.Allowed {
		return quota, &Error{Kind: KindUserLimit, Tool: toolName, Result: quota}
	}
	return quota, nil
}

func (l *Limiter) recordStoreFailure(toolName, stage string, err error) {
	opened := l.breakers.recordFailure(toolName)
	evt := log.Error().
		Err(err).
		Str("tool", toolName).
		Str("stage", stage)
	if opened {
		evt.Msg("rate limit store failure, circuit opened")
		if l.onOpen != nil {
			l.onOpen(toolName)
		}
		return
	}
	evt.Msg("rate limit store failure, denying")
}

// BreakerState reports the breaker state for a tool, for metrics and
// introspection.
func (l *Limiter) BreakerState(toolName string) (consecutiveFailures int, open bool) {
	return l.breakers.state(toolName)
}
