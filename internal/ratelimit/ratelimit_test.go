package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/pkg/models"
)

// failingStore simulates a broken backing store.
type failingStore struct {
	calls int
}

func (f *failingStore) CheckAPIThrottle(ctx context.Context, apiName string, window time.Duration, max int) (models.RateLimitResult, error) {
	f.calls++
	return models.RateLimitResult{}, errors.New("store down")
}

func (f *failingStore) CheckGuestQuota(ctx context.Context, identifier string, windowHours, max int) (models.RateLimitResult, error) {
	f.calls++
	return models.RateLimitResult{}, errors.New("store down")
}

func (f *failingStore) CheckUserToolQuota(ctx context.Context, userID, toolName string, windowHours, max int) (models.RateLimitResult, error) {
	f.calls++
	return models.RateLimitResult{}, errors.New("store down")
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		Tools: map[string]config.ToolLimit{
			"artifact": {
				ThrottleMax:      3,
				ThrottleWindow:   time.Minute,
				GuestMax:         2,
				GuestWindowHours: 24,
				UserMax:          5,
				UserWindowHours:  24,
			},
		},
		BreakerFailureThreshold: 3,
		BreakerCooldown:         30 * time.Second,
	}
}

func guestCtx() models.RateLimitContext {
	return models.RateLimitContext{IsGuest: true, ClientIP: "1.2.3.4", RequestID: "r1"}
}

func userCtx() models.RateLimitContext {
	return models.RateLimitContext{UserID: "u1", RequestID: "r1"}
}

func kindOf(t *testing.T, err error) string {
	t.Helper()
	var rle *ratelimit.Error
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want *ratelimit.Error", err)
	}
	return rle.Kind
}

func TestCheck_UnknownToolDenied(t *testing.T) {
	l := ratelimit.New(store.NewMemory(), testLimits())

	_, err := l.Check(context.Background(), "shell", guestCtx())
	if err == nil {
		t.Fatal("Check() error = nil, want unknown-tool denial")
	}
	if kind := kindOf(t, err); kind != ratelimit.KindUnknownTool {
		t.Errorf("kind = %q, want %q", kind, ratelimit.KindUnknownTool)
	}

	var rle *ratelimit.Error
	errors.As(err, &rle)
	if rle.Retryable() {
		t.Error("unknown-tool denial marked retryable")
	}
}

func TestCheck_AllowedWithinLimits(t *testing.T) {
	l := ratelimit.New(store.NewMemory(), testLimits())

	res, err := l.Check(context.Background(), "artifact", userCtx())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed {
		t.Error("Check() result not allowed")
	}
	if res.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", res.Remaining)
	}
}

func TestCheck_GuestQuotaExhaustion(t *testing.T) {
	l := ratelimit.New(store.NewMemory(), testLimits())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Check(ctx, "artifact", guestCtx()); err != nil {
			t.Fatalf("Check() call %d error = %v", i+1, err)
		}
	}

	_, err := l.Check(ctx, "artifact", guestCtx())
	if kind := kindOf(t, err); kind != ratelimit.KindUserLimit {
		t.Errorf("kind = %q, want %q", kind, ratelimit.KindUserLimit)
	}
}

func TestCheck_ThrottleBeforeQuota(t *testing.T) {
	l := ratelimit.New(store.NewMemory(), testLimits())
	ctx := context.Background()

	// Throttle max is 3; user quota is 5. The 4th call within the
	// minute must be an api_throttle denial, not a quota one.
	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, "artifact", userCtx()); err != nil {
			t.Fatalf("Check() call %d error = %v", i+1, err)
		}
	}

	_, err := l.Check(ctx, "artifact", userCtx())
	if kind := kindOf(t, err); kind != ratelimit.KindAPIThrottle {
		t.Errorf("kind = %q, want %q", kind, ratelimit.KindAPIThrottle)
	}
}

func TestCheck_FailClosedOnStoreError(t *testing.T) {
	l := ratelimit.New(&failingStore{}, testLimits())

	_, err := l.Check(context.Background(), "artifact", userCtx())
	if err == nil {
		t.Fatal("Check() error = nil on store failure, want deny")
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	fs := &failingStore{}
	l := ratelimit.New(fs, testLimits()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, "artifact", userCtx()); err == nil {
			t.Fatalf("Check() call %d error = nil, want deny", i+1)
		}
	}
	if _, open := l.BreakerState("artifact"); !open {
		t.Fatal("breaker not open after 3 consecutive failures")
	}

	// 10s later, inside the cooldown: denied without touching the store.
	now = now.Add(10 * time.Second)
	before := fs.calls
	_, err := l.Check(ctx, "artifact", userCtx())
	if kind := kindOf(t, err); kind != ratelimit.KindCircuitOpen {
		t.Errorf("kind = %q, want %q", kind, ratelimit.KindCircuitOpen)
	}
	if fs.calls != before {
		t.Errorf("store touched %d times while breaker open, want 0", fs.calls-before)
	}
}

func TestBreaker_HalfOpenThenCloses(t *testing.T) {
	now := time.Unix(1000, 0)
	mem := store.NewMemory()
	fs := &failingStore{}

	broken := true
	// switchable store: fails until flipped healthy.
	sw := &switchingStore{healthy: mem, failing: fs, broken: &broken}
	l := ratelimit.New(sw, testLimits()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "artifact", userCtx())
	}
	if _, open := l.BreakerState("artifact"); !open {
		t.Fatal("breaker not open")
	}

	// Past the cooldown the next check half-opens and, with the store
	// healthy again, succeeds and closes the breaker.
	broken = false
	now = now.Add(31 * time.Second)

	res, err := l.Check(ctx, "artifact", userCtx())
	if err != nil {
		t.Fatalf("Check() after cooldown error = %v", err)
	}
	if !res.Allowed {
		t.Error("Check() after cooldown not allowed")
	}
	failures, open := l.BreakerState("artifact")
	if open {
		t.Error("breaker still open after successful half-open probe")
	}
	if failures != 0 {
		t.Errorf("consecutive failures = %d after success, want 0", failures)
	}
}

type switchingStore struct {
	healthy store.RateLimitStore
	failing store.RateLimitStore
	broken  *bool
}

func (s *switchingStore) pick() store.RateLimitStore {
	if *s.broken {
		return s.failing
	}
	return s.healthy
}

func (s *switchingStore) CheckAPIThrottle(ctx context.Context, apiName string, window time.Duration, max int) (models.RateLimitResult, error) {
	return s.pick().CheckAPIThrottle(ctx, apiName, window, max)
}

func (s *switchingStore) CheckGuestQuota(ctx context.Context, identifier string, windowHours, max int) (models.RateLimitResult, error) {
	return s.pick().CheckGuestQuota(ctx, identifier, windowHours, max)
}

func (s *switchingStore) CheckUserToolQuota(ctx context.Context, userID, toolName string, windowHours, max int) (models.RateLimitResult, error) {
	return s.pick().CheckUserToolQuota(ctx, userID, toolName, windowHours, max)
}
