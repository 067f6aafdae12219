// Package tracker bounds the tool work a single request may perform:
// a call-count budget, a total wall-clock budget, and a per-call
// timeout. A Tracker belongs to exactly one request and owns every
// timer it creates; Destroy cancels anything still outstanding.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/pkg/models"
)

// Exhaustion kinds.
const (
	KindMaxCalls    = "max_calls"
	KindMaxTime     = "max_time"
	KindToolTimeout = "tool_timeout"
)

// Error is a resource-exhaustion rejection.
type Error struct {
	Kind string
	Tool string
}

func (e *Error) Error() string {
	return fmt.Sprintf("resource exhaustion: %s (tool %q)", e.Kind, e.Tool)
}

// Retryable reports whether a fresh request could succeed. Timeouts
// are retryable; budget exhaustion within this request is not, but a
// new request starts with fresh budgets, so both are reported true.
func (e *Error) Retryable() bool { return true }

// Fn is the operation a tool handler runs under tracker control.
type Fn func(ctx context.Context) (map[string]any, error)

// Tracker enforces per-request execution budgets. It is safe for
// concurrent use, though a request normally drives it from one
// goroutine.
type Tracker struct {
	mu          sync.Mutex
	cfg         config.BudgetsConfig
	start       time.Time
	calls       []models.CallRecord
	outstanding map[*context.CancelFunc]struct{}
	destroyed   bool
	clock       func() time.Time
}

// New creates a Tracker for one request.
func New(cfg config.BudgetsConfig) *Tracker {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 3
	}
	if cfg.MaxTotalTime <= 0 {
		cfg.MaxTotalTime = 90 * time.Second
	}
	if cfg.MaxPerCallTime <= 0 {
		cfg.MaxPerCallTime = 60 * time.Second
	}
	return &Tracker{
		cfg:         cfg,
		start:       time.Now(),
		outstanding: make(map[*context.CancelFunc]struct{}),
		clock:       time.Now,
	}
}

// WithClock overrides the tracker's clock. Tests only.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
	t.start = clock()
	return t
}

// Execute runs fn under the per-call timeout after checking the
// call-count and elapsed-time budgets. The timeout's cancel runs on
// every exit path; no timer survives the call.
func (t *Tracker) Execute(ctx context.Context, toolName string, fn Fn) (map[string]any, error) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, &Error{Kind: KindMaxCalls, Tool: toolName}
	}
	if len(t.calls) >= t.cfg.MaxToolCalls {
		t.mu.Unlock()
		return nil, &Error{Kind: KindMaxCalls, Tool: toolName}
	}
	now := t.clock()
	if now.Sub(t.start) >= t.cfg.MaxTotalTime {
		t.mu.Unlock()
		return nil, &Error{Kind: KindMaxTime, Tool: toolName}
	}

	record := models.CallRecord{ToolName: toolName, Start: now}
	idx := len(t.calls)
	t.calls = append(t.calls, record)

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.MaxPerCallTime)
	t.outstanding[&cancel] = struct{}{}
	t.mu.Unlock()

	defer func() {
		cancel()
		t.mu.Lock()
		delete(t.outstanding, &cancel)
		t.mu.Unlock()
	}()

	result, err := fn(callCtx)

	end := t.clock()
	t.mu.Lock()
	t.calls[idx].End = end
	t.calls[idx].DurationMs = end.Sub(t.calls[idx].Start).Milliseconds()
	t.mu.Unlock()

	if err != nil {
		// Distinguish the per-call deadline from a parent cancellation:
		// only the former is a tool timeout.
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = &Error{Kind: KindToolTimeout, Tool: toolName}
		}
		t.finishCall(idx, false, err)
		return nil, err
	}

	t.finishCall(idx, true, nil)
	return result, nil
}

func (t *Tracker) finishCall(idx int, success bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[idx].Success = success
	if err != nil {
		t.calls[idx].Error = err.Error()
	}
}

// Stats returns a snapshot of the request's execution stats.
func (t *Tracker) Stats() models.ExecutionStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := make([]models.CallRecord, len(t.calls))
	copy(calls, t.calls)
	return models.ExecutionStats{
		ToolCallCount:  len(calls),
		TotalElapsedMs: t.clock().Sub(t.start).Milliseconds(),
		Calls:          calls,
	}
}

// Outstanding reports the number of live per-call timers.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// Destroy cancels any timers still outstanding. Callers invoke it
// exactly once at request end; further calls are no-ops, and further
// Execute calls are rejected.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true
	for cancel := range t.outstanding {
		(*cancel)()
		delete(t.outstanding, cancel)
	}
}
