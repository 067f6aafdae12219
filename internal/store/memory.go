package store

import (
	"context"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/models"
)

// Memory is the in-memory Store used by tests and zero-config dev mode.
// It honors the same semantics as the Postgres implementation: counter
// increments are atomic under the mutex, and PutBundle resolves a
// content-hash race by updating the existing row.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counterWindow
	bundles  map[string]*models.BundleCacheEntry
	cdn      map[string]*models.CDNCacheEntry
	metrics  []models.BundleMetric
	clock    func() time.Time
}

type counterWindow struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]*counterWindow),
		bundles:  make(map[string]*models.BundleCacheEntry),
		cdn:      make(map[string]*models.CDNCacheEntry),
		clock:    time.Now,
	}
}

// WithClock overrides the store clock. Tests only.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

// checkAndIncrement is the shared fixed-window counter. The caller's
// request is counted even when denied, matching the SQL upsert.
func (m *Memory) checkAndIncrement(key string, window time.Duration, maxRequests int) models.RateLimitResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	start := windowStart(now, window)

	c, ok := m.counters[key]
	if !ok || !c.windowStart.Equal(start) {
		c = &counterWindow{windowStart: start, window: window}
		m.counters[key] = c
	}

	resetAt := start.Add(window)
	if c.count >= maxRequests {
		return models.RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
			Limit:     maxRequests,
		}
	}
	c.count++
	return models.RateLimitResult{
		Allowed:   true,
		Remaining: maxRequests - c.count,
		ResetAt:   resetAt,
		Limit:     maxRequests,
	}
}

func (m *Memory) CheckAPIThrottle(ctx context.Context, apiName string, window time.Duration, maxRequests int) (models.RateLimitResult, error) {
	return m.checkAndIncrement(counterKey("throttle", apiName), window, maxRequests), nil
}

func (m *Memory) CheckGuestQuota(ctx context.Context, identifier string, windowHours, maxRequests int) (models.RateLimitResult, error) {
	window := time.Duration(windowHours) * time.Hour
	return m.checkAndIncrement(counterKey("guest", identifier), window, maxRequests), nil
}

func (m *Memory) CheckUserToolQuota(ctx context.Context, userID, toolName string, windowHours, maxRequests int) (models.RateLimitResult, error) {
	window := time.Duration(windowHours) * time.Hour
	return m.checkAndIncrement(counterKey("user", userID, toolName), window, maxRequests), nil
}

func (m *Memory) GetBundle(ctx context.Context, contentHash string) (*models.BundleCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.bundles[contentHash]
	if !ok {
		return nil, &ErrNotFound{Entity: "bundle", Key: contentHash}
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) PutBundle(ctx context.Context, entry *models.BundleCacheEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.bundles[entry.ContentHash]
	if ok {
		// Conflict: refresh the payload, keep the accumulated hit count.
		existing.StoragePath = entry.StoragePath
		existing.BundleURL = entry.BundleURL
		existing.BundleSizeBytes = entry.BundleSizeBytes
		existing.DependencyCount = entry.DependencyCount
		existing.ExpiresAt = entry.ExpiresAt
		existing.LastAccessedAt = entry.LastAccessedAt
		return true, nil
	}

	cp := *entry
	m.bundles[entry.ContentHash] = &cp
	return false, nil
}

func (m *Memory) TouchBundle(ctx context.Context, contentHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.bundles[contentHash]
	if !ok {
		return &ErrNotFound{Entity: "bundle", Key: contentHash}
	}
	e.HitCount++
	e.LastAccessedAt = at
	return nil
}

func cdnKey(packageName, version string, isBundle bool) string {
	k := counterKey(packageName, version)
	if isBundle {
		return k + "|bundle"
	}
	return k
}

func (m *Memory) GetCDNEntry(ctx context.Context, packageName, version string, isBundle bool) (*models.CDNCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cdn[cdnKey(packageName, version, isBundle)]
	if !ok {
		return nil, &ErrNotFound{Entity: "cdn entry", Key: packageName + "@" + version}
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) PutCDNEntry(ctx context.Context, entry *models.CDNCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.cdn[cdnKey(entry.PackageName, entry.Version, entry.IsBundle)] = &cp
	return nil
}

func (m *Memory) PurgeExpiredBundles(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for hash, e := range m.bundles {
		if e.ExpiresAt.Before(cutoff) {
			delete(m.bundles, hash)
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgeStaleCDNEntries(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, e := range m.cdn {
		if e.CachedAt.Before(cutoff) {
			delete(m.cdn, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertBundleMetric(ctx context.Context, metric *models.BundleMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = append(m.metrics, *metric)
	return nil
}

// BundleMetrics returns a copy of recorded metrics. Tests only.
func (m *Memory) BundleMetrics() []models.BundleMetric {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.BundleMetric, len(m.metrics))
	copy(out, m.metrics)
	return out
}
