// Package store provides the persistent-store interface for the
// Toolgate gateway: atomic rate-limit counters, the bundle cache, the
// CDN L2 cache, and the bundle-metrics sink.
//
// Two implementations exist: Postgres (production, pgx) and Memory
// (tests and zero-config dev mode). Handler code depends only on the
// interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/toolgate/toolgate/pkg/models"
)

// Store is the full persistent-store surface.
type Store interface {
	RateLimitStore
	BundleCacheStore
	CDNCacheStore
	MetricStore
	MaintenanceStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// RateLimitStore exposes the atomic check-and-increment counters. Each
// call is a single atomic upsert at the store layer; two concurrent
// requests from the same identity can never both observe "one request
// remaining" and both proceed.
type RateLimitStore interface {
	// CheckAPIThrottle enforces the short-window throttle for an API name.
	CheckAPIThrottle(ctx context.Context, apiName string, window time.Duration, maxRequests int) (models.RateLimitResult, error)

	// CheckGuestQuota enforces the long-window guest quota for an
	// opaque identifier (client IP + tool name composite).
	CheckGuestQuota(ctx context.Context, identifier string, windowHours, maxRequests int) (models.RateLimitResult, error)

	// CheckUserToolQuota enforces the long-window authenticated quota,
	// keyed by user ID and tool name.
	CheckUserToolQuota(ctx context.Context, userID, toolName string, windowHours, maxRequests int) (models.RateLimitResult, error)
}

// BundleCacheStore persists content-addressed bundle rows.
type BundleCacheStore interface {
	// GetBundle returns the row for a content hash, or ErrNotFound.
	GetBundle(ctx context.Context, contentHash string) (*models.BundleCacheEntry, error)

	// PutBundle inserts the entry; on a content-hash conflict it
	// updates the existing row's storage path, URL, size, dependency
	// count, and expiry while preserving the accumulated hit count.
	// Returns true when the write raced an existing row.
	PutBundle(ctx context.Context, entry *models.BundleCacheEntry) (raced bool, err error)

	// TouchBundle bumps hit count and last-accessed for a hash.
	TouchBundle(ctx context.Context, contentHash string, at time.Time) error
}

// CDNCacheStore is the L2 cache for resolved package URLs.
type CDNCacheStore interface {
	// GetCDNEntry returns the cached row, or ErrNotFound on a true miss.
	GetCDNEntry(ctx context.Context, packageName, version string, isBundle bool) (*models.CDNCacheEntry, error)

	// PutCDNEntry upserts a resolved URL.
	PutCDNEntry(ctx context.Context, entry *models.CDNCacheEntry) error
}

// MetricStore is the append-only bundle-metrics sink.
type MetricStore interface {
	InsertBundleMetric(ctx context.Context, metric *models.BundleMetric) error
}

// MaintenanceStore exposes the janitor's purge operations.
type MaintenanceStore interface {
	// PurgeExpiredBundles deletes bundle rows whose expiry is before
	// cutoff and returns how many were removed.
	PurgeExpiredBundles(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeStaleCDNEntries deletes CDN rows cached before cutoff and
	// returns how many were removed.
	PurgeStaleCDNEntries(ctx context.Context, cutoff time.Time) (int, error)
}

// ErrNotFound is returned when a requested row does not exist. It is
// the only way a lookup may report absence; every other error is a
// storage failure and must never be treated as a miss.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// windowStart truncates now to the current fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

// counterKey builds the composite key for a fixed-window counter.
func counterKey(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "|"
		}
		key += p
	}
	return key
}
