// Package bundlecache is the content-addressable cache for built
// artifact bundles. Rows live in the persistent store; the bytes live
// in object storage behind short-lived signed URLs.
package bundlecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/objectstore"
	"github.com/toolgate/toolgate/internal/safeerr"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/pkg/models"
)

// LookupResult is the outcome of a cache lookup.
type LookupResult struct {
	Hit   bool
	URL   string
	Entry *models.BundleCacheEntry
}

// Cache coordinates the bundle-cache rows and signed URLs.
type Cache struct {
	store    store.BundleCacheStore
	objects  objectstore.Bundles
	cfg      config.CacheConfig
	clock    func() time.Time
	dispatch func(fn func())
}

// New creates a Cache.
func New(s store.BundleCacheStore, objects objectstore.Bundles, cfg config.CacheConfig) *Cache {
	if cfg.ClockSkewTolerance <= 0 {
		cfg.ClockSkewTolerance = 30 * time.Second
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Hour
	}
	if cfg.BundleTTL <= 0 {
		cfg.BundleTTL = 7 * 24 * time.Hour
	}
	return &Cache{
		store:    s,
		objects:  objects,
		cfg:      cfg,
		clock:    time.Now,
		dispatch: func(fn func()) { go fn() },
	}
}

// WithClock overrides the cache clock. Tests only.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// WithSyncDispatch runs fire-and-forget work inline. Tests only.
func (c *Cache) WithSyncDispatch() *Cache {
	c.dispatch = func(fn func()) { fn() }
	return c
}

// ContentHash computes the deterministic cache key for a bundle: the
// source code plus the sorted, resolved dependency set. Identical
// inputs always land in the same cache slot.
func ContentHash(sourceCode string, dependencies []string) string {
	deps := make([]string, len(dependencies))
	copy(deps, dependencies)
	sort.Strings(deps)

	h := sha256.New()
	h.Write([]byte(sourceCode))
	for _, d := range deps {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns a fresh signed URL for the bundle when the row exists
// and has not expired beyond the clock-skew tolerance. A signing
// failure on a live row is a storage error, not a miss: reporting it as
// a miss would hide an object-store outage behind rebuild traffic.
func (c *Cache) Lookup(ctx context.Context, contentHash string) (LookupResult, error) {
	entry, err := c.store.GetBundle(ctx, contentHash)
	if store.IsNotFound(err) {
		return LookupResult{Hit: false}, nil
	}
	if err != nil {
		return LookupResult{}, &safeerr.StorageError{Op: "bundle_cache.get", Resource: contentHash, Err: err}
	}

	now := c.clock()
	if now.After(entry.ExpiresAt.Add(c.cfg.ClockSkewTolerance)) {
		return LookupResult{Hit: false}, nil
	}

	url, err := c.objects.SignedURL(ctx, entry.StoragePath, c.cfg.SignedURLTTL)
	if err != nil {
		return LookupResult{}, &safeerr.StorageError{Op: "bundle_cache.sign_url", Resource: entry.StoragePath, Err: err}
	}

	// Hit bookkeeping is asynchronous relative to the response, but a
	// failure is still observed and logged.
	c.dispatch(func() {
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.store.TouchBundle(touchCtx, contentHash, now); err != nil {
			log.Error().
				Err(err).
				Str("content_hash", contentHash).
				Msg("bundle cache hit bookkeeping failed")
		}
	})

	entry.BundleURL = url
	return LookupResult{Hit: true, URL: url, Entry: entry}, nil
}

// Store records a freshly built bundle. Two concurrent builds of the
// same content resolve through the store's unique constraint: the
// loser's write updates the existing row and keeps its hit count.
func (c *Cache) Store(ctx context.Context, contentHash, storagePath, url string, sizeBytes int64, depCount int) (*models.BundleCacheEntry, error) {
	now := c.clock()
	entry := &models.BundleCacheEntry{
		ContentHash:     contentHash,
		StoragePath:     storagePath,
		BundleURL:       url,
		BundleSizeBytes: sizeBytes,
		DependencyCount: depCount,
		LastAccessedAt:  now,
		ExpiresAt:       now.Add(c.cfg.BundleTTL),
		CreatedAt:       now,
	}

	raced, err := c.store.PutBundle(ctx, entry)
	if err != nil {
		return nil, &safeerr.StorageError{Op: "bundle_cache.put", Resource: contentHash, Err: err}
	}
	if raced {
		// Expected outcome of a benign concurrent build, surfaced for
		// observability.
		log.Info().
			Str("content_hash", contentHash).
			Str("storage_path", storagePath).
			Msg("bundle cache write raced an existing row, updated in place")
	}
	return entry, nil
}
