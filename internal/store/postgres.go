package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/pkg/models"
)

// Postgres is the production Store backed by pgx. Counter updates and
// the bundle-row conflict resolution happen in single SQL statements so
// the database, not application code, is the synchronization point.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pgx pool and verifies reachability.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Migrate creates the Toolgate tables when they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rate_limit_counters (
			key          TEXT        NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			count        INTEGER     NOT NULL DEFAULT 0,
			PRIMARY KEY (key, window_start)
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_cache (
			content_hash      TEXT        PRIMARY KEY,
			storage_path      TEXT        NOT NULL,
			bundle_url        TEXT        NOT NULL,
			bundle_size_bytes BIGINT      NOT NULL,
			dependency_count  INTEGER     NOT NULL,
			hit_count         BIGINT      NOT NULL DEFAULT 0,
			last_accessed_at  TIMESTAMPTZ NOT NULL,
			expires_at        TIMESTAMPTZ NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS cdn_cache (
			package_name TEXT        NOT NULL,
			version      TEXT        NOT NULL,
			is_bundle    BOOLEAN     NOT NULL,
			cdn_url      TEXT        NOT NULL,
			cdn_provider TEXT        NOT NULL,
			cached_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (package_name, version, is_bundle)
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_metrics (
			id               BIGSERIAL   PRIMARY KEY,
			artifact_id      TEXT        NOT NULL,
			session_id       TEXT        NOT NULL,
			bundle_time_ms   BIGINT      NOT NULL,
			cache_hit        BOOLEAN     NOT NULL,
			cdn_provider     TEXT        NOT NULL,
			bundle_size      BIGINT      NOT NULL,
			fallback_used    BOOLEAN     NOT NULL,
			dependency_count INTEGER     NOT NULL,
			recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// checkAndIncrement runs the fixed-window counter as one atomic upsert.
// The conditional update only fires while the counter is below the
// limit; a denied request leaves the row untouched.
func (p *Postgres) checkAndIncrement(ctx context.Context, key string, window time.Duration, maxRequests int) (models.RateLimitResult, error) {
	start := windowStart(time.Now().UTC(), window)
	resetAt := start.Add(window)

	var count int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_counters (key, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key, window_start) DO UPDATE
			SET count = rate_limit_counters.count + 1
			WHERE rate_limit_counters.count < $3
		RETURNING count`,
		key, start, maxRequests,
	).Scan(&count)

	if errors.Is(err, pgx.ErrNoRows) {
		// The conditional update did not fire: the window is exhausted.
		return models.RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
			Limit:     maxRequests,
		}, nil
	}
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("rate limit counter %q: %w", key, err)
	}

	return models.RateLimitResult{
		Allowed:   count <= maxRequests,
		Remaining: max(0, maxRequests-count),
		ResetAt:   resetAt,
		Limit:     maxRequests,
	}, nil
}

func (p *Postgres) CheckAPIThrottle(ctx context.Context, apiName string, window time.Duration, maxRequests int) (models.RateLimitResult, error) {
	return p.checkAndIncrement(ctx, counterKey("throttle", apiName), window, maxRequests)
}

func (p *Postgres) CheckGuestQuota(ctx context.Context, identifier string, windowHours, maxRequests int) (models.RateLimitResult, error) {
	window := time.Duration(windowHours) * time.Hour
	return p.checkAndIncrement(ctx, counterKey("guest", identifier), window, maxRequests)
}

func (p *Postgres) CheckUserToolQuota(ctx context.Context, userID, toolName string, windowHours, maxRequests int) (models.RateLimitResult, error) {
	window := time.Duration(windowHours) * time.Hour
	return p.checkAndIncrement(ctx, counterKey("user", userID, toolName), window, maxRequests)
}

func (p *Postgres) GetBundle(ctx context.Context, contentHash string) (*models.BundleCacheEntry, error) {
	var e models.BundleCacheEntry
	err := p.pool.QueryRow(ctx, `
		SELECT content_hash, storage_path, bundle_url, bundle_size_bytes,
		       dependency_count, hit_count, last_accessed_at, expires_at, created_at
		FROM bundle_cache WHERE content_hash = $1`,
		contentHash,
	).Scan(&e.ContentHash, &e.StoragePath, &e.BundleURL, &e.BundleSizeBytes,
		&e.DependencyCount, &e.HitCount, &e.LastAccessedAt, &e.ExpiresAt, &e.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "bundle", Key: contentHash}
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle %q: %w", contentHash, err)
	}
	return &e, nil
}

func (p *Postgres) PutBundle(ctx context.Context, entry *models.BundleCacheEntry) (bool, error) {
	// The unique constraint is the source of truth for the write race:
	// a conflicting insert becomes an update that preserves hit_count.
	// xmax <> 0 distinguishes the update path from a fresh insert.
	var raced bool
	err := p.pool.QueryRow(ctx, `
		INSERT INTO bundle_cache
			(content_hash, storage_path, bundle_url, bundle_size_bytes,
			 dependency_count, hit_count, last_accessed_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, now())
		ON CONFLICT (content_hash) DO UPDATE SET
			storage_path      = EXCLUDED.storage_path,
			bundle_url        = EXCLUDED.bundle_url,
			bundle_size_bytes = EXCLUDED.bundle_size_bytes,
			dependency_count  = EXCLUDED.dependency_count,
			last_accessed_at  = EXCLUDED.last_accessed_at,
			expires_at        = EXCLUDED.expires_at
		RETURNING (xmax <> 0)`,
		entry.ContentHash, entry.StoragePath, entry.BundleURL, entry.BundleSizeBytes,
		entry.DependencyCount, entry.LastAccessedAt, entry.ExpiresAt,
	).Scan(&raced)

	if err != nil {
		return false, fmt.Errorf("put bundle %q: %w", entry.ContentHash, err)
	}
	return raced, nil
}

func (p *Postgres) TouchBundle(ctx context.Context, contentHash string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE bundle_cache
		SET hit_count = hit_count + 1, last_accessed_at = $2
		WHERE content_hash = $1`,
		contentHash, at,
	)
	if err != nil {
		return fmt.Errorf("touch bundle %q: %w", contentHash, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "bundle", Key: contentHash}
	}
	return nil
}

func (p *Postgres) GetCDNEntry(ctx context.Context, packageName, version string, isBundle bool) (*models.CDNCacheEntry, error) {
	var e models.CDNCacheEntry
	err := p.pool.QueryRow(ctx, `
		SELECT package_name, version, is_bundle, cdn_url, cdn_provider, cached_at
		FROM cdn_cache
		WHERE package_name = $1 AND version = $2 AND is_bundle = $3`,
		packageName, version, isBundle,
	).Scan(&e.PackageName, &e.Version, &e.IsBundle, &e.CDNURL, &e.CDNProvider, &e.CachedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "cdn entry", Key: packageName + "@" + version}
	}
	if err != nil {
		return nil, fmt.Errorf("get cdn entry %s@%s: %w", packageName, version, err)
	}
	return &e, nil
}

func (p *Postgres) PutCDNEntry(ctx context.Context, entry *models.CDNCacheEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cdn_cache (package_name, version, is_bundle, cdn_url, cdn_provider, cached_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (package_name, version, is_bundle) DO UPDATE SET
			cdn_url      = EXCLUDED.cdn_url,
			cdn_provider = EXCLUDED.cdn_provider,
			cached_at    = EXCLUDED.cached_at`,
		entry.PackageName, entry.Version, entry.IsBundle, entry.CDNURL, entry.CDNProvider, entry.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("put cdn entry %s@%s: %w", entry.PackageName, entry.Version, err)
	}
	return nil
}

func (p *Postgres) PurgeExpiredBundles(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM bundle_cache WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired bundles: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) PurgeStaleCDNEntries(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM cdn_cache WHERE cached_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge stale cdn entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) InsertBundleMetric(ctx context.Context, metric *models.BundleMetric) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bundle_metrics
			(artifact_id, session_id, bundle_time_ms, cache_hit, cdn_provider,
			 bundle_size, fallback_used, dependency_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		metric.ArtifactID, metric.SessionID, metric.BundleTimeMs, metric.CacheHit,
		metric.CDNProvider, metric.BundleSize, metric.FallbackUsed, metric.DependencyCount,
	)
	if err != nil {
		return fmt.Errorf("insert bundle metric: %w", err)
	}
	return nil
}
