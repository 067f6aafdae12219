// Package retention purges rows the caches no longer serve: bundle
// rows past their expiry (the lookup path already treats them as
// misses, the janitor just reclaims the storage) and CDN resolutions
// cached beyond their TTL.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. Purge failures are logged and
// retried on the next cycle; a broken store never stops the loop.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/internal/store"
)

// DefaultInterval is how often the janitor sweeps.
const DefaultInterval = time.Hour

// graceWindow keeps expired bundle rows around long enough that the
// lookup path's clock-skew tolerance can never race a purge.
const graceWindow = 10 * time.Minute

// Janitor periodically purges expired cache rows.
type Janitor struct {
	store    store.MaintenanceStore
	interval time.Duration
	cdnTTL   time.Duration
	clock    func() time.Time
}

// NewJanitor creates a janitor that sweeps on the given interval.
// cdnTTL is the CDN cache TTL; rows older than it are removed.
func NewJanitor(s store.MaintenanceStore, interval, cdnTTL time.Duration) *Janitor {
	if interval < time.Minute {
		interval = DefaultInterval
	}
	return &Janitor{
		store:    s,
		interval: interval,
		cdnTTL:   cdnTTL,
		clock:    time.Now,
	}
}

// WithClock overrides the janitor clock. Tests only.
func (j *Janitor) WithClock(clock func() time.Time) *Janitor {
	j.clock = clock
	return j
}

// Start runs the janitor loop. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Msg("cache janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cache janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep over both caches.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := j.clock()

	bundles, err := j.store.PurgeExpiredBundles(ctx, start.Add(-graceWindow))
	if err != nil {
		log.Error().Err(err).Msg("bundle purge failed")
	}

	cdn, err := j.store.PurgeStaleCDNEntries(ctx, start.Add(-j.cdnTTL))
	if err != nil {
		log.Error().Err(err).Msg("cdn cache purge failed")
	}

	if bundles > 0 || cdn > 0 {
		log.Info().
			Int("bundles_purged", bundles).
			Int("cdn_entries_purged", cdn).
			Dur("elapsed", time.Since(start)).
			Msg("cache janitor cycle complete")
	}
}
