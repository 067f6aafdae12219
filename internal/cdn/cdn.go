// Package cdn resolves npm package specifiers to a working CDN URL,
// probing a prioritized provider chain and caching resolutions in the
// persistent store.
package cdn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/pkg/models"
)

// Provider builds candidate URLs for one CDN.
type Provider struct {
	Name string
	// URL renders the probe/download URL for a package at a version.
	// isBundle selects the pre-bundled variant where the CDN has one.
	URL func(pkg, version string, isBundle bool) string
}

// DefaultProviders is the fallback chain in priority order.
var DefaultProviders = []Provider{
	{
		Name: "esm.sh",
		URL: func(pkg, version string, isBundle bool) string {
			if isBundle {
				return fmt.Sprintf("https://esm.sh/%s@%s?bundle", pkg, version)
			}
			return fmt.Sprintf("https://esm.sh/%s@%s", pkg, version)
		},
	},
	{
		Name: "jsdelivr",
		URL: func(pkg, version string, isBundle bool) string {
			if isBundle {
				return fmt.Sprintf("https://cdn.jsdelivr.net/npm/%s@%s/+esm", pkg, version)
			}
			return fmt.Sprintf("https://cdn.jsdelivr.net/npm/%s@%s", pkg, version)
		},
	},
	{
		Name: "unpkg",
		URL: func(pkg, version string, isBundle bool) string {
			return fmt.Sprintf("https://unpkg.com/%s@%s", pkg, version)
		},
	},
}

// Resolution is one resolved package URL.
type Resolution struct {
	URL       string
	Provider  string
	FromCache bool
	// Fallback reports that the winning provider was not first in the chain.
	Fallback bool
}

// Chain probes providers in order and remembers winners in the store.
type Chain struct {
	store     store.CDNCacheStore
	providers []Provider
	cfg       config.CDNConfig
	client    *http.Client
	clock     func() time.Time
	dispatch  func(fn func())
}

// New creates a Chain over the default provider list.
func New(s store.CDNCacheStore, cfg config.CDNConfig) *Chain {
	return NewWithProviders(s, cfg, DefaultProviders)
}

// NewWithProviders creates a Chain over an explicit provider list.
func NewWithProviders(s store.CDNCacheStore, cfg config.CDNConfig, providers []Provider) *Chain {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Chain{
		store:     s,
		providers: providers,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		clock:     time.Now,
		dispatch:  func(fn func()) { go fn() },
	}
}

// WithClock overrides the chain clock. Tests only.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// WithSyncDispatch runs write-back inline. Tests only.
func (c *Chain) WithSyncDispatch() *Chain {
	c.dispatch = func(fn func()) { fn() }
	return c
}

// Resolve returns a working CDN URL for pkg@version. The persistent
// cache is consulted first; a cache-layer failure degrades to a live
// probe rather than failing the resolution. Resolve fails only when
// every provider is exhausted or ctx is done.
func (c *Chain) Resolve(ctx context.Context, pkg, version string, isBundle bool) (Resolution, error) {
	if cached := c.lookupCache(ctx, pkg, version, isBundle); cached != nil {
		return Resolution{URL: cached.CDNURL, Provider: cached.CDNProvider, FromCache: true}, nil
	}

	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}

		url := p.URL(pkg, version, isBundle)
		if err := c.probe(ctx, url); err != nil {
			log.Warn().
				Err(err).
				Str("provider", p.Name).
				Str("package", pkg).
				Str("version", version).
				Msg("cdn provider probe failed, trying next")
			continue
		}

		res := Resolution{URL: url, Provider: p.Name, Fallback: i > 0}
		c.writeBack(ctx, pkg, version, isBundle, res)
		return res, nil
	}

	return Resolution{}, fmt.Errorf("all cdn providers failed for %s@%s", pkg, version)
}

// lookupCache returns a live cached resolution or nil. Absence and
// expiry are both nil; a real store failure is logged and treated as
// absence so the chain keeps serving.
func (c *Chain) lookupCache(ctx context.Context, pkg, version string, isBundle bool) *models.CDNCacheEntry {
	entry, err := c.store.GetCDNEntry(ctx, pkg, version, isBundle)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("package", pkg).
			Str("version", version).
			Msg("cdn cache read failed, falling through to probe")
		return nil
	}
	if c.clock().After(entry.CachedAt.Add(c.cfg.CacheTTL)) {
		return nil
	}
	return entry
}

// probe issues a HEAD against url, retrying transient failures with
// exponential backoff up to cfg.MaxRetries.
func (c *Chain) probe(ctx context.Context, url string) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 400:
			return nil
		case resp.StatusCode == http.StatusNotFound:
			// The package does not exist on this CDN; retrying won't help.
			return backoff.Permanent(fmt.Errorf("probe %s: status %d", url, resp.StatusCode))
		default:
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries),
		ctx,
	)
	return backoff.Retry(op, b)
}

// writeBack persists a fresh resolution without blocking the caller.
func (c *Chain) writeBack(ctx context.Context, pkg, version string, isBundle bool, res Resolution) {
	entry := &models.CDNCacheEntry{
		PackageName: pkg,
		Version:     version,
		IsBundle:    isBundle,
		CDNURL:      res.URL,
		CDNProvider: res.Provider,
		CachedAt:    c.clock(),
	}
	c.dispatch(func() {
		wbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.store.PutCDNEntry(wbCtx, entry); err != nil {
			log.Error().
				Err(err).
				Str("package", pkg).
				Str("version", version).
				Str("provider", res.Provider).
				Msg("cdn cache write-back failed")
		}
	})
}
