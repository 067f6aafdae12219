package bundlecache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/bundlecache"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/safeerr"
	"github.com/toolgate/toolgate/internal/store"
)

type fakeObjects struct {
	signErr   error
	signCount int
}

func (f *fakeObjects) Upload(ctx context.Context, path string, data []byte) (int64, error) {
	return int64(len(data)), nil
}

func (f *fakeObjects) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	f.signCount++
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://objects.example/" + path + "?sig=fresh", nil
}

func cacheCfg() config.CacheConfig {
	return config.CacheConfig{
		BundleTTL:          7 * 24 * time.Hour,
		ClockSkewTolerance: 30 * time.Second,
		SignedURLTTL:       time.Hour,
	}
}

func TestContentHash_OrderIndependent(t *testing.T) {
	a := bundlecache.ContentHash("export default x", []string{"react@18.2.0", "lodash@4.17.21"})
	b := bundlecache.ContentHash("export default x", []string{"lodash@4.17.21", "react@18.2.0"})
	if a != b {
		t.Errorf("ContentHash with reordered deps differs: %q vs %q", a, b)
	}

	c := bundlecache.ContentHash("export default y", []string{"react@18.2.0", "lodash@4.17.21"})
	if a == c {
		t.Error("ContentHash identical for different source")
	}
}

func TestContentHash_DepBoundaries(t *testing.T) {
	a := bundlecache.ContentHash("src", []string{"ab", "c"})
	b := bundlecache.ContentHash("src", []string{"a", "bc"})
	if a == b {
		t.Error("ContentHash collides across dependency boundaries")
	}
}

func TestLookup_MissWhenAbsent(t *testing.T) {
	mem := store.NewMemory()
	c := bundlecache.New(mem, &fakeObjects{}, cacheCfg()).WithSyncDispatch()

	res, err := c.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if res.Hit {
		t.Error("Lookup() hit on absent entry")
	}
}

func TestLookup_HitResignsAndTouches(t *testing.T) {
	mem := store.NewMemory()
	objects := &fakeObjects{}
	c := bundlecache.New(mem, objects, cacheCfg()).WithSyncDispatch()

	entry, err := c.Store(context.Background(), "abc123", "bundles/abc123.js", "https://stale.example/old", 2048, 2)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if entry.ExpiresAt.Sub(entry.CreatedAt) != 7*24*time.Hour {
		t.Errorf("entry TTL = %v, want 168h", entry.ExpiresAt.Sub(entry.CreatedAt))
	}

	res, err := c.Lookup(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !res.Hit {
		t.Fatal("Lookup() miss on stored entry")
	}
	if res.URL == "https://stale.example/old" {
		t.Error("Lookup() returned stored URL instead of re-signing")
	}
	if objects.signCount != 1 {
		t.Errorf("signCount = %d, want 1", objects.signCount)
	}

	got, err := mem.GetBundle(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("GetBundle() error = %v", err)
	}
	if got.HitCount != 1 {
		t.Errorf("HitCount = %d after hit, want 1", got.HitCount)
	}
}

func TestLookup_ExpiryWithinSkewToleranceStillHit(t *testing.T) {
	mem := store.NewMemory()
	now := time.Unix(5000, 0)
	clock := func() time.Time { return now }
	mem.WithClock(clock)

	cfg := cacheCfg()
	cfg.BundleTTL = time.Hour
	c := bundlecache.New(mem, &fakeObjects{}, cfg).WithClock(clock).WithSyncDispatch()

	if _, err := c.Store(context.Background(), "h1", "bundles/h1.js", "u", 10, 0); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// 10 seconds past expiry, inside the 30-second tolerance.
	now = now.Add(time.Hour + 10*time.Second)
	res, err := c.Lookup(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !res.Hit {
		t.Error("entry 10s past expiry treated as miss within skew tolerance")
	}

	// 40 seconds past expiry, beyond tolerance.
	now = now.Add(30 * time.Second)
	res, err = c.Lookup(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if res.Hit {
		t.Error("entry 40s past expiry served as hit")
	}
}

func TestLookup_SigningFailureIsStorageErrorNotMiss(t *testing.T) {
	mem := store.NewMemory()
	objects := &fakeObjects{signErr: errors.New("minio 503")}
	c := bundlecache.New(mem, objects, cacheCfg()).WithSyncDispatch()

	if _, err := c.Store(context.Background(), "h2", "bundles/h2.js", "u", 10, 0); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	_, err := c.Lookup(context.Background(), "h2")
	if err == nil {
		t.Fatal("Lookup() error = nil with failing signer, want storage error")
	}
	var se *safeerr.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Lookup() error = %v, want *safeerr.StorageError", err)
	}
}

func TestStore_ConcurrentWritePreservesHitCount(t *testing.T) {
	mem := store.NewMemory()
	c := bundlecache.New(mem, &fakeObjects{}, cacheCfg()).WithSyncDispatch()
	ctx := context.Background()

	if _, err := c.Store(ctx, "race", "bundles/race.js", "u1", 100, 1); err != nil {
		t.Fatalf("first Store() error = %v", err)
	}
	if _, err := c.Lookup(ctx, "race"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	// Second writer loses the race; the row keeps its hit count.
	if _, err := c.Store(ctx, "race", "bundles/race.js", "u2", 100, 1); err != nil {
		t.Fatalf("second Store() error = %v", err)
	}

	got, err := mem.GetBundle(ctx, "race")
	if err != nil {
		t.Fatalf("GetBundle() error = %v", err)
	}
	if got.HitCount != 1 {
		t.Errorf("HitCount = %d after racing write, want 1", got.HitCount)
	}
}
