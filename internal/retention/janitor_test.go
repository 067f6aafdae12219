package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/retention"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/pkg/models"
)

func TestRunCycle_PurgesExpiredRows(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Unix(100000, 0)

	entries := []*models.BundleCacheEntry{
		{ContentHash: "live", StoragePath: "bundles/live.js", ExpiresAt: now.Add(time.Hour)},
		{ContentHash: "dead", StoragePath: "bundles/dead.js", ExpiresAt: now.Add(-time.Hour)},
		// Expired but inside the grace window; the lookup path may still
		// serve it under skew tolerance.
		{ContentHash: "grace", StoragePath: "bundles/grace.js", ExpiresAt: now.Add(-time.Minute)},
	}
	for _, e := range entries {
		if _, err := mem.PutBundle(ctx, e); err != nil {
			t.Fatalf("PutBundle(%s) error = %v", e.ContentHash, err)
		}
	}

	if err := mem.PutCDNEntry(ctx, &models.CDNCacheEntry{
		PackageName: "react", Version: "18.2.0", CDNURL: "u", CDNProvider: "esm.sh",
		CachedAt: now.Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("PutCDNEntry() error = %v", err)
	}
	if err := mem.PutCDNEntry(ctx, &models.CDNCacheEntry{
		PackageName: "lodash", Version: "4.17.21", CDNURL: "u", CDNProvider: "esm.sh",
		CachedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("PutCDNEntry() error = %v", err)
	}

	j := retention.NewJanitor(mem, time.Hour, 24*time.Hour).
		WithClock(func() time.Time { return now })
	j.RunCycle(ctx)

	if _, err := mem.GetBundle(ctx, "live"); err != nil {
		t.Errorf("live bundle purged: %v", err)
	}
	if _, err := mem.GetBundle(ctx, "grace"); err != nil {
		t.Errorf("bundle inside grace window purged: %v", err)
	}
	if _, err := mem.GetBundle(ctx, "dead"); !store.IsNotFound(err) {
		t.Errorf("expired bundle not purged, err = %v", err)
	}

	if _, err := mem.GetCDNEntry(ctx, "react", "18.2.0", false); !store.IsNotFound(err) {
		t.Errorf("stale cdn entry not purged, err = %v", err)
	}
	if _, err := mem.GetCDNEntry(ctx, "lodash", "4.17.21", false); err != nil {
		t.Errorf("fresh cdn entry purged: %v", err)
	}
}
