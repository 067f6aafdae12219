package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/pkg/models"
)

func TestCheckAPIThrottle_WindowExhaustion(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := s.CheckAPIThrottle(ctx, "artifact", time.Minute, 3)
		if err != nil {
			t.Fatalf("CheckAPIThrottle() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("CheckAPIThrottle() call %d denied, want allowed", i+1)
		}
	}

	res, err := s.CheckAPIThrottle(ctx, "artifact", time.Minute, 3)
	if err != nil {
		t.Fatalf("CheckAPIThrottle() error = %v", err)
	}
	if res.Allowed {
		t.Error("CheckAPIThrottle() 4th call allowed, want denied")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
}

func TestCheckGuestQuota_ConcurrentNeverOverAllows(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	const limit = 5
	const attempts = 20

	var wg sync.WaitGroup
	allowed := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.CheckGuestQuota(ctx, "1.2.3.4|artifact", 24, limit)
			if err != nil {
				t.Errorf("CheckGuestQuota() error = %v", err)
				return
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for a := range allowed {
		if a {
			count++
		}
	}
	if count != limit {
		t.Errorf("allowed %d concurrent requests, want exactly %d", count, limit)
	}
}

func TestCheckUserToolQuota_KeyedPerTool(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	// Exhaust the artifact quota for this user.
	for i := 0; i < 2; i++ {
		if _, err := s.CheckUserToolQuota(ctx, "u1", "artifact", 24, 2); err != nil {
			t.Fatalf("CheckUserToolQuota() error = %v", err)
		}
	}
	res, _ := s.CheckUserToolQuota(ctx, "u1", "artifact", 24, 2)
	if res.Allowed {
		t.Error("artifact quota exhausted but still allowed")
	}

	// A different tool must be unaffected.
	res, err := s.CheckUserToolQuota(ctx, "u1", "image", 24, 2)
	if err != nil {
		t.Fatalf("CheckUserToolQuota() error = %v", err)
	}
	if !res.Allowed {
		t.Error("image quota denied after exhausting artifact quota, want allowed")
	}
}

func TestPutBundle_RaceResolvesToUpdate(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	first := &models.BundleCacheEntry{
		ContentHash:     "abc",
		StoragePath:     "bundles/abc-1",
		BundleURL:       "https://signed/abc-1",
		BundleSizeBytes: 100,
		DependencyCount: 2,
		LastAccessedAt:  now,
		ExpiresAt:       now.Add(time.Hour),
	}
	raced, err := s.PutBundle(ctx, first)
	if err != nil {
		t.Fatalf("PutBundle() error = %v", err)
	}
	if raced {
		t.Error("first PutBundle() reported a race")
	}

	// Accumulate hits before the racing writer lands.
	if err := s.TouchBundle(ctx, "abc", now); err != nil {
		t.Fatalf("TouchBundle() error = %v", err)
	}

	second := &models.BundleCacheEntry{
		ContentHash:     "abc",
		StoragePath:     "bundles/abc-2",
		BundleURL:       "https://signed/abc-2",
		BundleSizeBytes: 120,
		DependencyCount: 2,
		LastAccessedAt:  now,
		ExpiresAt:       now.Add(time.Hour),
	}
	raced, err = s.PutBundle(ctx, second)
	if err != nil {
		t.Fatalf("PutBundle() second error = %v", err)
	}
	if !raced {
		t.Error("second PutBundle() did not report the race")
	}

	got, err := s.GetBundle(ctx, "abc")
	if err != nil {
		t.Fatalf("GetBundle() error = %v", err)
	}
	if got.StoragePath != "bundles/abc-2" {
		t.Errorf("StoragePath = %q, want updated path", got.StoragePath)
	}
	if got.HitCount != 1 {
		t.Errorf("HitCount = %d, want 1 (preserved across conflict)", got.HitCount)
	}
}

func TestGetBundle_NotFound(t *testing.T) {
	s := store.NewMemory()
	_, err := s.GetBundle(context.Background(), "missing")
	if !store.IsNotFound(err) {
		t.Errorf("GetBundle() error = %v, want not-found", err)
	}
}

func TestCDNEntry_RoundTripAndMiss(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	_, err := s.GetCDNEntry(ctx, "react", "18.2.0", false)
	if !store.IsNotFound(err) {
		t.Fatalf("GetCDNEntry() error = %v, want not-found", err)
	}

	entry := &models.CDNCacheEntry{
		PackageName: "react",
		Version:     "18.2.0",
		CDNURL:      "https://esm.sh/react@18.2.0",
		CDNProvider: "esm.sh",
		CachedAt:    time.Now().UTC(),
	}
	if err := s.PutCDNEntry(ctx, entry); err != nil {
		t.Fatalf("PutCDNEntry() error = %v", err)
	}

	got, err := s.GetCDNEntry(ctx, "react", "18.2.0", false)
	if err != nil {
		t.Fatalf("GetCDNEntry() error = %v", err)
	}
	if got.CDNProvider != "esm.sh" {
		t.Errorf("CDNProvider = %q, want %q", got.CDNProvider, "esm.sh")
	}

	// The bundle variant is a distinct cache slot.
	if _, err := s.GetCDNEntry(ctx, "react", "18.2.0", true); !store.IsNotFound(err) {
		t.Errorf("GetCDNEntry(bundle) error = %v, want not-found", err)
	}
}

func TestInsertBundleMetric(t *testing.T) {
	s := store.NewMemory()
	metric := &models.BundleMetric{
		ArtifactID:   "a1",
		SessionID:    "s1",
		BundleTimeMs: 42,
		CacheHit:     true,
		CDNProvider:  "jsdelivr",
	}
	if err := s.InsertBundleMetric(context.Background(), metric); err != nil {
		t.Fatalf("InsertBundleMetric() error = %v", err)
	}
	if got := s.BundleMetrics(); len(got) != 1 || got[0].ArtifactID != "a1" {
		t.Errorf("BundleMetrics() = %+v, want one row for a1", got)
	}
}
