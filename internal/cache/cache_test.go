// ABOUTME: Unit tests for the scan result cache.
// ABOUTME: Tests TTL expiration, filtering, ordering, and cleanup.

package cache

import (
	"testing"
	"time"

	"github.com/jfeddern/ScanRelay/internal/types"

	"github.com/sirupsen/logrus"
)

func newTestCache(t *testing.T, ttl time.Duration) (*ScanCache, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cache := NewScanCache(ttl, logger)
	t.Cleanup(cache.Stop)

	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }
	return cache, &now
}

func snapshotWithAlert(alert bool) *types.Snapshot {
	s := types.NewSnapshot()
	s.Msg["container-capabilities"] = "msg"
	s.Alert["container-capabilities"] = alert
	return s
}

func TestScanCache(t *testing.T) {
	cache, now := newTestCache(t, time.Hour)

	t.Run("cache miss", func(t *testing.T) {
		if _, ok := cache.Get("nonexistent"); ok {
			t.Error("Expected cache miss, but got result")
		}
	})

	t.Run("cache hit", func(t *testing.T) {
		cache.Set(ScanRecord{Image: "centos:7", Stage: "pre_scan", Snapshot: snapshotWithAlert(true)})

		record, ok := cache.Get("centos:7")
		if !ok {
			t.Fatal("Expected cache hit")
		}
		if !record.Alert {
			t.Error("Expected alert derived from snapshot")
		}
		if !record.ScannedAt.Equal(*now) {
			t.Errorf("ScannedAt = %v, want %v", record.ScannedAt, *now)
		}
	})

	t.Run("expiration", func(t *testing.T) {
		*now = now.Add(2 * time.Hour)
		if _, ok := cache.Get("centos:7"); ok {
			t.Error("Expected expired entry to be a miss")
		}

		total, expired := cache.Stats()
		if total != 1 || expired != 1 {
			t.Errorf("Stats() = (%d, %d), want (1, 1)", total, expired)
		}

		cache.cleanup()
		total, expired = cache.Stats()
		if total != 0 || expired != 0 {
			t.Errorf("Stats() after cleanup = (%d, %d), want (0, 0)", total, expired)
		}
	})
}

func TestScanCacheList(t *testing.T) {
	cache, now := newTestCache(t, time.Hour)

	cache.Set(ScanRecord{Image: "a:1", Snapshot: snapshotWithAlert(false)})
	*now = now.Add(time.Minute)
	cache.Set(ScanRecord{Image: "b:1", Snapshot: snapshotWithAlert(true)})
	*now = now.Add(time.Minute)
	cache.Set(ScanRecord{Image: "c:1", Snapshot: snapshotWithAlert(true)})

	all := cache.List(Filter{})
	if len(all) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(all))
	}
	if all[0].Image != "c:1" || all[2].Image != "a:1" {
		t.Errorf("List() order = %s..%s, want most recent first", all[0].Image, all[2].Image)
	}

	alerting := true
	if got := cache.List(Filter{Alert: &alerting}); len(got) != 2 {
		t.Errorf("List(alert=true) returned %d records, want 2", len(got))
	}

	if got := cache.List(Filter{Image: "a:1"}); len(got) != 1 || got[0].Image != "a:1" {
		t.Errorf("List(image=a:1) = %v", got)
	}

	if got := cache.List(Filter{Limit: 1}); len(got) != 1 {
		t.Errorf("List(limit=1) returned %d records", len(got))
	}
}

func TestScanCacheGetScanData(t *testing.T) {
	cache, now := newTestCache(t, time.Hour)

	cache.Set(ScanRecord{Image: "with-snapshot", Snapshot: snapshotWithAlert(false)})
	cache.Set(ScanRecord{Image: "pull-failed"})

	data, lastUpdated := cache.GetScanData()
	if len(data) != 1 {
		t.Fatalf("GetScanData() returned %d images, want 1", len(data))
	}
	if _, ok := data["with-snapshot"]; !ok {
		t.Error("Expected snapshot for with-snapshot")
	}
	if !lastUpdated.Equal(*now) {
		t.Errorf("lastUpdated = %v, want %v", lastUpdated, *now)
	}
}

func TestScanCacheStopIsIdempotent(t *testing.T) {
	cache, _ := newTestCache(t, 0)
	cache.Stop()
	cache.Stop()
}
