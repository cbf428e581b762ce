// ABOUTME: In-memory cache of recent scan results served by the status endpoints.
// ABOUTME: Uses TTL-based expiration so the process only reports recent scans.

package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/jfeddern/ScanRelay/internal/types"

	"github.com/sirupsen/logrus"
)

// ScanRecord is the outcome of one scan stage run for an image
type ScanRecord struct {
	Image     string          `json:"image_under_test"`
	Stage     string          `json:"stage"`
	LogsDir   string          `json:"logs_dir"`
	Weekly    bool            `json:"weekly"`
	Pulled    bool            `json:"pulled"`
	Alert     bool            `json:"alert"`
	Snapshot  *types.Snapshot `json:"snapshot,omitempty"`
	ScannedAt time.Time       `json:"scanned_at"`
}

type CacheEntry struct {
	Data      ScanRecord
	ExpiresAt time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Image string
	Alert *bool
	Limit int
}

type ScanCache struct {
	cache       map[string]*CacheEntry
	mutex       sync.RWMutex
	ttl         time.Duration
	lastUpdated time.Time
	logger      *logrus.Logger
	now         func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewScanCache creates the cache and starts its cleanup loop. A ttl of
// zero keeps records for 24 hours.
func NewScanCache(ttl time.Duration, logger *logrus.Logger) *ScanCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	cache := &ScanCache{
		cache:  make(map[string]*CacheEntry),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	go cache.startCleanup(10 * time.Minute)

	return cache
}

func (c *ScanCache) Get(image string) (ScanRecord, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[image]
	if !exists || c.now().After(entry.ExpiresAt) {
		// Cleanup removes expired entries
		return ScanRecord{}, false
	}

	c.logger.WithField("image", image).Debug("Cache hit")
	return entry.Data, true
}

// Set stores the record, replacing any earlier scan of the same image
func (c *ScanCache) Set(record ScanRecord) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if record.ScannedAt.IsZero() {
		record.ScannedAt = now
	}
	if record.Snapshot != nil {
		record.Alert = record.Snapshot.HasProblem()
	}

	c.cache[record.Image] = &CacheEntry{
		Data:      record,
		ExpiresAt: now.Add(c.ttl),
	}
	c.lastUpdated = now

	c.logger.WithField("image", record.Image).Debug("Cached scan record")
}

// List returns unexpired records, most recent first
func (c *ScanCache) List(filter Filter) []ScanRecord {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	records := make([]ScanRecord, 0, len(c.cache))
	for _, entry := range c.cache {
		if now.After(entry.ExpiresAt) {
			continue
		}
		if filter.Image != "" && entry.Data.Image != filter.Image {
			continue
		}
		if filter.Alert != nil && entry.Data.Alert != *filter.Alert {
			continue
		}
		records = append(records, entry.Data)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].ScannedAt.Equal(records[j].ScannedAt) {
			return records[i].Image < records[j].Image
		}
		return records[i].ScannedAt.After(records[j].ScannedAt)
	})

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records
}

// GetScanData returns the latest snapshot per image for metrics exposition
func (c *ScanCache) GetScanData() (map[string]*types.Snapshot, time.Time) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	data := make(map[string]*types.Snapshot, len(c.cache))
	for image, entry := range c.cache {
		if now.After(entry.ExpiresAt) || entry.Data.Snapshot == nil {
			continue
		}
		data[image] = entry.Data.Snapshot
	}
	return data, c.lastUpdated
}

// Stop ends the cleanup loop
func (c *ScanCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *ScanCache) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *ScanCache) cleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	expiredCount := 0

	for image, entry := range c.cache {
		if now.After(entry.ExpiresAt) {
			delete(c.cache, image)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		c.logger.WithFields(logrus.Fields{
			"expired_entries":   expiredCount,
			"remaining_entries": len(c.cache),
		}).Debug("Cache cleanup completed")
	}
}

func (c *ScanCache) Stats() (total int, expired int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	total = len(c.cache)

	for _, entry := range c.cache {
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}

	return total, expired
}
