package profiler

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	bootTimeCacheKey = "boottime"
	wakeUpCacheKey   = "wakeup"
)

// SystemEventCache holds the boot-time collection and the single
// newest-wins wake-up record, each aged out after cacheDuration of
// inactivity. Grounded on the domain-stack wiring for
// patrickmn/go-cache: both are "record, replace on next write, expire if
// untouched" slots, which is exactly go-cache's per-key TTL model.
type SystemEventCache struct {
	c *gocache.Cache
}

// NewSystemEventCache creates a cache whose entries expire after
// cacheDuration (default 3600s per spec.md §4.9), swept every
// cleanupInterval.
func NewSystemEventCache(cacheDuration, cleanupInterval time.Duration) *SystemEventCache {
	return &SystemEventCache{c: gocache.New(cacheDuration, cleanupInterval)}
}

// PutBootTime records the latest boot-time collection record.
func (s *SystemEventCache) PutBootTime(r ResourceRecord) {
	s.c.SetDefault(bootTimeCacheKey, r)
}

// BootTime returns the boot-time record, if it has not aged out.
func (s *SystemEventCache) BootTime() (ResourceRecord, bool) {
	v, ok := s.c.Get(bootTimeCacheKey)
	if !ok {
		return ResourceRecord{}, false
	}
	return v.(ResourceRecord), true
}

// PutWakeUp replaces the wake-up slot: only the newest record across
// wake-ups is retained.
func (s *SystemEventCache) PutWakeUp(r ResourceRecord) {
	s.c.SetDefault(wakeUpCacheKey, r)
}

// WakeUp returns the most recent wake-up record, if it has not aged out.
func (s *SystemEventCache) WakeUp() (ResourceRecord, bool) {
	v, ok := s.c.Get(wakeUpCacheKey)
	if !ok {
		return ResourceRecord{}, false
	}
	return v.(ResourceRecord), true
}

// EvictExpired forces an immediate sweep of expired entries, called at
// the start of each periodic collection per spec.md §4.9's eviction rule
// rather than waiting for go-cache's janitor.
func (s *SystemEventCache) EvictExpired() {
	s.c.DeleteExpired()
}
