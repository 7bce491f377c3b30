// Package core provides a local negative decision cache.
package core

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DenyCache is a best-effort, process-local cache of keys known to be
// exhausted. It only ever short-circuits denials: a miss falls through to the
// authoritative store, and nothing in the cache can produce an allow.
type DenyCache struct {
	entries *xsync.MapOf[string, int64]
	ttl     time.Duration
	maxSize int
}

// NewDenyCache constructs a cache. A non-positive ttl disables it.
func NewDenyCache(ttl time.Duration, maxSize int) *DenyCache {
	if maxSize <= 0 {
		maxSize = 16384
	}
	return &DenyCache{
		entries: xsync.NewMapOf[string, int64](),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Enabled reports whether the cache is active.
func (dc *DenyCache) Enabled() bool {
	return dc != nil && dc.ttl > 0
}

// MarkDenied records that the key is exhausted until the given time, clamped
// to the cache TTL so a stale denial cannot outlive a short horizon.
func (dc *DenyCache) MarkDenied(key, policyID string, until time.Time, now time.Time) {
	if !dc.Enabled() || until.Before(now) {
		return
	}
	horizon := now.Add(dc.ttl)
	if until.After(horizon) {
		until = horizon
	}
	if dc.entries.Size() >= dc.maxSize {
		dc.sweep(now)
		if dc.entries.Size() >= dc.maxSize {
			return
		}
	}
	dc.entries.Store(denyKey(key, policyID), until.UnixNano())
}

// KnownDenied reports whether the key is still within a cached denial and,
// when it is, the time the denial expires.
func (dc *DenyCache) KnownDenied(key, policyID string, now time.Time) (bool, time.Time) {
	if !dc.Enabled() {
		return false, time.Time{}
	}
	cacheKey := denyKey(key, policyID)
	untilNanos, ok := dc.entries.Load(cacheKey)
	if !ok {
		return false, time.Time{}
	}
	until := time.Unix(0, untilNanos)
	if !now.Before(until) {
		dc.entries.Delete(cacheKey)
		return false, time.Time{}
	}
	return true, until
}

// Len returns the current entry count.
func (dc *DenyCache) Len() int {
	if dc == nil {
		return 0
	}
	return dc.entries.Size()
}

func (dc *DenyCache) sweep(now time.Time) {
	cutoff := now.UnixNano()
	dc.entries.Range(func(key string, untilNanos int64) bool {
		if untilNanos <= cutoff {
			dc.entries.Delete(key)
		}
		return true
	})
}

func denyKey(key, policyID string) string {
	return key + "\x1f" + policyID
}
