// Package activity answers time-windowed "has this entity been active"
// queries over history lookups.
package activity

import (
	"sync"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/history"
)

const (
	// LifecycleWindow ages node status and marks nodes as live.
	LifecycleWindow = 24 * time.Hour
	// PulseWindow drives edge animation.
	PulseWindow = 5 * time.Second
)

// IsActiveWithin reports whether entityID has at least one entry with a
// timestamp at or after now-window. Undated entries never count.
func IsActiveWithin(entityID string, kind domain.Kind, lookups history.Lookups, window time.Duration, now time.Time) bool {
	newest, ok := Newest(lookups.Bucket(kind, entityID))
	if !ok {
		return false
	}
	return !newest.Before(now.Add(-window))
}

// Newest returns the latest parseable timestamp in bucket.
func Newest(bucket []domain.Entry) (time.Time, bool) {
	var newest time.Time
	found := false
	for _, e := range bucket {
		at, ok := e.Timestamp()
		if !ok {
			continue
		}
		if !found || at.After(newest) {
			newest = at
			found = true
		}
	}
	return newest, found
}

type memoKey struct {
	kind     domain.Kind
	entityID string
}

type memoValue struct {
	newest time.Time
	ok     bool
}

// Detector memoizes the newest timestamp per entity for the current
// snapshot generation, so repeated queries against the same snapshot
// avoid rescanning buckets while now keeps moving. Snapshots with a zero
// generation were not produced by a Collector and are never cached.
type Detector struct {
	mu         sync.Mutex
	generation uint64
	cache      map[memoKey]memoValue
	now        func() time.Time
}

// NewDetector creates a Detector. A nil clock uses time.Now.
func NewDetector(now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{cache: make(map[memoKey]memoValue), now: now}
}

// ActiveWithin is the memoized form of IsActiveWithin against snap.
func (d *Detector) ActiveWithin(entityID string, kind domain.Kind, snap history.Snapshot, window time.Duration) bool {
	if entityID == "" {
		return false
	}
	newest, ok := d.newest(entityID, kind, snap)
	if !ok {
		return false
	}
	return !newest.Before(d.now().Add(-window))
}

// LastSeen returns the newest entry timestamp for entityID in snap.
func (d *Detector) LastSeen(entityID string, kind domain.Kind, snap history.Snapshot) (time.Time, bool) {
	if entityID == "" {
		return time.Time{}, false
	}
	return d.newest(entityID, kind, snap)
}

// Now returns the detector's clock reading.
func (d *Detector) Now() time.Time {
	return d.now()
}

func (d *Detector) newest(entityID string, kind domain.Kind, snap history.Snapshot) (time.Time, bool) {
	if snap.Generation == 0 {
		return Newest(snap.Bucket(kind, entityID))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case snap.Generation > d.generation:
		d.generation = snap.Generation
		clear(d.cache)
	case snap.Generation < d.generation:
		// stale snapshot, answer without caching
		return Newest(snap.Bucket(kind, entityID))
	}
	key := memoKey{kind: kind, entityID: entityID}
	if v, ok := d.cache[key]; ok {
		return v.newest, v.ok
	}
	newest, ok := Newest(snap.Bucket(kind, entityID))
	d.cache[key] = memoValue{newest: newest, ok: ok}
	return newest, ok
}
