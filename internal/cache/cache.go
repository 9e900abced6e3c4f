// Package cache holds the latest items and health state per source as a
// chain of immutable snapshots.
//
// Readers load the current snapshot with a single atomic pointer read and
// never block. Writers serialize on a mutex, copy the top-level map, replace
// one source entry and publish the result as the next version.
package cache

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"feedsentinel/internal/feed"
	"feedsentinel/internal/metrics"
)

// ErrStaleAttempt is returned when a commit carries an attempt number not
// newer than the one already committed for the source.
var ErrStaleAttempt = errors.New("stale refresh attempt")

// ErrSourceGone is returned by CommitIf when the source is no longer live.
var ErrSourceGone = errors.New("source no longer registered")

// Entry is one source's slot in a snapshot. Items and State are shared
// between snapshots and must not be modified.
type Entry struct {
	Items   []feed.Item
	State   feed.CycleState
	Attempt uint64
}

// Snapshot is an immutable view of every source entry.
type Snapshot struct {
	version   uint64
	createdAt time.Time
	entries   map[string]Entry
}

func (s *Snapshot) Version() uint64      { return s.version }
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }
func (s *Snapshot) Len() int             { return len(s.entries) }

func (s *Snapshot) Entry(sourceID string) (Entry, bool) {
	e, ok := s.entries[sourceID]
	return e, ok
}

// SourceIDs returns the ids present in the snapshot, sorted.
func (s *Snapshot) SourceIDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Items returns every cached item, grouped by source in id order.
func (s *Snapshot) Items() []feed.Item {
	n := 0
	for _, e := range s.entries {
		n += len(e.Items)
	}
	out := make([]feed.Item, 0, n)
	for _, id := range s.SourceIDs() {
		out = append(out, s.entries[id].Items...)
	}
	return out
}

// Cache publishes snapshots.
type Cache struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	now     func() time.Time
}

func New() *Cache {
	return NewWithClock(time.Now)
}

// NewWithClock creates a cache stamping snapshots with the given clock.
func NewWithClock(now func() time.Time) *Cache {
	c := &Cache{now: now}
	c.current.Store(&Snapshot{createdAt: now(), entries: map[string]Entry{}})
	return c
}

// Current returns the latest published snapshot.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

// Commit replaces the entry for sourceID with the result of fn and
// publishes a new snapshot. fn receives the previous entry, if any, and
// runs under the writer lock, so it should be short. Commits whose attempt
// is not newer than the stored one fail with ErrStaleAttempt and publish
// nothing.
func (c *Cache) Commit(sourceID string, attempt uint64, fn func(prev Entry, ok bool) Entry) (*Snapshot, error) {
	return c.CommitIf(sourceID, attempt, nil, fn)
}

// CommitIf is Commit guarded by live, which is checked under the writer
// lock. When it reports false nothing is published and ErrSourceGone is
// returned. A removal that runs Remove after making live report false
// therefore either sees the committed entry and drops it, or prevents the
// commit.
func (c *Cache) CommitIf(sourceID string, attempt uint64, live func() bool, fn func(prev Entry, ok bool) Entry) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if live != nil && !live() {
		return cur, ErrSourceGone
	}
	prev, ok := cur.entries[sourceID]
	if ok && attempt <= prev.Attempt {
		metrics.StaleCommits.Inc()
		return cur, ErrStaleAttempt
	}

	next := fn(prev, ok)
	next.Attempt = attempt

	entries := make(map[string]Entry, len(cur.entries)+1)
	for id, e := range cur.entries {
		entries[id] = e
	}
	entries[sourceID] = next

	snap := c.publish(cur, entries)
	metrics.CachedItems.WithLabelValues(sourceID).Set(float64(len(next.Items)))
	return snap, nil
}

// Remove drops a source entry. It reports false when the source had none.
func (c *Cache) Remove(sourceID string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if _, ok := cur.entries[sourceID]; !ok {
		return cur, false
	}
	entries := make(map[string]Entry, len(cur.entries))
	for id, e := range cur.entries {
		if id != sourceID {
			entries[id] = e
		}
	}
	metrics.CachedItems.DeleteLabelValues(sourceID)
	return c.publish(cur, entries), true
}

func (c *Cache) publish(cur *Snapshot, entries map[string]Entry) *Snapshot {
	snap := &Snapshot{
		version:   cur.version + 1,
		createdAt: c.now(),
		entries:   entries,
	}
	c.current.Store(snap)
	metrics.SnapshotVersion.Set(float64(snap.version))
	return snap
}
