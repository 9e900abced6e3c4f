package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsentinel/internal/feed"
)

func itemsFor(source string, n int) []feed.Item {
	out := make([]feed.Item, n)
	for i := range out {
		out[i] = feed.Item{SourceID: source, GUID: fmt.Sprintf("%s-%d", source, i)}
	}
	return out
}

func replaceWith(items []feed.Item) func(Entry, bool) Entry {
	return func(prev Entry, _ bool) Entry {
		return Entry{Items: items, State: feed.CycleState{ItemCount: len(items)}}
	}
}

func TestCommitPublishesNewVersion(t *testing.T) {
	c := New()
	first := c.Current()
	assert.Equal(t, uint64(0), first.Version())
	assert.Zero(t, first.Len())

	snap, err := c.Commit("a", 1, replaceWith(itemsFor("a", 3)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version())
	assert.Same(t, snap, c.Current())

	e, ok := snap.Entry("a")
	require.True(t, ok)
	assert.Len(t, e.Items, 3)
	assert.Equal(t, uint64(1), e.Attempt)

	_, ok = first.Entry("a")
	assert.False(t, ok, "older snapshots never see later commits")
}

func TestCommitReceivesPreviousEntry(t *testing.T) {
	c := New()
	_, err := c.Commit("a", 1, replaceWith(itemsFor("a", 2)))
	require.NoError(t, err)

	var sawPrev bool
	snap, err := c.Commit("a", 2, func(prev Entry, ok bool) Entry {
		sawPrev = ok
		prev.State.ConsecutiveFailures++
		prev.State.LastError = "boom"
		return prev
	})
	require.NoError(t, err)
	assert.True(t, sawPrev)

	e, _ := snap.Entry("a")
	assert.Len(t, e.Items, 2, "failure keeps prior items")
	assert.Equal(t, 1, e.State.ConsecutiveFailures)
}

func TestCommitRejectsStaleAttempt(t *testing.T) {
	c := New()
	_, err := c.Commit("a", 5, replaceWith(itemsFor("a", 1)))
	require.NoError(t, err)
	version := c.Current().Version()

	called := false
	snap, err := c.Commit("a", 4, func(prev Entry, ok bool) Entry {
		called = true
		return Entry{}
	})
	assert.ErrorIs(t, err, ErrStaleAttempt)
	assert.False(t, called)
	assert.Equal(t, version, snap.Version())
	assert.Equal(t, version, c.Current().Version())

	_, err = c.Commit("a", 5, replaceWith(nil))
	assert.ErrorIs(t, err, ErrStaleAttempt)
}

func TestCommitIfSkipsGoneSource(t *testing.T) {
	c := New()
	version := c.Current().Version()

	called := false
	snap, err := c.CommitIf("a", 1, func() bool { return false }, func(prev Entry, ok bool) Entry {
		called = true
		return Entry{}
	})
	assert.ErrorIs(t, err, ErrSourceGone)
	assert.False(t, called)
	assert.Equal(t, version, snap.Version())
	_, ok := c.Current().Entry("a")
	assert.False(t, ok)

	_, err = c.CommitIf("a", 1, func() bool { return true }, replaceWith(itemsFor("a", 1)))
	require.NoError(t, err)
	_, ok = c.Current().Entry("a")
	assert.True(t, ok)
}

func TestRemoveWaitsForGuardedCommit(t *testing.T) {
	c := New()
	removed := make(chan bool)

	_, err := c.CommitIf("a", 1, func() bool {
		// a removal starting here blocks on the writer lock until the
		// commit is published
		go func() {
			_, ok := c.Remove("a")
			removed <- ok
		}()
		return true
	}, replaceWith(itemsFor("a", 2)))
	require.NoError(t, err)

	assert.True(t, <-removed)
	_, ok := c.Current().Entry("a")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	c := New()
	_, _ = c.Commit("a", 1, replaceWith(itemsFor("a", 1)))
	_, _ = c.Commit("b", 1, replaceWith(itemsFor("b", 2)))

	snap, ok := c.Remove("a")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, snap.SourceIDs())
	assert.Len(t, snap.Items(), 2)

	_, ok = c.Remove("a")
	assert.False(t, ok)
}

func TestSnapshotItemsGroupedBySource(t *testing.T) {
	c := New()
	_, _ = c.Commit("b", 1, replaceWith(itemsFor("b", 1)))
	_, _ = c.Commit("a", 1, replaceWith(itemsFor("a", 2)))

	items := c.Current().Items()
	require.Len(t, items, 3)
	assert.Equal(t, "a-0", items[0].GUID)
	assert.Equal(t, "b-0", items[2].GUID)
}

func TestClockStampsSnapshots(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewWithClock(func() time.Time { return at })
	snap, err := c.Commit("a", 1, replaceWith(nil))
	require.NoError(t, err)
	assert.Equal(t, at, snap.CreatedAt())
}

// Readers racing with writers must only ever observe whole entries: every
// entry's item count matches the count recorded alongside it, and versions
// never go backwards.
func TestConcurrentReadersSeeCompleteSnapshots(t *testing.T) {
	c := New()
	sources := []string{"a", "b", "c", "d"}

	var stop atomic.Bool
	var readers sync.WaitGroup
	var violations atomic.Int64
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			var last uint64
			for !stop.Load() {
				snap := c.Current()
				if snap.Version() < last {
					violations.Add(1)
				}
				last = snap.Version()
				for _, id := range snap.SourceIDs() {
					e, _ := snap.Entry(id)
					if len(e.Items) != e.State.ItemCount {
						violations.Add(1)
					}
					for _, it := range e.Items {
						if it.SourceID != id {
							violations.Add(1)
						}
					}
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for _, id := range sources {
		writers.Add(1)
		go func(id string) {
			defer writers.Done()
			for attempt := uint64(1); attempt <= 200; attempt++ {
				_, err := c.Commit(id, attempt, replaceWith(itemsFor(id, int(attempt%7))))
				assert.NoError(t, err)
			}
		}(id)
	}
	writers.Wait()
	stop.Store(true)
	readers.Wait()

	assert.Zero(t, violations.Load())
	assert.Equal(t, uint64(len(sources)*200), c.Current().Version())
	for _, id := range sources {
		e, ok := c.Current().Entry(id)
		require.True(t, ok)
		assert.Equal(t, uint64(200), e.Attempt)
	}
}
