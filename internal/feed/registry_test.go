package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsentinel/internal/common"
)

func testSource(id string, prio int) Source {
	return Source{
		ID:         id,
		URL:        "https://example.com/" + id + ".xml",
		Category:   common.CategorySecurityNews,
		ParserKind: common.ParserStandard,
		Priority:   prio,
	}
}

func TestRegistryListOrder(t *testing.T) {
	r, err := NewRegistry(testSource("b", 1), testSource("a", 1), testSource("z", 5), testSource("c", 0))
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, s := range r.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"z", "a", "b", "c"}, ids)
}

func TestRegistryAddDuplicate(t *testing.T) {
	r, err := NewRegistry(testSource("a", 1))
	require.NoError(t, err)

	err = r.Add(testSource("a", 9))
	assert.ErrorIs(t, err, ErrDuplicateSourceID)
	assert.Equal(t, 1, r.Len())

	s, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, s.Priority)
	assert.Equal(t, OriginConfig, s.Origin)
}

func TestRegistryValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Source)
	}{
		{"empty id", func(s *Source) { s.ID = "" }},
		{"relative url", func(s *Source) { s.URL = "/feed.xml" }},
		{"bad category", func(s *Source) { s.Category = "gossip" }},
		{"bad parser", func(s *Source) { s.ParserKind = "yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSource("x", 0)
			tt.mutate(&s)
			r, _ := NewRegistry()
			assert.ErrorIs(t, r.Add(s), ErrInvalidSource)
		})
	}
}

func TestRegistryRemove(t *testing.T) {
	r, err := NewRegistry(testSource("a", 1))
	require.NoError(t, err)

	require.NoError(t, r.Remove("a"))
	assert.ErrorIs(t, r.Remove("a"), ErrUnknownSource)
	assert.Empty(t, r.List())
}

func TestRegistryListIsACopy(t *testing.T) {
	r, err := NewRegistry(testSource("a", 1))
	require.NoError(t, err)

	list := r.List()
	require.NoError(t, r.Add(testSource("b", 1)))
	assert.Len(t, list, 1, "earlier listing must not see later additions")
	assert.Len(t, r.List(), 2)
}

func TestRegistryConcurrentAdd(t *testing.T) {
	r, _ := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Add(testSource(string(rune('a'+i%26))+"-"+time.Duration(i).String(), i))
			_ = r.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

func TestDedupKeepsFirst(t *testing.T) {
	items := []Item{
		{GUID: "1", Title: "first"},
		{GUID: "2", Title: "second"},
		{GUID: "1", Title: "dup"},
	}
	out := Dedup(items)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Title)
}

func TestGUIDForIsStable(t *testing.T) {
	a := GUIDFor("https://x/1", "title")
	assert.Equal(t, a, GUIDFor("https://x/1", "title"))
	assert.NotEqual(t, a, GUIDFor("https://x/1", "other"))
	assert.Len(t, a, 32)
}

func TestCycleStateStaleness(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(-1), CycleState{}.Staleness(now))
	s := CycleState{LastSuccessAt: now.Add(-time.Hour)}
	assert.Equal(t, time.Hour, s.Staleness(now))
}
