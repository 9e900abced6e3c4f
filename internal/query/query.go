// Package query evaluates read-side filters over a cache snapshot.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"feedsentinel/internal/cache"
	"feedsentinel/internal/common"
	"feedsentinel/internal/feed"
)

var ErrInvalidFilter = errors.New("invalid filter")

// SourceLookup resolves source definitions. *feed.Registry satisfies it.
type SourceLookup interface {
	Get(id string) (feed.Source, bool)
	List() []feed.Source
}

type Filter struct {
	Categories  []common.Category
	MinSeverity *float64
	Since       time.Time
	Until       time.Time
	// Technique matches a technique id (a parent id also matches its
	// sub-techniques) or a tactic id.
	Technique string
	SourceID  string
	Limit     int
}

// Validate checks the filter bounds.
func (f Filter) Validate() error {
	var problems []string
	for _, c := range f.Categories {
		if !c.Valid() {
			problems = append(problems, fmt.Sprintf("unknown category %q", c))
		}
	}
	if f.MinSeverity != nil && (*f.MinSeverity < 0 || *f.MinSeverity > 10) {
		problems = append(problems, "min_severity must be within 0-10")
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		problems = append(problems, "until is before since")
	}
	if f.Limit < 0 {
		problems = append(problems, "limit must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidFilter, strings.Join(problems, "; "))
	}
	return nil
}

// Item is a cached item with the attributes of its source attached.
// SeverityBand is the CVSS qualitative band of Severity, empty when unscored.
type Item struct {
	feed.Item
	Category         common.Category `json:"category"`
	SourcePriority   int             `json:"source_priority"`
	StalenessSeconds float64         `json:"staleness_seconds"`
	SeverityBand     string          `json:"severity_band,omitempty"`
}

// Items returns the snapshot items matching f in display order: severity
// descending (unscored last), source priority descending, newest first, then
// GUID. Items of sources no longer registered are left out.
func Items(snap *cache.Snapshot, sources SourceLookup, f Filter, now time.Time) ([]Item, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	technique := strings.ToUpper(strings.TrimSpace(f.Technique))

	var out []Item
	for _, id := range snap.SourceIDs() {
		if f.SourceID != "" && id != f.SourceID {
			continue
		}
		src, ok := sources.Get(id)
		if !ok {
			continue
		}
		if len(f.Categories) > 0 && !lo.Contains(f.Categories, src.Category) {
			continue
		}
		entry, _ := snap.Entry(id)
		staleness := seconds(entry.State.Staleness(now))
		for _, it := range entry.Items {
			if !f.matches(it, technique) {
				continue
			}
			out = append(out, Item{
				Item:             it,
				Category:         src.Category,
				SourcePriority:   src.Priority,
				StalenessSeconds: staleness,
				SeverityBand:     band(it.Severity),
			})
		}
	}

	Sort(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	if out == nil {
		out = []Item{}
	}
	return out, nil
}

func band(severity *float64) string {
	if severity == nil {
		return ""
	}
	return common.BandFor(*severity).String()
}

func (f Filter) matches(it feed.Item, technique string) bool {
	if f.MinSeverity != nil && (it.Severity == nil || *it.Severity < *f.MinSeverity) {
		return false
	}
	if !f.Since.IsZero() && (it.PublishedAt.IsZero() || it.PublishedAt.Before(f.Since)) {
		return false
	}
	if !f.Until.IsZero() && (it.PublishedAt.IsZero() || it.PublishedAt.After(f.Until)) {
		return false
	}
	if technique != "" {
		hit := lo.SomeBy(it.Tags, func(tag string) bool {
			return tag == technique || strings.HasPrefix(tag, technique+".")
		})
		if !hit && !lo.Contains(it.Tactics, technique) {
			return false
		}
	}
	return true
}

// Sort orders items for display.
func Sort(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.Severity == nil && b.Severity != nil:
			return false
		case a.Severity != nil && b.Severity == nil:
			return true
		case a.Severity != nil && *a.Severity != *b.Severity:
			return *a.Severity > *b.Severity
		}
		if a.SourcePriority != b.SourcePriority {
			return a.SourcePriority > b.SourcePriority
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return a.GUID < b.GUID
	})
}

// SourceHealth is one row of the source health listing.
type SourceHealth struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	URL      string          `json:"url"`
	Category common.Category `json:"category"`
	Priority int             `json:"priority"`
	Origin   feed.Origin     `json:"origin"`
	feed.CycleState
	// StalenessSeconds is -1 when the source never refreshed successfully.
	StalenessSeconds float64 `json:"staleness_seconds"`
}

// Sources lists every registered source with its cached health, in registry
// order.
func Sources(snap *cache.Snapshot, sources SourceLookup, now time.Time) []SourceHealth {
	list := sources.List()
	out := make([]SourceHealth, 0, len(list))
	for _, src := range list {
		entry, _ := snap.Entry(src.ID)
		out = append(out, SourceHealth{
			ID:               src.ID,
			Name:             src.Name,
			URL:              src.URL,
			Category:         src.Category,
			Priority:         src.Priority,
			Origin:           src.Origin,
			CycleState:       entry.State,
			StalenessSeconds: seconds(entry.State.Staleness(now)),
		})
	}
	return out
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return -1
	}
	return d.Seconds()
}
