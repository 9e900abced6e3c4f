package feed

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

var (
	ErrDuplicateSourceID = errors.New("duplicate source id")
	ErrUnknownSource     = errors.New("unknown source")
	ErrInvalidSource     = errors.New("invalid source")
)

// Registry is the catalog of feed sources. It is append-mostly: sources
// appear at config load or via forum discovery and only leave through an
// administrative Remove.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates a registry seeded with the given sources.
func NewRegistry(initial ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(initial))}
	for _, s := range initial {
		if err := r.Add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Validate checks the fields a source must carry to be refreshed.
func Validate(s Source) error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSource)
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s: bad url %q", ErrInvalidSource, s.ID, s.URL)
	}
	if !s.Category.Valid() {
		return fmt.Errorf("%w: %s: unknown category %q", ErrInvalidSource, s.ID, s.Category)
	}
	if !s.ParserKind.Valid() {
		return fmt.Errorf("%w: %s: unknown parser kind %q", ErrInvalidSource, s.ID, s.ParserKind)
	}
	return nil
}

// Add registers a source. It fails with ErrDuplicateSourceID when the id is
// already present.
func (r *Registry) Add(s Source) error {
	if err := Validate(s); err != nil {
		return err
	}
	if s.Origin == "" {
		s.Origin = OriginConfig
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSourceID, s.ID)
	}
	r.sources[s.ID] = s
	return nil
}

// Remove deletes a source. Administrative use only.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	delete(r.sources, id)
	return nil
}

func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// List returns a copy of all sources ordered by priority (highest first),
// then id.
func (r *Registry) List() []Source {
	r.mu.RLock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	r.mu.RUnlock()
	SortSources(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// SortSources orders sources by priority descending, then id ascending.
func SortSources(sources []Source) {
	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Priority != sources[j].Priority {
			return sources[i].Priority > sources[j].Priority
		}
		return sources[i].ID < sources[j].ID
	})
}
