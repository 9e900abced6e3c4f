// Package forum discovers forum endpoints from directory indexes and feeds
// them into the source registry. It never fetches forum content itself.
package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"feedsentinel/internal/common"
	"feedsentinel/internal/feed"
	"feedsentinel/internal/logging"
	"feedsentinel/internal/metrics"
)

// ErrDiscoveryUnavailable is returned when no directory index could be read.
var ErrDiscoveryUnavailable = errors.New("forum discovery unavailable")

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 500
	DefaultInterval   = 6 * time.Hour

	idPrefix = "forum:"
)

type Fetcher interface {
	Fetch(ctx context.Context, src feed.Source) ([]byte, error)
}

// Registrar receives newly discovered sources.
type Registrar interface {
	Add(feed.Source) error
}

type Config struct {
	// Indexes are the URLs of directory index documents.
	Indexes     []string
	Fetcher     Fetcher
	Registry    Registrar
	FetchPolicy feed.FetchPolicy
	TTL         time.Duration
	MaxEntries  int
	Interval    time.Duration
	Logger      logging.Logger
	Clock       func() time.Time
}

// indexDocument is the directory index format.
type indexDocument struct {
	Forums []indexEntry `json:"forums"`
}

type indexEntry struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Category string `json:"category"`
}

type Directory struct {
	indexes  []string
	fetcher  Fetcher
	registry Registrar
	policy   feed.FetchPolicy
	interval time.Duration
	cache    *entryCache
	logger   logging.Logger
}

func NewDirectory(cfg Config) *Directory {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Directory{
		indexes:  append([]string(nil), cfg.Indexes...),
		fetcher:  cfg.Fetcher,
		registry: cfg.Registry,
		policy:   cfg.FetchPolicy,
		interval: cfg.Interval,
		cache:    newEntryCache(cfg.MaxEntries, cfg.TTL, cfg.Clock),
		logger:   cfg.Logger,
	}
}

// Discover reads every directory index and returns the candidate forum
// sources ordered by priority, then id. Indexes that fail are skipped; if
// all of them fail the result is ErrDiscoveryUnavailable.
func (d *Directory) Discover(ctx context.Context) ([]feed.Source, error) {
	if len(d.indexes) == 0 {
		metrics.DiscoveryRuns.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: no directory indexes configured", ErrDiscoveryUnavailable)
	}

	seen := make(map[string]bool)
	var found []feed.Source
	var errs []error
	for i, index := range d.indexes {
		sources, err := d.readIndex(ctx, i, index)
		if err != nil {
			d.logger.WithError(err).WithField("index", index).Warn("Forum directory index unavailable")
			errs = append(errs, err)
			continue
		}
		for _, s := range sources {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			found = append(found, s)
		}
	}
	if len(errs) == len(d.indexes) {
		metrics.DiscoveryRuns.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, errors.Join(errs...))
	}

	feed.SortSources(found)
	for _, s := range found {
		d.cache.Set(s)
	}
	d.cache.Prune()
	metrics.KnownForums.Set(float64(d.cache.Size()))

	outcome := "ok"
	if len(errs) > 0 {
		outcome = "partial"
	}
	metrics.DiscoveryRuns.WithLabelValues(outcome).Inc()
	return found, nil
}

// Sources returns the known, unexpired forum sources in registry order.
func (d *Directory) Sources() []feed.Source {
	out := d.cache.Values()
	feed.SortSources(out)
	return out
}

// Refresh discovers forums and registers the new ones. It returns the
// discovered sources and how many were added to the registry.
func (d *Directory) Refresh(ctx context.Context) ([]feed.Source, int, error) {
	sources, err := d.Discover(ctx)
	if err != nil {
		return nil, 0, err
	}
	return sources, d.Register(sources), nil
}

// Register adds sources to the registry, skipping ids it already holds.
func (d *Directory) Register(sources []feed.Source) int {
	if d.registry == nil {
		return 0
	}
	added := 0
	for _, s := range sources {
		err := d.registry.Add(s)
		switch {
		case err == nil:
			added++
			d.logger.WithField("source", s.ID).Info("Registered discovered forum")
		case errors.Is(err, feed.ErrDuplicateSourceID):
		default:
			d.logger.WithError(err).WithField("source", s.ID).Warn("Discovered forum rejected by registry")
		}
	}
	return added
}

// Run refreshes the directory immediately and then on every interval until
// ctx is done.
func (d *Directory) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, added, err := d.Refresh(ctx); err != nil {
			d.logger.WithError(err).Warn("Forum discovery failed")
		} else if added > 0 {
			d.logger.WithField("added", added).Info("Forum discovery registered new sources")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Directory) readIndex(ctx context.Context, i int, index string) ([]feed.Source, error) {
	src := feed.Source{
		ID:          fmt.Sprintf("forum-index-%d", i),
		URL:         index,
		Category:    common.CategoryForum,
		ParserKind:  common.ParserForum,
		FetchPolicy: d.policy,
	}
	payload, err := d.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	var doc indexDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", index, err)
	}

	base, _ := url.Parse(index)
	out := make([]feed.Source, 0, len(doc.Forums))
	for _, e := range doc.Forums {
		s, err := toSource(e, base)
		if err != nil {
			d.logger.WithError(err).WithField("index", index).Debug("Skipping directory entry")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func toSource(e indexEntry, base *url.URL) (feed.Source, error) {
	raw := strings.TrimSpace(e.URL)
	if base != nil && raw != "" {
		if ref, err := url.Parse(raw); err == nil {
			raw = base.ResolveReference(ref).String()
		}
	}

	id := strings.TrimSpace(e.ID)
	if id == "" {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			id = u.Host + strings.TrimSuffix(u.Path, "/")
		}
	}
	if id != "" && !strings.HasPrefix(id, idPrefix) {
		id = idPrefix + id
	}

	category := common.CategoryForum
	if e.Category != "" {
		c, err := common.ParseCategory(e.Category)
		if err != nil {
			return feed.Source{}, err
		}
		category = c
	}

	s := feed.Source{
		ID:         id,
		Name:       strings.TrimSpace(e.Name),
		URL:        raw,
		Category:   category,
		ParserKind: common.ParserForum,
		Priority:   e.Priority,
		Origin:     feed.OriginDiscovery,
	}
	if err := feed.Validate(s); err != nil {
		return feed.Source{}, err
	}
	return s, nil
}
