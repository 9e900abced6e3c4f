// Package app assembles the refresh engine from configuration. Both the
// long-running service and the one-shot loader build on it.
package app

import (
	"fmt"
	"time"

	"feedsentinel/internal/cache"
	"feedsentinel/internal/config"
	"feedsentinel/internal/correlate"
	"feedsentinel/internal/feed"
	"feedsentinel/internal/fetch"
	"feedsentinel/internal/forum"
	"feedsentinel/internal/logging"
	"feedsentinel/internal/parse"
	"feedsentinel/internal/refresh"
)

type App struct {
	Config    *config.Config
	Logger    logging.Logger
	Registry  *feed.Registry
	Fetcher   *fetch.Fetcher
	Parsers   *parse.Set
	Engine    *correlate.Engine
	Cache     *cache.Cache
	Scheduler *refresh.Scheduler
	// Forums is nil when no directory indexes are configured.
	Forums *forum.Directory
}

// Build validates cfg and wires every component.
func Build(cfg *config.Config, logger logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sources, err := cfg.ToSources()
	if err != nil {
		return nil, err
	}
	registry, err := feed.NewRegistry(sources...)
	if err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(cfg.Correlation)
	if err != nil {
		return nil, err
	}
	tactics, techniques, groups, cves := catalog.Size()
	logger.WithFields(logging.Fields{
		"tactics":    tactics,
		"techniques": techniques,
		"groups":     groups,
		"cves":       cves,
	}).Info("Correlation catalog loaded")

	fetcher := fetch.New(fetch.Config{
		UserAgent:       cfg.Fetch.UserAgent,
		MaxPayloadBytes: cfg.Fetch.MaxPayloadBytes,
		DefaultPolicy:   cfg.Fetch.Policy(),
		Logger:          logger,
		OnRetry: func(src feed.Source, attempt int, err error, wait time.Duration) {
			logger.WithError(err).WithFields(logging.Fields{
				"source":  src.ID,
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn("Fetch failed, retrying")
		},
	})
	parsers := parse.NewSet(parse.Config{
		SummaryLimit:  cfg.Parse.SummaryLimit,
		ForumMinItems: cfg.Parse.ForumMinItems,
	})
	engine := correlate.NewEngine(catalog, correlate.Config{
		HalfLife: cfg.Correlation.HalfLife.Duration,
		Logger:   logger,
	})
	store := cache.New()

	scheduler := refresh.New(refresh.Config{
		Registry:           registry,
		Fetcher:            fetcher,
		Parser:             parsers,
		Correlator:         engine,
		Cache:              store,
		Interval:           cfg.Refresh.Interval.Duration,
		Workers:            cfg.Refresh.Workers,
		DegradedThreshold:  cfg.Refresh.DegradedThreshold,
		StopGrace:          cfg.Refresh.StopGrace.Duration,
		SkipInitialRefresh: cfg.Refresh.SkipInitial,
		Logger:             logger,
	})

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  registry,
		Fetcher:   fetcher,
		Parsers:   parsers,
		Engine:    engine,
		Cache:     store,
		Scheduler: scheduler,
	}
	if len(cfg.Forums.Indexes) > 0 {
		a.Forums = forum.NewDirectory(forum.Config{
			Indexes:    cfg.Forums.Indexes,
			Fetcher:    fetcher,
			Registry:   registry,
			TTL:        cfg.Forums.TTL.Duration,
			MaxEntries: cfg.Forums.MaxEntries,
			Interval:   cfg.Forums.Interval.Duration,
			Logger:     logger,
		})
	}
	return a, nil
}

func loadCatalog(cfg config.Correlation) (*correlate.Catalog, error) {
	if cfg.CatalogPath == "" {
		return correlate.DefaultCatalog(), nil
	}
	catalog, err := correlate.LoadCatalog(cfg.CatalogPath, cfg.CVEMapPath)
	if err != nil {
		return nil, fmt.Errorf("load correlation catalog: %w", err)
	}
	return catalog, nil
}
