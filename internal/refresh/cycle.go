package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"feedsentinel/internal/cache"
	"feedsentinel/internal/feed"
	"feedsentinel/internal/logging"
	"feedsentinel/internal/metrics"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeInterrupted
	outcomeSkipped
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFailure:
		return "failure"
	case outcomeInterrupted:
		return "interrupted"
	default:
		return "skipped"
	}
}

func (s *Scheduler) runCycle(ctx context.Context, trigger string) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report := CycleReport{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: s.now(),
	}
	log := s.logger.WithField("cycle", report.ID)

	// Registry changes become visible at the next cycle.
	sources := s.registry.List()
	report.Sources = len(sources)
	log.WithFields(logging.Fields{
		"trigger": trigger,
		"sources": len(sources),
	}).Info("Refresh cycle started")

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for _, src := range sources {
		if s.stopping() {
			log.Info("Stop requested, no further sources dispatched")
			break
		}
		src := src
		attempt := s.nextAttempt(src.ID)
		g.Go(func() error {
			o := s.refreshSource(ctx, report.ID, src, attempt)
			mu.Lock()
			switch o {
			case outcomeSuccess:
				report.Succeeded++
			case outcomeFailure:
				report.Failed++
			case outcomeInterrupted:
				report.Interrupted++
			case outcomeSkipped:
				report.Skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.now().Sub(report.StartedAt)
	snap := s.cache.Current()
	report.Version = snap.Version()
	s.updateDegradedGauge(snap)

	metrics.RefreshCycles.WithLabelValues(trigger).Inc()
	metrics.RefreshCycleDuration.Observe(report.Duration.Seconds())

	s.mu.Lock()
	r := report
	s.lastCycle = &r
	s.mu.Unlock()

	log.WithFields(logging.Fields{
		"succeeded":   report.Succeeded,
		"failed":      report.Failed,
		"interrupted": report.Interrupted,
		"duration":    report.Duration.String(),
		"version":     report.Version,
	}).Info("Refresh cycle finished")
	return report
}

// refreshSource runs fetch, parse and correlate for one source and commits
// the outcome. A failure keeps the previous items and only touches state.
func (s *Scheduler) refreshSource(ctx context.Context, cycleID string, src feed.Source, attempt uint64) (result outcome) {
	started := s.now()
	log := s.logger.WithFields(logging.Fields{
		"cycle":   cycleID,
		"source":  src.ID,
		"attempt": attempt,
	})

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrSourcePanic, r)
			log.WithError(err).Error("Source worker panicked")
			result = s.commitFailure(src, attempt, started, err, log)
		}
		metrics.SourceRefreshes.WithLabelValues(src.ID, result.String()).Inc()
	}()

	items, err := s.process(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			err = ErrInterrupted
		}
		return s.commitFailure(src, attempt, started, err, log)
	}

	finished := s.now()
	_, err = s.cache.CommitIf(src.ID, attempt, s.registered(src.ID), func(prev cache.Entry, _ bool) cache.Entry {
		return cache.Entry{
			Items: items,
			State: feed.CycleState{
				LastSuccessAt: finished,
				LastAttemptAt: started,
				ItemCount:     len(items),
				LastDuration:  finished.Sub(started),
			},
		}
	})
	if errors.Is(err, cache.ErrSourceGone) {
		log.Debug("Source removed during refresh, result dropped")
		return outcomeSkipped
	}
	if errors.Is(err, cache.ErrStaleAttempt) {
		log.Debug("Newer attempt already committed, result dropped")
		return outcomeSkipped
	}
	log.WithField("items", len(items)).Debug("Source refreshed")
	return outcomeSuccess
}

// registered guards a commit against a concurrent administrative removal.
func (s *Scheduler) registered(id string) func() bool {
	return func() bool {
		_, ok := s.registry.Get(id)
		return ok
	}
}

func (s *Scheduler) process(ctx context.Context, src feed.Source) ([]feed.Item, error) {
	payload, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	items, err := s.parser.Parse(src, payload)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if s.correlator != nil {
		items = s.correlator.CorrelateAll(items, s.now())
	}
	return items, nil
}

// commitFailure records a failed attempt. Interruptions by shutdown mark
// the error but do not count toward degradation.
func (s *Scheduler) commitFailure(src feed.Source, attempt uint64, started time.Time, cause error, log logging.Entry) outcome {
	interrupted := errors.Is(cause, ErrInterrupted)
	finished := s.now()
	_, err := s.cache.CommitIf(src.ID, attempt, s.registered(src.ID), func(prev cache.Entry, _ bool) cache.Entry {
		st := prev.State
		st.LastAttemptAt = started
		st.LastDuration = finished.Sub(started)
		st.LastError = cause.Error()
		if !interrupted {
			st.ConsecutiveFailures++
		}
		st.IsDegraded = st.ConsecutiveFailures >= s.degradedThreshold
		return cache.Entry{Items: prev.Items, State: st}
	})
	if errors.Is(err, cache.ErrSourceGone) || errors.Is(err, cache.ErrStaleAttempt) {
		return outcomeSkipped
	}
	if interrupted {
		log.Warn("Source refresh interrupted")
		return outcomeInterrupted
	}
	log.WithError(cause).Warn("Source refresh failed")
	return outcomeFailure
}

func (s *Scheduler) updateDegradedGauge(snap *cache.Snapshot) {
	n := 0
	for _, id := range snap.SourceIDs() {
		if e, _ := snap.Entry(id); e.State.IsDegraded {
			n++
		}
	}
	metrics.DegradedSources.Set(float64(n))
}
