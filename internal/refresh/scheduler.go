// Package refresh drives periodic refresh cycles: every cycle fans out
// fetch, parse and correlate per source over a bounded worker pool and
// commits each outcome into the cache.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"feedsentinel/internal/cache"
	"feedsentinel/internal/logging"
)

const (
	DefaultInterval          = 15 * time.Minute
	DefaultWorkers           = 4
	DefaultDegradedThreshold = 3
	DefaultStopGrace         = 10 * time.Second
)

type Config struct {
	Registry   SourceLister
	Fetcher    Fetcher
	Parser     Parser
	Correlator Correlator // optional
	Cache      *cache.Cache

	Interval          time.Duration
	Workers           int
	DegradedThreshold int
	StopGrace         time.Duration
	// SkipInitialRefresh waits a full interval before the first cycle.
	SkipInitialRefresh bool

	Logger logging.Logger
	Clock  func() time.Time
}

// Scheduler owns the refresh loop. A scheduler runs at most once: after
// Stop it stays stopped and a new instance is needed.
type Scheduler struct {
	registry   SourceLister
	fetcher    Fetcher
	parser     Parser
	correlator Correlator
	cache      *cache.Cache

	interval          time.Duration
	workers           int
	degradedThreshold int
	stopGrace         time.Duration
	initialRefresh    bool
	logger            logging.Logger
	now               func() time.Time

	mu         sync.Mutex
	state      State
	terminated bool
	err        error
	lastCycle  *CycleReport

	trigger    chan struct{}
	stopCh     chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
	workCancel context.CancelFunc

	// cycleMu keeps RunCycle and the loop from overlapping.
	cycleMu sync.Mutex

	attemptsMu sync.Mutex
	attempts   map[string]uint64
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultDegradedThreshold
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		registry:          cfg.Registry,
		fetcher:           cfg.Fetcher,
		parser:            cfg.Parser,
		correlator:        cfg.Correlator,
		cache:             cfg.Cache,
		interval:          cfg.Interval,
		workers:           cfg.Workers,
		degradedThreshold: cfg.DegradedThreshold,
		stopGrace:         cfg.StopGrace,
		initialRefresh:    !cfg.SkipInitialRefresh,
		logger:            cfg.Logger,
		now:               cfg.Clock,
		trigger:           make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
		attempts:          make(map[string]uint64),
	}
}

// Start launches the refresh loop and returns once it is running. Work
// contexts derive from ctx; cancelling ctx ends the loop like Stop without
// a grace period.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	workCtx, cancel := context.WithCancel(ctx)
	s.workCancel = cancel
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"interval": s.interval.String(),
		"workers":  s.workers,
	}).Info("Refresh scheduler starting")
	go s.loop(workCtx)
	return nil
}

// Stop stops dispatching new sources, waits for in-flight work up to the
// stop grace or the ctx deadline, whichever comes first, then cancels what
// is left. It returns once the loop has exited.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.terminated = true
		s.mu.Unlock()
		s.doneOnce.Do(func() { close(s.done) })
		return s.Err()
	case StateStopping:
		s.mu.Unlock()
	default:
		s.state = StateStopping
		close(s.stopCh)
		s.mu.Unlock()
		s.logger.Info("Refresh scheduler stopping")
	}

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()
	select {
	case <-s.done:
		return s.Err()
	case <-grace.C:
		s.logger.Warn("Stop grace elapsed, cancelling in-flight sources")
	case <-ctx.Done():
		s.logger.Warn("Stop deadline reached, cancelling in-flight sources")
	}
	s.cancelWork()
	<-s.done
	return s.Err()
}

// TriggerRefresh asks for an out-of-cycle refresh without waiting for it.
func (s *Scheduler) TriggerRefresh() TriggerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRefreshing:
		return TriggerCoalesced
	case StateStarting, StateSleeping:
		select {
		case s.trigger <- struct{}{}:
			return TriggerAccepted
		default:
			return TriggerCoalesced
		}
	default:
		return TriggerRejected
	}
}

// RunCycle runs one refresh cycle synchronously on the caller's goroutine.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	return s.runCycle(ctx, "manual-sync")
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the scheduler reached its terminal Stopped state.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Err reports why the loop ended abnormally. It wraps ErrSchedulerFailed
// when the loop panicked and is nil after a regular stop.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastCycle returns the report of the most recent completed cycle.
func (s *Scheduler) LastCycle() (CycleReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCycle == nil {
		return CycleReport{}, false
	}
	return *s.lastCycle, true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("%w: %v", ErrSchedulerFailed, r)
			s.mu.Unlock()
			s.logger.WithField("panic", r).Error("Refresh loop crashed")
		}
	}()

	if s.initialRefresh {
		if !s.transition(StateRefreshing) {
			return
		}
		s.runCycle(ctx, "startup")
	}

	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		if !s.transition(StateSleeping) {
			return
		}
		var trigger string
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			trigger = "interval"
		case <-s.trigger:
			trigger = "manual"
		}
		if !s.transition(StateRefreshing) {
			return
		}
		s.runCycle(ctx, trigger)
		timer.Reset(s.interval)
	}
}

// transition moves to a running state unless a stop is under way. Entering
// Refreshing drains any queued trigger, which the cycle now covers.
func (s *Scheduler) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateStopped {
		return false
	}
	s.state = to
	if to == StateRefreshing {
		select {
		case <-s.trigger:
		default:
		}
	}
	return true
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) cancelWork() {
	s.mu.Lock()
	cancel := s.workCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) finish() {
	s.cancelWork()
	s.mu.Lock()
	s.state = StateStopped
	s.terminated = true
	err := s.err
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	if err == nil {
		s.logger.Info("Refresh scheduler stopped")
	}
}

func (s *Scheduler) nextAttempt(sourceID string) uint64 {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	s.attempts[sourceID]++
	return s.attempts[sourceID]
}
