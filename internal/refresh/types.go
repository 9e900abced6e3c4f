package refresh

import (
	"context"
	"errors"
	"time"

	"feedsentinel/internal/feed"
)

var (
	ErrAlreadyStarted   = errors.New("scheduler already started")
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrSchedulerFailed  = errors.New("scheduler failed")
	ErrInterrupted      = errors.New("interrupted")
	ErrSourcePanic      = errors.New("source worker panicked")
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateSleeping
	StateRefreshing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateSleeping:
		return "sleeping"
	case StateRefreshing:
		return "refreshing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Running reports whether the scheduler is between Starting and Stopping.
func (s State) Running() bool {
	return s == StateSleeping || s == StateRefreshing
}

// TriggerResult tells a caller of TriggerRefresh what happened to the request.
type TriggerResult int

const (
	// TriggerAccepted means a cycle will start soon.
	TriggerAccepted TriggerResult = iota
	// TriggerCoalesced means a cycle in progress or already queued covers the request.
	TriggerCoalesced
	// TriggerRejected means the scheduler is not running.
	TriggerRejected
)

func (r TriggerResult) String() string {
	switch r {
	case TriggerAccepted:
		return "accepted"
	case TriggerCoalesced:
		return "coalesced"
	default:
		return "rejected"
	}
}

// SourceLister is the view of the registry the scheduler needs.
type SourceLister interface {
	List() []feed.Source
	Get(id string) (feed.Source, bool)
}

type Fetcher interface {
	Fetch(ctx context.Context, src feed.Source) ([]byte, error)
}

type Parser interface {
	Parse(src feed.Source, payload []byte) ([]feed.Item, error)
}

type Correlator interface {
	CorrelateAll(items []feed.Item, now time.Time) []feed.Item
}

// CycleReport summarizes one refresh cycle.
type CycleReport struct {
	ID          string        `json:"id"`
	Trigger     string        `json:"trigger"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Sources     int           `json:"sources"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Interrupted int           `json:"interrupted"`
	Skipped     int           `json:"skipped"`
	Version     uint64        `json:"version"`
}
