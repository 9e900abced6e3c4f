package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"feedsentinel/internal/feed"
	"feedsentinel/internal/logging"
	"feedsentinel/internal/metrics"
)

var (
	ErrFetchTimeout    = errors.New("fetch timeout")
	ErrFetchHTTP       = errors.New("fetch http error")
	ErrFetchNetwork    = errors.New("fetch network error")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// HTTPError reports a non-2xx response.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s returned %d %s", ErrFetchHTTP, e.URL, e.Status, http.StatusText(e.Status))
}

func (e *HTTPError) Is(target error) bool { return target == ErrFetchHTTP }

// Permanent reports whether retrying within the same cycle is pointless.
// Client errors are permanent except 429.
func (e *HTTPError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// Doer is the transport the fetcher drives. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

const (
	DefaultUserAgent       = "feedsentinel/1.0 (+threat-intel aggregator)"
	DefaultMaxPayloadBytes = 10 << 20
)

// DefaultPolicy is applied field by field wherever a source leaves its
// fetch policy zero.
var DefaultPolicy = feed.FetchPolicy{
	Timeout:     15 * time.Second,
	MaxRetries:  3,
	BackoffBase: 500 * time.Millisecond,
	BackoffMax:  30 * time.Second,
}

type Config struct {
	Client          Doer
	UserAgent       string
	MaxPayloadBytes int64
	DefaultPolicy   feed.FetchPolicy
	Logger          logging.Logger
	// OnRetry is called before each backoff sleep.
	OnRetry func(src feed.Source, attempt int, err error, wait time.Duration)
}

// Fetcher retrieves raw payloads for one source at a time. It never touches
// the cache.
type Fetcher struct {
	client     Doer
	userAgent  string
	maxPayload int64
	defaults   feed.FetchPolicy
	logger     logging.Logger
	onRetry    func(src feed.Source, attempt int, err error, wait time.Duration)
}

func New(cfg Config) *Fetcher {
	f := &Fetcher{
		client:     cfg.Client,
		userAgent:  cfg.UserAgent,
		maxPayload: cfg.MaxPayloadBytes,
		defaults:   MergePolicy(cfg.DefaultPolicy, DefaultPolicy),
		logger:     cfg.Logger,
		onRetry:    cfg.OnRetry,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if f.maxPayload <= 0 {
		f.maxPayload = DefaultMaxPayloadBytes
	}
	if f.logger == nil {
		f.logger = logging.NewDiscardLogger()
	}
	return f
}

// MergePolicy fills the zero duration fields of p from def. An all-zero
// policy inherits def entirely; otherwise MaxRetries is taken as given, so
// a source can opt out of retries.
func MergePolicy(p, def feed.FetchPolicy) feed.FetchPolicy {
	if p == (feed.FetchPolicy{}) {
		return def
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	return p
}

// PolicyFor resolves the effective policy of a source.
func (f *Fetcher) PolicyFor(src feed.Source) feed.FetchPolicy {
	return MergePolicy(src.FetchPolicy, f.defaults)
}

// Fetch retrieves the payload of src. Each attempt is bounded by the
// source timeout; transient failures are retried with exponential backoff
// (base * 2^attempt, capped) up to MaxRetries times.
func (f *Fetcher) Fetch(ctx context.Context, src feed.Source) ([]byte, error) {
	policy := f.PolicyFor(src)
	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(src.ID).Observe(time.Since(start).Seconds())
	}()

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		body, err := f.attempt(ctx, src, policy.Timeout)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Permanent() {
			return nil, backoff.Permanent(err)
		}
		if errors.Is(err, ErrPayloadTooLarge) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		metrics.FetchRetries.WithLabelValues(src.ID).Inc()
		f.logger.WithFields(logging.Fields{
			"source":  src.ID,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Debug("Retrying fetch")
		if f.onRetry != nil {
			f.onRetry(src, attempt, err, wait)
		}
	}

	body, err := backoff.RetryNotifyWithData(op, newBackOff(ctx, policy), notify)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func newBackOff(ctx context.Context, policy feed.FetchPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = policy.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxRetries)), ctx)
}

func (f *Fetcher) attempt(ctx context.Context, src feed.Source, timeout time.Duration) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrFetchNetwork, err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/json, text/html;q=0.9, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, actx, timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{Status: resp.StatusCode, URL: src.URL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxPayload+1))
	if err != nil {
		return nil, classify(ctx, actx, timeout, err)
	}
	if int64(len(body)) > f.maxPayload {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrPayloadTooLarge, src.URL, f.maxPayload)
	}
	return body, nil
}

func classify(parent, attemptCtx context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var netErr net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w after %s: %v", ErrFetchTimeout, timeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFetchNetwork, err)
}
