package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsentinel/internal/common"
	"feedsentinel/internal/feed"
)

func source(url string, policy feed.FetchPolicy) feed.Source {
	return feed.Source{
		ID:          "test",
		URL:         url,
		Category:    common.CategorySecurityNews,
		ParserKind:  common.ParserStandard,
		FetchPolicy: policy,
	}
}

func fastPolicy(retries int) feed.FetchPolicy {
	return feed.FetchPolicy{
		Timeout:     200 * time.Millisecond,
		MaxRetries:  retries,
		BackoffBase: time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
	}
}

func TestFetchSuccess(t *testing.T) {
	var ua string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<rss/>"))
	}))
	defer ts.Close()

	f := New(Config{Client: ts.Client()})
	body, err := f.Fetch(context.Background(), source(ts.URL, fastPolicy(0)))
	require.NoError(t, err)
	assert.Equal(t, "<rss/>", string(body))
	assert.Equal(t, DefaultUserAgent, ua)
}

func TestFetchClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	f := New(Config{Client: ts.Client()})
	_, err := f.Fetch(context.Background(), source(ts.URL, fastPolicy(3)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchHTTP)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTooManyRequestsIsRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	f := New(Config{Client: ts.Client()})
	_, err := f.Fetch(context.Background(), source(ts.URL, fastPolicy(2)))
	assert.ErrorIs(t, err, ErrFetchHTTP)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestFetchServerErrorThenSuccess(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	f := New(Config{Client: ts.Client()})
	body, err := f.Fetch(context.Background(), source(ts.URL, fastPolicy(3)))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchTimesOutTwiceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	defer close(release)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		_, _ = w.Write([]byte("late but fine"))
	}))
	defer ts.Close()

	policy := fastPolicy(3)
	policy.Timeout = 50 * time.Millisecond
	f := New(Config{Client: ts.Client()})
	body, err := f.Fetch(context.Background(), source(ts.URL, policy))
	require.NoError(t, err)
	assert.Equal(t, "late but fine", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchTimeoutExhaustsRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	policy := fastPolicy(1)
	policy.Timeout = 30 * time.Millisecond
	f := New(Config{Client: ts.Client()})
	_, err := f.Fetch(context.Background(), source(ts.URL, policy))
	assert.ErrorIs(t, err, ErrFetchTimeout)
}

func TestFetchNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), source(url, fastPolicy(1)))
	assert.ErrorIs(t, err, ErrFetchNetwork)
}

func TestFetchParentCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	policy := fastPolicy(5)
	policy.Timeout = 5 * time.Second
	f := New(Config{Client: ts.Client()})
	_, err := f.Fetch(ctx, source(ts.URL, policy))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchPayloadLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer ts.Close()

	f := New(Config{Client: ts.Client(), MaxPayloadBytes: 32})
	_, err := f.Fetch(context.Background(), source(ts.URL, fastPolicy(3)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFetchBackoffIsExponentialAndCapped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	var mu sync.Mutex
	var waits []time.Duration
	f := New(Config{
		Client: ts.Client(),
		OnRetry: func(_ feed.Source, _ int, _ error, wait time.Duration) {
			mu.Lock()
			waits = append(waits, wait)
			mu.Unlock()
		},
	})
	policy := feed.FetchPolicy{
		Timeout:     time.Second,
		MaxRetries:  4,
		BackoffBase: time.Millisecond,
		BackoffMax:  3 * time.Millisecond,
	}
	_, err := f.Fetch(context.Background(), source(ts.URL, policy))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		3 * time.Millisecond,
		3 * time.Millisecond,
	}, waits)
}

func TestMergePolicy(t *testing.T) {
	def := DefaultPolicy
	assert.Equal(t, def, MergePolicy(feed.FetchPolicy{}, def))

	p := MergePolicy(feed.FetchPolicy{Timeout: time.Second}, def)
	assert.Equal(t, time.Second, p.Timeout)
	assert.Equal(t, 0, p.MaxRetries, "explicit policies keep their retry count")
	assert.Equal(t, def.BackoffBase, p.BackoffBase)

	p = MergePolicy(feed.FetchPolicy{BackoffBase: time.Minute, BackoffMax: time.Second}, def)
	assert.Equal(t, time.Minute, p.BackoffMax, "cap never below base")
}
