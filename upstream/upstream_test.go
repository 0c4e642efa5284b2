package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteWithRetry_SuccessOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	c.RetryDelay = time.Millisecond
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	res, err := c.ExecuteWithRetry(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecuteWithRetry_ClientErrorNotRetried(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	c.RetryDelay = time.Millisecond
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	res, err := c.ExecuteWithRetry(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClientError, res.Outcome)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestExecuteWithRetry_ServerErrorRetriesThenFails(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	c.RetryDelay = time.Millisecond
	c.MaxRetries = 2
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	res, err := c.ExecuteWithRetry(context.Background(), req)
	assert.Error(t, err)
	assert.Equal(t, OutcomeTransientError, res.Outcome)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls)) // initial + 2 retries
	assert.Equal(t, 3, res.Attempts)
}

func TestExecuteWithRetry_RateLimitedClassifiedCorrectly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	c.RetryDelay = time.Millisecond
	c.MaxRetries = 1
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	res, err := c.ExecuteWithRetry(context.Background(), req)
	assert.Error(t, err)
	assert.Equal(t, OutcomeRateLimited, res.Outcome)
}

func TestExecuteWithRetry_RecoversAfterTransientFailure(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	c.RetryDelay = time.Millisecond
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	res, err := c.ExecuteWithRetry(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecuteWithRetry_ContextCancellationStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	c.RetryDelay = 50 * time.Millisecond
	c.MaxRetries = 5
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.ExecuteWithRetry(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
