// Package upstream gives a dispatcher a concrete HTTP client shape for
// the "dispatcher / request executor" collaborator in spec.md §6.2:
// clone-and-retry with exponential backoff, classifying the result
// into the outcome kinds spec.md §7 distinguishes so the classification
// feeds directly into the breaker, rate limiter, and pool cooldown
// instead of being retried blindly inside this client. The control
// plane itself never imports net/http; this package is for whoever
// wires the pool up to a real upstream.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flowforge/poolctl/logging"
)

// Outcome classifies an upstream call result into the kinds spec.md
// §7 feeds into credential/model state.
type Outcome int

const (
	// OutcomeSuccess is any 2xx/3xx response.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited is a 429: feeds per-credential cooldown and
	// the pool-429 penalty, never the circuit breaker on first
	// occurrence (spec.md §7 kind 2).
	OutcomeRateLimited
	// OutcomeTransientError is a network error, timeout, or 5xx: fed
	// into the circuit breaker as a failure (spec.md §7 kind 1).
	OutcomeTransientError
	// OutcomeClientError is a non-429 4xx: not retried, not fed into
	// the breaker.
	OutcomeClientError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomeClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// Result is what ExecuteWithRetry returns: the final response (if
// any), how it was classified, and how many attempts it took.
type Result struct {
	Response *http.Response
	Outcome  Outcome
	Attempts int
}

// Client wraps *http.Client with retrying, exponential-backoff
// execution (grounded on ai/providers/base.go's BaseClient.ExecuteWithRetry).
type Client struct {
	HTTPClient *http.Client
	Logger     logging.Logger

	MaxRetries int
	RetryDelay time.Duration
}

// NewClient builds a Client with conservative defaults: 3 retries,
// 1s base delay.
func NewClient(timeout time.Duration, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// ExecuteWithRetry clones req for each attempt, executes it, and
// retries transient failures with exponential backoff. It returns as
// soon as it has a result worth reporting back to the caller: success,
// a non-retryable client error, or exhausted retries. Rate limits
// (429) and server errors both count as retryable, but the final
// Result always carries the observed Outcome so the caller can feed
// it into the breaker/cooldown/pool-429 machinery itself rather than
// have this client guess at credential-level policy.
func (c *Client) ExecuteWithRetry(ctx context.Context, req *http.Request) (Result, error) {
	var lastErr error
	var lastResp *http.Response
	var lastOutcome Outcome

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		reqClone := req.Clone(ctx)

		resp, err := c.HTTPClient.Do(reqClone)
		outcome := classify(resp, err)

		if outcome == OutcomeSuccess || outcome == OutcomeClientError {
			return Result{Response: resp, Outcome: outcome, Attempts: attempt + 1}, nil
		}

		lastOutcome, lastResp = outcome, resp
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("upstream error: status %d", resp.StatusCode)
		}

		if attempt == c.MaxRetries {
			break
		}

		delay := c.backoff(attempt)
		c.Logger.Debug("retrying upstream request", map[string]interface{}{
			"attempt":     attempt + 1,
			"max_retries": c.MaxRetries,
			"delay":       delay,
			"outcome":     outcome.String(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Response: lastResp, Outcome: outcome, Attempts: attempt + 1}, ctx.Err()
		}
	}

	return Result{Response: lastResp, Outcome: lastOutcome, Attempts: c.MaxRetries + 1},
		fmt.Errorf("request failed after %d attempts: %w", c.MaxRetries+1, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	shift := uint(attempt)
	if shift > 31 {
		shift = 31
	}
	return c.RetryDelay * time.Duration(1<<shift)
}

func classify(resp *http.Response, err error) Outcome {
	if err != nil {
		return OutcomeTransientError
	}
	switch {
	case resp.StatusCode < 400:
		return OutcomeSuccess
	case resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case resp.StatusCode >= 500:
		return OutcomeTransientError
	default:
		return OutcomeClientError
	}
}
