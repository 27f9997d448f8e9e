package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/openai/openai-go/responses"
)

// ProviderError marks an LLM call that failed after all retries.
// Callers must degrade rather than surface it to the end user.
type ProviderError struct {
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider failure"
	}
	return fmt.Sprintf("provider failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryingClient retries transient provider failures (timeouts, 408,
// 429, 5xx) with capped exponential backoff. Non-transient failures
// and context cancellation fail immediately.
type RetryingClient struct {
	inner   Client
	options RetryOptions
	sleep   func(context.Context, time.Duration) error
}

func NewRetryingClient(inner Client, options RetryOptions) *RetryingClient {
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = 3
	}
	if options.BaseDelay <= 0 {
		options.BaseDelay = 500 * time.Millisecond
	}
	if options.MaxDelay <= 0 {
		options.MaxDelay = 8 * time.Second
	}
	return &RetryingClient{inner: inner, options: options, sleep: sleepCtx}
}

func (c *RetryingClient) CreateResponse(ctx context.Context, req Request) (*Result, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("retrying client requires an inner client")
	}
	var lastErr error
	delay := c.options.BaseDelay
	for attempt := 1; attempt <= c.options.MaxAttempts; attempt++ {
		res, err := c.inner.CreateResponse(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, &ProviderError{Attempts: attempt, Err: ctx.Err()}
		}
		if !isTransient(err) {
			return nil, err
		}
		if attempt == c.options.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &ProviderError{Attempts: attempt, Err: err}
		}
		delay *= 2
		if delay > c.options.MaxDelay {
			delay = c.options.MaxDelay
		}
	}
	return nil, &ProviderError{Attempts: c.options.MaxAttempts, Err: lastErr}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *responses.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		return code == 408 || code == 429 || code >= 500
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
