package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry reasons reported to metrics and hooks.
const (
	ReasonRateLimit = "rate_limit"
	ReasonColdStart = "cold_start"
	ReasonServer    = "server_error"
	ReasonNetwork   = "network"
)

// APIError is the provider-neutral shape of a failed model call.
// Provider clients wrap their SDK errors into it so retry classification
// works the same for every backend.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Classify returns the retry reason for err, or "" when err is not transient.
func Classify(err error) string {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ""
	}
	if errors.Is(err, errMalformed) {
		return ""
	}
	msg := strings.ToLower(err.Error())
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return ReasonRateLimit
		case http.StatusServiceUnavailable:
			return ReasonColdStart
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
			return ReasonServer
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return ""
		}
		msg = strings.ToLower(apiErr.Message)
	}
	switch {
	case strings.Contains(msg, "loading"):
		return ReasonColdStart
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"), strings.Contains(msg, "quota"):
		return ReasonRateLimit
	case strings.Contains(msg, "503"):
		return ReasonColdStart
	}
	if apiErr != nil {
		return ""
	}
	return ReasonNetwork
}

// RetryEvent describes one scheduled retry.
type RetryEvent struct {
	Provider string
	Attempt  int
	Reason   string
	Delay    time.Duration
	Err      error
}

// reasonBackOff doubles the exponential interval when the last failure was a
// cold start; model-loading responses need longer to clear.
type reasonBackOff struct {
	inner  *backoff.ExponentialBackOff
	reason *string
}

func (b *reasonBackOff) Reset() { b.inner.Reset() }

func (b *reasonBackOff) NextBackOff() time.Duration {
	next := b.inner.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if *b.reason == ReasonColdStart {
		return next * 2
	}
	return next
}

// retryPolicy runs provider calls with bounded exponential backoff.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// maxBackoffShift bounds the doubling so the ceiling cannot overflow.
const maxBackoffShift = 10

func (p retryPolicy) maxInterval() time.Duration {
	shift := min(max(p.maxAttempts, 1), maxBackoffShift)
	return p.baseDelay * time.Duration(1<<shift)
}

func (p retryPolicy) run(ctx context.Context, call func() (string, error), notify func(RetryEvent)) (string, error) {
	var reason string
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.baseDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(p.maxInterval()),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&reasonBackOff{inner: exp, reason: &reason}, uint64(max(p.maxAttempts-1, 0))),
		ctx,
	)

	attempt := 0
	op := func() (string, error) {
		attempt++
		out, err := call()
		if err == nil {
			return out, nil
		}
		reason = Classify(err)
		if reason == "" {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	return backoff.RetryNotifyWithData(op, policy, func(err error, delay time.Duration) {
		if notify != nil {
			notify(RetryEvent{Attempt: attempt, Reason: reason, Delay: delay, Err: err})
		}
	})
}
