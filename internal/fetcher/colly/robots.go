package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// robotsAttempts covers one retry; a page fetch waits on robots.txt.
	robotsAttempts   = 2
	robotsRetryDelay = 300 * time.Millisecond
	allowAllRobots   = "User-agent: *\nAllow: /"
)

// robotsTransport wraps the transport of one fetch. A robots.txt lookup that
// keeps timing out is answered with allow-all so the event page is still tried.
type robotsTransport struct {
	base       http.RoundTripper
	retryDelay time.Duration

	mu       sync.Mutex
	timedOut error
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{base: base, retryDelay: robotsRetryDelay}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}

	var resp *http.Response
	lookup := func() error {
		r, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err != nil {
			if isTimeout(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.retryDelay), robotsAttempts-1),
		req.Context(),
	)
	err := backoff.Retry(lookup, policy)
	switch {
	case err == nil:
		return resp, nil
	case isTimeout(err) && req.Context().Err() == nil:
		t.recordTimeout(err)
		return allowAllResponse(req), nil
	default:
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
}

// fallbackReason is non-empty when robots.txt was replaced by allow-all.
func (t *robotsTransport) fallbackReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timedOut == nil {
		return ""
	}
	return t.timedOut.Error()
}

func (t *robotsTransport) recordTimeout(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timedOut = err
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
