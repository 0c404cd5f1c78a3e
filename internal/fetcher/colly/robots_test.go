package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRobotsTimeoutFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &scriptedTripper{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded}}
	transport := newRobotsTransport(base)
	transport.retryDelay = time.Millisecond

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.Equal(t, robotsAttempts, base.count())
	require.Contains(t, transport.fallbackReason(), "deadline exceeded")
}

func TestRobotsRetrySucceeds(t *testing.T) {
	t.Parallel()

	base := &scriptedTripper{errs: []error{context.DeadlineExceeded, nil}}
	transport := newRobotsTransport(base)
	transport.retryDelay = time.Millisecond

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.count())
	require.Empty(t, transport.fallbackReason())
}

func TestRobotsHardErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	base := &scriptedTripper{errs: []error{errors.New("connection refused")}}
	transport := newRobotsTransport(base)

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.count())
	require.Empty(t, transport.fallbackReason())
}

func TestRobotsTransportPassesPagesThrough(t *testing.T) {
	t.Parallel()

	base := &scriptedTripper{errs: []error{context.DeadlineExceeded}}
	transport := newRobotsTransport(base)

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/events/1", nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, base.count())
	require.Empty(t, transport.fallbackReason())
}

// --- fakes ---

// scriptedTripper returns errs in order; a nil entry (or running out) yields 200.
type scriptedTripper struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedTripper) RoundTrip(*http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return httptest.NewRecorder().Result(), nil
}

func (s *scriptedTripper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
