package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if extractionsTotal == nil || providerRetriesTotal == nil ||
		httpRequestsTotal == nil || activeTasks == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(extractionsTotal.WithLabelValues("gemini", "success"))
	ObserveExtraction("gemini", "success")
	if got := testutil.ToFloat64(extractionsTotal.WithLabelValues("gemini", "success")); got != before+1 {
		t.Errorf("expected extractions counter to increase by 1, got %f -> %f", before, got)
	}

	retries := testutil.ToFloat64(providerRetriesTotal.WithLabelValues("gemini", "rate_limit"))
	ObserveProviderRetry("gemini", "rate_limit")
	if got := testutil.ToFloat64(providerRetriesTotal.WithLabelValues("gemini", "rate_limit")); got != retries+1 {
		t.Errorf("expected retries counter to increase by 1, got %f -> %f", retries, got)
	}

	ObserveTask("completed")
	ObserveCallback("delivered")
	ObserveStorageSave("grist", "ok")
	ObserveRateLimitDelay("example.com", 250*time.Millisecond)

	gauge := testutil.ToFloat64(activeTasks)
	IncActiveTasks()
	IncActiveTasks()
	DecActiveTasks()
	if got := testutil.ToFloat64(activeTasks); got != gauge+1 {
		t.Errorf("expected active tasks gauge %f, got %f", gauge+1, got)
	}
	if val := testutil.CollectAndCount(fetchRateLimitDelaysSeconds); val <= 0 {
		t.Errorf("expected rate limit histogram to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
