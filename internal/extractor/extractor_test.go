package extractor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

const validJSON = `{"title":"Jazz Night","start_datetime":"2026-06-01T20:00:00-07:00","confidence_score":0.85,"tags":["music"],"extraction_notes":"looked fine"}`

func TestCleanResponse(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
		"```JSON{\"a\":1}```":     `{"a":1}`,
	}
	for in, want := range tests {
		require.Equal(t, want, CleanResponse(in))
	}
}

func TestParseEventRepairs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		repaired bool
	}{
		{"clean", validJSON, false},
		{"fenced", "```json\n" + validJSON + "\n```", false},
		{"trailing comma", `{"title":"Jazz Night","tags":["a","b",],}`, true},
		{"trailing garbage", validJSON + "\nHope this helps!", true},
		{"leading chatter", "Here you go: " + validJSON, true},
		{"truncated", `{"title":"Jazz Night","location":{"venue":"Fox"`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := ParseEvent(tc.input, time.UTC)
			require.NoError(t, err)
			require.Equal(t, "Jazz Night", ev.Title)
			if tc.repaired {
				require.Contains(t, ev.Notes, RepairNote)
			} else {
				require.NotContains(t, ev.Notes, RepairNote)
			}
		})
	}

	_, err := ParseEvent("I could not find an event.", time.UTC)
	require.ErrorIs(t, err, errMalformed)
}

func TestParseEventFields(t *testing.T) {
	t.Parallel()

	la := scraper.LoadLocation("America/Los_Angeles")
	ev, err := ParseEvent(`{
		"title": null,
		"start_datetime": "2026-06-01T20:00:00",
		"end_datetime": "sometime later",
		"location": {"type": "Physical", "venue": "Fox Theater", "address": null},
		"organizer": {"name": null},
		"price": 20,
		"tags": ["music", " ", "jazz"],
		"confidence_score": 1.7,
		"extraction_notes": ["a", "b"]
	}`, la)
	require.NoError(t, err)
	require.Equal(t, scraper.TitleUnknown, ev.Title)
	require.True(t, time.Date(2026, 6, 1, 20, 0, 0, 0, la).Equal(*ev.Start))
	require.Nil(t, ev.End)
	require.Equal(t, scraper.LocationPhysical, ev.Location.Type)
	require.Equal(t, "Fox Theater", ev.Location.Venue)
	require.Nil(t, ev.Organizer)
	require.Equal(t, "20", ev.Price)
	require.Equal(t, []string{"music", "jazz"}, ev.Tags)
	require.InDelta(t, 1.0, *ev.Confidence, 0.0001)
	require.Equal(t, "a", ev.Notes[0])
	require.Contains(t, strings.Join(ev.Notes, " "), "end_datetime")
}

func TestParseEventLooseTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		fields     string
		tags       []string
		confidence *float64
	}{
		{"numeric string confidence", `"confidence_score":"0.85","tags":["music"]`, []string{"music"}, scraper.Confidence(0.85)},
		{"single tag string", `"tags":"music","confidence_score":0.5`, []string{"music"}, scraper.Confidence(0.5)},
		{"blank tag string", `"tags":"  "`, []string{}, nil},
		{"junk confidence", `"confidence_score":"high"`, []string{}, nil},
		{"object tags", `"tags":{"genre":"jazz"}`, []string{}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := ParseEvent(`{"title":"Jazz Night",`+tc.fields+`}`, time.UTC)
			require.NoError(t, err)
			require.Equal(t, "Jazz Night", ev.Title)
			require.Equal(t, tc.tags, ev.Tags)
			if tc.confidence == nil {
				require.Nil(t, ev.Confidence)
				return
			}
			require.NotNil(t, ev.Confidence)
			require.InDelta(t, *tc.confidence, *ev.Confidence, 0.0001)
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"429", &APIError{Provider: "p", StatusCode: http.StatusTooManyRequests}, ReasonRateLimit},
		{"503", &APIError{Provider: "p", StatusCode: http.StatusServiceUnavailable}, ReasonColdStart},
		{"502", &APIError{Provider: "p", StatusCode: http.StatusBadGateway}, ReasonServer},
		{"401", &APIError{Provider: "p", StatusCode: http.StatusUnauthorized}, ""},
		{"403", &APIError{Provider: "p", StatusCode: http.StatusForbidden}, ""},
		{"quota message", &APIError{Provider: "p", Message: "Quota exceeded"}, ReasonRateLimit},
		{"loading message", errors.New("Model is currently loading"), ReasonColdStart},
		{"generate is not rate", &APIError{Provider: "p", Message: "failed to generate"}, ""},
		{"network", errors.New("connection reset by peer"), ReasonNetwork},
		{"canceled", context.Canceled, ""},
		{"malformed", errMalformed, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

// --- fakes ---

type scriptedBackend struct {
	mu        sync.Mutex
	images    bool
	responses []string
	errs      []error
	calls     int
	requests  []GenerateRequest
}

func (b *scriptedBackend) Name() string         { return "scripted" }
func (b *scriptedBackend) SupportsImages() bool { return b.images }

func (b *scriptedBackend) Generate(_ context.Context, req GenerateRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	b.calls++
	b.requests = append(b.requests, req)
	if i < len(b.errs) && b.errs[i] != nil {
		return "", b.errs[i]
	}
	if i < len(b.responses) {
		return b.responses[i], nil
	}
	return b.responses[len(b.responses)-1], nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestEngineRetriesRateLimitOnce(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{
		errs:      []error{&APIError{Provider: "scripted", StatusCode: http.StatusTooManyRequests, Message: "slow down"}},
		responses: []string{"", validJSON},
	}
	var retries []RetryEvent
	engine := New(backend, Options{
		BaseDelay: 20 * time.Millisecond,
		OnRetry:   func(ev RetryEvent) { retries = append(retries, ev) },
	})

	start := time.Now()
	ev, err := engine.Extract(context.Background(), scraper.ExtractRequest{URL: "https://example.com/e", Content: "c"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, "Jazz Night", ev.Title)
	require.Equal(t, 2, backend.calls)
	require.Len(t, retries, 1)
	require.Equal(t, ReasonRateLimit, retries[0].Reason)
	require.Equal(t, "scripted", retries[0].Provider)
	require.Equal(t, 20*time.Millisecond, retries[0].Delay)
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestEngineBackoffDoublesAndColdStartWaitsLonger(t *testing.T) {
	t.Parallel()

	rate := &APIError{Provider: "scripted", StatusCode: http.StatusTooManyRequests}
	cold := &APIError{Provider: "scripted", StatusCode: http.StatusServiceUnavailable}

	var delays []time.Duration
	engine := New(&scriptedBackend{errs: []error{rate, rate, rate, rate}, responses: []string{validJSON}}, Options{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(ev RetryEvent) { delays = append(delays, ev.Delay) },
	})
	ev, err := engine.Extract(context.Background(), scraper.ExtractRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.True(t, ev.Failed(), "exhausted retries yield a failure-marked event")
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)

	delays = nil
	engine = New(&scriptedBackend{errs: []error{cold}, responses: []string{"", validJSON}}, Options{
		BaseDelay: time.Millisecond,
		OnRetry:   func(ev RetryEvent) { delays = append(delays, ev.Delay) },
	})
	_, err = engine.Extract(context.Background(), scraper.ExtractRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{2 * time.Millisecond}, delays)
}

func TestRetryCeilingIsBounded(t *testing.T) {
	t.Parallel()

	require.Equal(t, 8*time.Second, retryPolicy{maxAttempts: 3, baseDelay: time.Second}.maxInterval())
	require.Equal(t, 2*time.Second, retryPolicy{maxAttempts: 0, baseDelay: time.Second}.maxInterval())
	huge := retryPolicy{maxAttempts: 200, baseDelay: 2 * time.Second}.maxInterval()
	require.Equal(t, 2*time.Second*(1<<maxBackoffShift), huge)
	require.Positive(t, huge)
}

func TestEngineFailureModes(t *testing.T) {
	t.Parallel()

	unrepairable := New(&scriptedBackend{responses: []string{"no json here"}}, Options{BaseDelay: time.Millisecond})
	ev, err := unrepairable.Extract(context.Background(), scraper.ExtractRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.True(t, ev.Failed())
	require.InDelta(t, 0, ev.ConfidenceOr(1), 0.0001)
	require.Contains(t, ev.Notes[0], "no json here")

	none := New(nil, Options{})
	_, err = none.Extract(context.Background(), scraper.ExtractRequest{})
	require.ErrorIs(t, err, scraper.ErrExtractionUnavailable)
}

func TestEngineAttachesScreenshotForVisionBackends(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\n0000")
	backend := &scriptedBackend{images: true, responses: []string{validJSON}}
	engine := New(backend, Options{Clock: fixedClock{time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)}})
	_, err := engine.Extract(context.Background(), scraper.ExtractRequest{URL: "u", Content: "c", Screenshot: png, Timezone: "America/Los_Angeles"})
	require.NoError(t, err)
	require.Equal(t, png, backend.requests[0].Image)
	require.Equal(t, "image/png", backend.requests[0].MIMEType)
	require.Contains(t, backend.requests[0].Prompt, "Today's date is: 2025-11-19")
	require.Contains(t, backend.requests[0].Prompt, "use 2026")

	textOnly := &scriptedBackend{responses: []string{validJSON}}
	_, err = New(textOnly, Options{}).Extract(context.Background(), scraper.ExtractRequest{URL: "u", Screenshot: png})
	require.NoError(t, err)
	require.Nil(t, textOnly.requests[0].Image)
}

func TestImageExtraction(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{images: true, responses: []string{validJSON}}
	engine := New(backend, Options{})
	ev, err := engine.ExtractFromImage(context.Background(), scraper.ImageRequest{
		Image:             []byte("\x89PNG\r\n\x1a\n0000"),
		SourceDescription: "Discord attachment",
	})
	require.NoError(t, err)
	require.Equal(t, "Jazz Night", ev.Title)
	require.Empty(t, ev.SourceURL)
	require.Equal(t, "Source: Discord attachment.", ev.Notes[0])

	empty, err := engine.ExtractFromImage(context.Background(), scraper.ImageRequest{})
	require.NoError(t, err)
	require.True(t, empty.Failed())
}

func TestPromptsCarryTimeContext(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)
	text := BuildTextPrompt("https://example.com", "CONTENT", "America/New_York", now)
	require.Contains(t, text, "Today's date is: 2026-07-04")
	require.Contains(t, text, "-04:00")
	require.Contains(t, text, "America/New_York")
	require.Contains(t, text, "CONTENT")
	require.Contains(t, text, "STRUCTURED EVENT DATA")

	image := BuildImagePrompt("", now)
	require.Contains(t, image, "America/Los_Angeles")
	require.Contains(t, image, "-07:00")
	require.NotContains(t, image, "{{")
}
