package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/orgs"
	"github.com/JakeFAU/event-scraper/internal/pipeline"
	"github.com/JakeFAU/event-scraper/internal/processor"
	"github.com/JakeFAU/event-scraper/internal/scraper"
	"github.com/JakeFAU/event-scraper/internal/tasks"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01")

func TestSubmitExtractionAccepted(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"/v1/events/extract", "/parse"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{}
			server := newTestServer(t, runner, Options{})

			body := `{"url":"https://example.com/e","org_id":"orb","callback_url":"https://caller.example.com/cb","client_reference_id":"msg-42"}`
			rec := serve(server, http.MethodPost, path, body)

			require.Equal(t, http.StatusAccepted, rec.Code)
			var resp acceptedResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, "req-1", resp.RequestID)
			require.Equal(t, scraper.TaskAccepted, resp.Status)

			submitted := runner.submittedTasks()
			require.Len(t, submitted, 1)
			task := submitted[0]
			require.Equal(t, "https://example.com/e", task.URL)
			require.Equal(t, "orb", task.OrgID)
			require.Equal(t, "msg-42", task.ReferenceToken)
			require.True(t, task.IncludeScreenshot)
			require.Equal(t, defaultWaitMillis, task.WaitMillis)
		})
	}
}

func TestSubmitExtractionDecodesImage(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := newTestServer(t, runner, Options{})
	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
	body := fmt.Sprintf(`{"parse_mode":"IMAGE","image_base64":%q,"reference_token":"tok","include_screenshot":false,"wait_time":0}`, encoded)

	rec := serve(server, http.MethodPost, "/v1/events/extract", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	task := runner.submittedTasks()[0]
	require.Equal(t, scraper.ModeImage, task.Mode)
	require.Equal(t, pngBytes, task.Image)
	require.Equal(t, "image/png", task.ImageMIMEType)
	require.Equal(t, "tok", task.ReferenceToken)
	require.False(t, task.IncludeScreenshot)
	require.Zero(t, task.WaitMillis)
}

func TestSubmitExtractionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"invalid json", `{invalid`, nil, http.StatusBadRequest},
		{"bad image", `{"image_base64":"%%%"}`, nil, http.StatusBadRequest},
		{"invalid request", `{"url":"ftp://x"}`, fmt.Errorf("%w: url must be http or https", tasks.ErrInvalidRequest), http.StatusBadRequest},
		{"queue full", `{"url":"https://example.com"}`, fmt.Errorf("%w: deadline", tasks.ErrQueueFull), http.StatusServiceUnavailable},
		{"store failure", `{"url":"https://example.com"}`, errors.New("disk"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, &fakeRunner{err: tc.err}, Options{})
			rec := serve(server, http.MethodPost, "/v1/events/extract", tc.body)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestExtractSyncReturnsResult(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"/v1/events/extract/sync", "/scrape"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, &fakeRunner{}, Options{})
			rec := serve(server, http.MethodPost, path, `{"url":"https://example.com/jazz","org_id":"orb"}`)

			require.Equal(t, http.StatusOK, rec.Code)
			var result pipeline.Result
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
			require.True(t, result.Success)
			require.NotNil(t, result.Event)
			require.Equal(t, "Jazz Night", result.Event.Title)
			require.Equal(t, "orb", result.Metadata["org_id"])
		})
	}
}

func TestExtractSyncValidation(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeRunner{}, Options{})
	rec := serve(server, http.MethodPost, "/v1/events/extract/sync", `{"url":"not a url"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/events/extract/sync", `{"url":"https://example.com","wait_time":90000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	broken := newTestServerWithResolver(t, &fakeRunner{}, &fakeResolver{err: errors.New("factory failed")}, Options{})
	rec = serve(broken, http.MethodPost, "/v1/events/extract/sync", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "factory failed")
}

func TestExtractImage(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeRunner{}, Options{})
	body := fmt.Sprintf(`{"image_base64":%q,"source_description":"flyer"}`, base64.StdEncoding.EncodeToString(pngBytes))
	rec := serve(server, http.MethodPost, "/v1/events/image", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var result pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Success)
	require.Equal(t, "image", result.Metadata["parse_mode"])

	rec = serve(server, http.MethodPost, "/v1/events/image", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{tasks: map[string]scraper.Task{
		"req-9": {RequestID: "req-9", OrgID: "orb", Status: scraper.TaskInProgress},
	}}
	server := newTestServer(t, runner, Options{})

	rec := serve(server, http.MethodGet, "/v1/tasks/req-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var task scraper.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	require.Equal(t, scraper.TaskInProgress, task.Status)

	rec = serve(server, http.MethodGet, "/v1/tasks/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthListsOrgsWithoutCredentials(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		active: 2,
		queued: 5,
		counts: map[scraper.TaskStatus]int{scraper.TaskCompleted: 3, scraper.TaskFailed: 1},
	}
	server := newTestServer(t, runner, Options{Version: "1.2.3"})
	rec := serve(server, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret-llm-key")
	require.NotContains(t, rec.Body.String(), "secret-grist-key")

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.Equal(t, DefaultService, resp.Service)
	require.Equal(t, "1.2.3", resp.Version)
	require.Equal(t, 2, resp.ActiveTasks)
	require.Equal(t, 5, resp.QueuedTasks)
	require.Equal(t, map[string]int{string(scraper.TaskCompleted): 3, string(scraper.TaskFailed): 1}, resp.TaskCounts)
	require.Equal(t, orgSummary{Name: "ORB", LLMProvider: scraper.ProviderGemini}, resp.Orgs["orb"])
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeRunner{}, Options{})
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/metrics", "").Code)

	broken := newTestServerWithResolver(t, &fakeRunner{}, &fakeResolver{err: errors.New("bad yaml")}, Options{})
	require.Equal(t, http.StatusServiceUnavailable, serve(broken, http.MethodGet, "/readyz", "").Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeRunner{}, Options{APIKey: "let-me-in"})
	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/health", "").Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-API-Key", "let-me-in")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeRunner{}, Options{})
	rec := serve(server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeRunner{panics: true}, Options{})
	rec := serve(server, http.MethodPost, "/v1/events/extract", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

// --- helpers/fakes ---

func serve(server *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T, runner *fakeRunner, opts Options) *Server {
	t.Helper()
	resolver := &fakeResolver{profile: orgs.Profile{
		OrgProfile: scraper.OrgProfile{
			ID:       "orb",
			Name:     "ORB",
			Timezone: "America/Los_Angeles",
			LLM:      scraper.LLMConfig{Provider: scraper.ProviderGemini, APIKey: "secret-llm-key"},
			Storage:  scraper.StorageTarget{Backend: scraper.BackendGrist, APIKey: "secret-grist-key"},
		},
		Extractor: newFakeExtractor(),
	}}
	return newTestServerWithResolver(t, runner, resolver, opts)
}

func newTestServerWithResolver(t *testing.T, runner *fakeRunner, resolver *fakeResolver, opts Options) *Server {
	t.Helper()
	fetcher := &fakeFetcher{page: scraper.Page{HTML: "<html><body><main><h1>Jazz Night</h1></main></body></html>", StatusCode: 200}}
	pipe := pipeline.New(fetcher, processor.New(processor.Options{}), nil, pipeline.Options{Clock: fakeClock{fixedNow}})
	opts.Logger = zap.NewNop()
	return NewServer(runner, resolver, pipe, opts)
}

type fakeRunner struct {
	mu        sync.Mutex
	submitted []scraper.Task
	tasks     map[string]scraper.Task
	err       error
	active    int
	queued    int
	counts    map[scraper.TaskStatus]int
	panics    bool
}

func (r *fakeRunner) Submit(_ context.Context, task scraper.Task) (scraper.Task, error) {
	if r.panics {
		panic("runner exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return scraper.Task{}, r.err
	}
	r.submitted = append(r.submitted, task)
	task.RequestID = fmt.Sprintf("req-%d", len(r.submitted))
	task.Status = scraper.TaskAccepted
	return task, nil
}

func (r *fakeRunner) Get(_ context.Context, requestID string) (scraper.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[requestID]
	if !ok {
		return scraper.Task{}, fmt.Errorf("get task: %w", scraper.ErrTaskNotFound)
	}
	return task, nil
}

func (r *fakeRunner) ActiveCount() int {
	return r.active
}

func (r *fakeRunner) QueueLength() int {
	return r.queued
}

func (r *fakeRunner) StatusCounts() map[scraper.TaskStatus]int {
	return r.counts
}

func (r *fakeRunner) submittedTasks() []scraper.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scraper.Task(nil), r.submitted...)
}

type fakeResolver struct {
	profile orgs.Profile
	err     error
}

func (r *fakeResolver) Resolve(context.Context, string) (orgs.Profile, error) {
	if r.err != nil {
		return orgs.Profile{}, r.err
	}
	return r.profile, nil
}

func (r *fakeResolver) Profiles() ([]scraper.OrgProfile, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []scraper.OrgProfile{r.profile.OrgProfile}, nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeFetcher struct{ page scraper.Page }

func (f *fakeFetcher) Fetch(_ context.Context, req scraper.FetchRequest) (scraper.Page, error) {
	page := f.page
	page.URL = req.URL
	return page, nil
}

type fakeExtractor struct{ event scraper.Event }

func newFakeExtractor() *fakeExtractor {
	start := fixedNow.Add(72 * time.Hour)
	return &fakeExtractor{event: scraper.Event{
		Title:      "Jazz Night",
		Start:      &start,
		Tags:       []string{"music"},
		Confidence: scraper.Confidence(0.9),
	}}
}

func (f *fakeExtractor) Name() string         { return "fake" }
func (f *fakeExtractor) SupportsImages() bool { return true }

func (f *fakeExtractor) Extract(_ context.Context, req scraper.ExtractRequest) (scraper.Event, error) {
	ev := f.event.Clone()
	ev.SourceURL = req.URL
	return ev, nil
}

func (f *fakeExtractor) ExtractFromImage(context.Context, scraper.ImageRequest) (scraper.Event, error) {
	return f.event.Clone(), nil
}
