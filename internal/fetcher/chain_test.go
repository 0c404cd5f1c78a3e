package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	headlessfetcher "github.com/JakeFAU/event-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/event-scraper/internal/headless/detector"
	"github.com/JakeFAU/event-scraper/internal/policy/blocklist"
	"github.com/JakeFAU/event-scraper/internal/scraper"
)

func TestChainPrefersHeadless(t *testing.T) {
	t.Parallel()

	headless := &fakeFetcher{page: scraper.Page{HTML: "<html>rendered</html>", UsedHeadless: true, StatusCode: 200}}
	static := &fakeFetcher{page: scraper.Page{HTML: "<html>static</html>", StatusCode: 200}}
	limiter := &fakeWaiter{}
	chain, err := NewChain(headless, static, Options{Limiter: limiter, Logger: zap.NewNop()})
	require.NoError(t, err)

	page, err := chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://example.com/e"})
	require.NoError(t, err)
	require.True(t, page.UsedHeadless)
	require.Equal(t, 1, headless.callCount())
	require.Zero(t, static.callCount())
	require.Equal(t, []string{"https://example.com/e"}, limiter.urls)
}

func TestChainFallsBackToStatic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		headless *fakeFetcher
	}{
		{"headless error", &fakeFetcher{err: errors.New("chrome missing")}},
		{"headless empty", &fakeFetcher{page: scraper.Page{UsedHeadless: true}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			static := &fakeFetcher{page: scraper.Page{HTML: "<html>static</html>", StatusCode: 200}}
			chain, err := NewChain(tc.headless, static, Options{})
			require.NoError(t, err)

			page, err := chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://example.com"})
			require.NoError(t, err)
			require.Equal(t, "<html>static</html>", page.HTML)
			require.Equal(t, 1, static.callCount())
		})
	}
}

func TestChainMarksShellPagesPartial(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{page: scraper.Page{HTML: `<div id="root"></div>`, StatusCode: 200}}
	chain, err := NewChain(nil, static, Options{Detector: detector.NewHeuristic(0)})
	require.NoError(t, err)

	page, err := chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.True(t, page.Partial)
}

func TestChainNoContent(t *testing.T) {
	t.Parallel()

	chain, err := NewChain(&fakeFetcher{err: errors.New("nav failed")}, &fakeFetcher{err: errors.New("404")}, Options{})
	require.NoError(t, err)
	_, err = chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, scraper.ErrNoContent)
	require.Contains(t, err.Error(), "nav failed")
	require.Contains(t, err.Error(), "404")

	chain, err = NewChain(&fakeFetcher{}, nil, Options{})
	require.NoError(t, err)
	_, err = chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, scraper.ErrNoContent)
}

func TestChainLimiterError(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{page: scraper.Page{HTML: "x"}}
	chain, err := NewChain(nil, static, Options{Limiter: &fakeWaiter{err: context.Canceled}})
	require.NoError(t, err)
	_, err = chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, static.callCount())
}

func TestChainSkipsDisabledBrowser(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{page: scraper.Page{HTML: "<html><body><h1>Gig</h1></body></html>", StatusCode: 200}}
	chain, err := NewChain(headlessfetcher.NewNoop(), static, Options{})
	require.NoError(t, err)

	page, err := chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://venue.example/gig"})
	require.NoError(t, err)
	require.Contains(t, page.HTML, "Gig")

	_, err = NewChain(headlessfetcher.NewNoop(), nil, Options{})
	require.NoError(t, err)
}

func TestChainRefusesBlockedHosts(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{page: scraper.Page{HTML: "<p>x</p>", StatusCode: 200}}
	limiter := &fakeWaiter{}
	chain, err := NewChain(nil, static, Options{
		Limiter:   limiter,
		Blocklist: blocklist.New([]string{"*.blocked.example"}),
	})
	require.NoError(t, err)

	_, err = chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://www.blocked.example/gig"})
	require.ErrorIs(t, err, ErrBlockedHost)
	require.Zero(t, static.callCount())
	require.Empty(t, limiter.urls)

	_, err = chain.Fetch(context.Background(), scraper.FetchRequest{URL: "https://open.example/gig"})
	require.NoError(t, err)
	require.Equal(t, 1, static.callCount())
}

func TestNewChainRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := NewChain(nil, nil, Options{})
	require.Error(t, err)
}

// --- fakes ---

type fakeFetcher struct {
	mu    sync.Mutex
	page  scraper.Page
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ scraper.FetchRequest) (scraper.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.page, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeWaiter struct {
	urls []string
	err  error
}

func (w *fakeWaiter) Wait(_ context.Context, rawURL string) error {
	w.urls = append(w.urls, rawURL)
	return w.err
}
