// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

const (
	defaultNavTimeout = 30 * time.Second
	captureTimeout    = 15 * time.Second
	// PNG is produced only at quality 100.
	screenshotQuality = 100
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to wait after navigation for dynamic content.
	Settle time.Duration
	// Screenshots gates FetchRequest.IncludeScreenshot globally.
	Screenshots bool
}

// Fetcher implements scraper.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the page in an isolated browser tab.
//
// A navigation timeout or error does not fail the fetch: whatever DOM and
// text the tab holds are captured and returned with Partial set.
func (f *Fetcher) Fetch(ctx context.Context, request scraper.FetchRequest) (scraper.Page, error) {
	if err := f.acquire(ctx); err != nil {
		return scraper.Page{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	// The browser is bound to taskCtx; navigation runs on a shorter child.
	if err := chromedp.Run(taskCtx); err != nil {
		return scraper.Page{}, fmt.Errorf("start browser: %w", err)
	}

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	navErr := f.navigate(taskCtx, request.URL)
	if ctx.Err() != nil {
		return scraper.Page{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
	}

	if err := sleepContext(taskCtx, f.settleDelay(request)); err != nil {
		return scraper.Page{}, fmt.Errorf("headless settle: %w", err)
	}

	page, err := f.capture(taskCtx)
	if err != nil {
		if navErr != nil {
			return scraper.Page{}, errors.Join(navErr, err)
		}
		return scraper.Page{}, err
	}
	page.URL = request.URL
	page.Partial = navErr != nil
	page.UsedHeadless = true

	if request.IncludeScreenshot && f.cfg.Screenshots {
		page.Screenshot = f.screenshot(taskCtx)
	}

	status, finalURL := meta.snapshotWithFallbacks(request.URL, page.FinalURL)
	page.StatusCode = status
	page.FinalURL = finalURL
	page.Duration = time.Since(start)
	return page, nil
}

func (f *Fetcher) navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, f.navTimeout())
	defer cancel()

	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	return nil
}

func (f *Fetcher) capture(ctx context.Context) (scraper.Page, error) {
	captureCtx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	var page scraper.Page
	actions := []chromedp.Action{
		chromedp.Location(&page.FinalURL),
		chromedp.Title(&page.Title),
		chromedp.OuterHTML("html", &page.HTML, chromedp.ByQuery),
		chromedp.Evaluate(`document.body ? (document.body.innerText || "") : ""`, &page.Text),
	}
	if err := chromedp.Run(captureCtx, actions...); err != nil {
		return scraper.Page{}, fmt.Errorf("chromedp capture: %w", err)
	}
	return page, nil
}

// screenshot is best-effort; failures yield nil.
func (f *Fetcher) screenshot(ctx context.Context) []byte {
	shotCtx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, screenshotQuality)); err != nil {
		return nil
	}
	return buf
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks prefers the tab location over the last document
// response, since redirects and client-side navigation both update it.
func (m *responseMeta) snapshotWithFallbacks(requestURL, location string) (int, string) {
	status, url := m.snapshot()
	switch {
	case location != "" && location != "about:blank":
		url = location
	case url != "":
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func (f *Fetcher) settleDelay(request scraper.FetchRequest) time.Duration {
	if request.Wait > 0 {
		return request.Wait
	}
	return f.cfg.Settle
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
