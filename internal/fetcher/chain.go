// Package fetcher combines the headless and static fetchers into the
// single Fetcher the pipeline uses.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// Waiter applies per-host politeness before a fetch.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// HostBlocker refuses URLs whose host is not to be fetched.
type HostBlocker interface {
	Blocked(rawURL string) bool
}

// ErrBlockedHost is returned for URLs rejected by the blocklist.
var ErrBlockedHost = errors.New("host is blocked")

// ShellDetector flags static pages that need a browser to show content.
type ShellDetector interface {
	NeedsRender(page scraper.Page) bool
}

// Options configures a Chain. All fields are optional.
type Options struct {
	Limiter   Waiter
	Blocklist HostBlocker
	Detector  ShellDetector
	Logger    *zap.Logger
}

// Chain tries the headless fetcher first and falls back to the static one.
type Chain struct {
	browser  scraper.Fetcher
	static   scraper.Fetcher
	limiter  Waiter
	blocked  HostBlocker
	detector ShellDetector
	logger   *zap.Logger
}

// NewChain builds a Chain. Either fetcher may be nil, but not both.
func NewChain(browser, static scraper.Fetcher, opts Options) (*Chain, error) {
	if browser == nil && static == nil {
		return nil, errors.New("fetch chain needs at least one fetcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		browser:  browser,
		static:   static,
		limiter:  opts.Limiter,
		blocked:  opts.Blocklist,
		detector: opts.Detector,
		logger:   logger.Named("fetch"),
	}, nil
}

// Fetch returns the first page with content. It fails with
// scraper.ErrNoContent only when no fetcher produced any.
func (c *Chain) Fetch(ctx context.Context, request scraper.FetchRequest) (scraper.Page, error) {
	if c.blocked != nil && c.blocked.Blocked(request.URL) {
		return scraper.Page{}, fmt.Errorf("%w: %s", ErrBlockedHost, request.URL)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, request.URL); err != nil {
			return scraper.Page{}, err
		}
	}

	var errs []error
	for _, step := range []struct {
		name    string
		fetcher scraper.Fetcher
	}{
		{"headless", c.browser},
		{"static", c.static},
	} {
		if step.fetcher == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return scraper.Page{}, fmt.Errorf("fetch canceled: %w", err)
		}
		page, err := step.fetcher.Fetch(ctx, request)
		if errors.Is(err, headless.ErrDisabled) {
			continue
		}
		if err != nil {
			c.logger.Warn("fetcher failed",
				zap.String("fetcher", step.name),
				zap.String("request_id", request.RequestID),
				zap.String("url", request.URL),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		if !page.HasContent() {
			c.logger.Warn("fetcher returned no content",
				zap.String("fetcher", step.name),
				zap.String("request_id", request.RequestID),
				zap.String("url", request.URL))
			continue
		}
		if c.detector != nil && c.detector.NeedsRender(page) {
			page.Partial = true
		}
		return page, nil
	}

	if joined := errors.Join(errs...); joined != nil {
		return scraper.Page{}, fmt.Errorf("%w: %w", scraper.ErrNoContent, joined)
	}
	return scraper.Page{}, scraper.ErrNoContent
}
