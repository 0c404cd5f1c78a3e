// Package extractor turns processed page content into structured events by
// prompting a language model.
//
// Engine owns everything provider-neutral: prompt building, retry with
// backoff, response repair and parsing, and conversion of failures into
// failure-marked events. Provider packages supply a Backend.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/metrics"
	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// Defaults for the retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
)

const lastResponseLimit = 300

// GenerateRequest is one model call.
type GenerateRequest struct {
	Prompt   string
	Image    []byte
	MIMEType string
}

// Backend is a single language-model provider.
type Backend interface {
	Name() string
	SupportsImages() bool
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Options configure an Engine.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *zap.Logger
	Clock       scraper.Clock
	// OnRetry observes every scheduled retry.
	OnRetry func(RetryEvent)
}

// Engine implements scraper.Extractor on top of a Backend.
type Engine struct {
	backend Backend
	policy  retryPolicy
	logger  *zap.Logger
	clock   scraper.Clock
	onRetry func(RetryEvent)
}

var _ scraper.Extractor = (*Engine)(nil)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New wires an Engine around backend.
func New(backend Backend, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	return &Engine{
		backend: backend,
		policy:  retryPolicy{maxAttempts: opts.MaxAttempts, baseDelay: opts.BaseDelay},
		logger:  opts.Logger.With(zap.String("provider", backendName(backend))),
		clock:   opts.Clock,
		onRetry: opts.OnRetry,
	}
}

func backendName(b Backend) string {
	if b == nil {
		return "none"
	}
	return b.Name()
}

// Name returns the provider name.
func (e *Engine) Name() string {
	return backendName(e.backend)
}

// SupportsImages reports whether the provider accepts image input.
func (e *Engine) SupportsImages() bool {
	return e.backend != nil && e.backend.SupportsImages()
}

// Extract runs text extraction, attaching the screenshot for vision backends.
func (e *Engine) Extract(ctx context.Context, req scraper.ExtractRequest) (scraper.Event, error) {
	if e.backend == nil {
		return scraper.Event{}, scraper.ErrExtractionUnavailable
	}
	call := GenerateRequest{Prompt: BuildTextPrompt(req.URL, req.Content, req.Timezone, e.clock.Now())}
	if len(req.Screenshot) > 0 && e.backend.SupportsImages() {
		call.Image = req.Screenshot
		call.MIMEType = http.DetectContentType(req.Screenshot)
	}
	ev, err := e.generate(ctx, call, req.Timezone, req.URL)
	if err != nil {
		return ev, err
	}
	ev.SourceURL = req.URL
	return ev, nil
}

// ExtractFromImage runs poster/flyer extraction. Text-only providers return a
// low-confidence event with a note.
func (e *Engine) ExtractFromImage(ctx context.Context, req scraper.ImageRequest) (scraper.Event, error) {
	if e.backend == nil {
		return scraper.Event{}, scraper.ErrExtractionUnavailable
	}
	if !e.backend.SupportsImages() {
		ev := scraper.Event{
			Title:      scraper.TitleUnknown,
			Tags:       []string{},
			Confidence: scraper.Confidence(0.1),
		}
		ev.AddNote(fmt.Sprintf("Image extraction not supported by provider %q; submit a URL with text content instead.", e.Name()))
		if req.SourceDescription != "" {
			ev.AddNote("Source: " + req.SourceDescription + ".")
		}
		metrics.ObserveExtraction(e.Name(), "unsupported")
		return ev, nil
	}
	if len(req.Image) == 0 {
		metrics.ObserveExtraction(e.Name(), "failed")
		return scraper.FailedEvent("", "No image data supplied."), nil
	}
	mime := req.MIMEType
	if mime == "" {
		mime = http.DetectContentType(req.Image)
	}
	call := GenerateRequest{Prompt: BuildImagePrompt(req.Timezone, e.clock.Now()), Image: req.Image, MIMEType: mime}
	ev, err := e.generate(ctx, call, req.Timezone, "")
	if err != nil {
		return ev, err
	}
	if req.SourceDescription != "" && !ev.Failed() {
		ev.Notes = append([]string{"Source: " + req.SourceDescription + "."}, ev.Notes...)
	}
	return ev, nil
}

// generate calls the backend with retries and parses the response. Provider
// and parse failures become failure-marked events; the returned error is only
// ever ErrExtractionUnavailable.
func (e *Engine) generate(ctx context.Context, call GenerateRequest, zone, sourceURL string) (scraper.Event, error) {
	provider := e.Name()
	var lastResponse string
	raw, err := e.policy.run(ctx, func() (string, error) {
		out, err := e.backend.Generate(ctx, call)
		if err != nil {
			return "", err
		}
		lastResponse = out
		return out, nil
	}, func(ev RetryEvent) {
		ev.Provider = provider
		metrics.ObserveProviderRetry(provider, ev.Reason)
		e.logger.Warn("provider call failed, retrying",
			zap.String("reason", ev.Reason),
			zap.Int("attempt", ev.Attempt),
			zap.Duration("delay", ev.Delay),
			zap.Error(ev.Err),
		)
		if e.onRetry != nil {
			e.onRetry(ev)
		}
	})
	if err != nil {
		metrics.ObserveExtraction(provider, "failed")
		e.logger.Error("extraction failed", zap.String("url", sourceURL), zap.Error(err))
		return scraper.FailedEvent(sourceURL, failureNote(err, lastResponse)), nil
	}

	ev, err := ParseEvent(raw, loadZone(zone))
	if err != nil {
		metrics.ObserveExtraction(provider, "malformed")
		e.logger.Warn("model output could not be parsed", zap.String("url", sourceURL), zap.Error(err))
		return scraper.FailedEvent(sourceURL, failureNote(err, raw)), nil
	}
	metrics.ObserveExtraction(provider, "success")
	return ev, nil
}

func failureNote(err error, lastResponse string) string {
	note := "Extraction failed: " + err.Error()
	if errors.Is(err, errMalformed) {
		note = "Model returned malformed JSON that could not be repaired."
	}
	if lastResponse != "" {
		if len(lastResponse) > lastResponseLimit {
			lastResponse = lastResponse[:lastResponseLimit]
		}
		note += " Last response: " + lastResponse
	}
	return note
}
