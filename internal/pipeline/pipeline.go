// Package pipeline composes fetch, content processing, extraction,
// structured-data overrides and validation into one run per request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/scraper"
	"github.com/JakeFAU/event-scraper/internal/validate"
)

// LowConfidence is the score below which a successful result carries a warning.
const LowConfidence = 0.3

// ImageIgnoredNote marks a hybrid request whose provider cannot read images.
const ImageIgnoredNote = "Uploaded image not read: provider is text-only."

// Stages reported in result metadata.
const (
	StageFetch      = "fetch"
	StageExtraction = "llm_extraction"
	StageImage      = "image_extraction"
	StageCompleted  = "completed"
	StageUnknown    = "unknown"
)

// ContentProcessor turns fetched HTML into model-ready content.
type ContentProcessor interface {
	Process(html, fallbackText, pageURL string) scraper.Content
}

// Request describes one page run.
type Request struct {
	URL               string
	Timezone          string
	IncludeScreenshot bool
	// OwnerNames are names of the hosting organization; structured values
	// equal to one of them are not treated as authoritative.
	OwnerNames []string
	// Wait extends how long the headless fetcher lets the page settle.
	Wait time.Duration
	// Image is an uploaded flyer read alongside the page (hybrid mode).
	Image         []byte
	ImageMIMEType string
}

// Result is the outcome of one run. Event may be nil when nothing was fetched.
type Result struct {
	Success  bool           `json:"success"`
	Event    *scraper.Event `json:"event"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Options configure a Pipeline.
type Options struct {
	Logger *zap.Logger
	Clock  scraper.Clock
}

// Pipeline runs the extraction stages against an injected Extractor.
type Pipeline struct {
	fetcher   scraper.Fetcher
	processor ContentProcessor
	extractor scraper.Extractor
	logger    *zap.Logger
	clock     scraper.Clock
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New constructs a Pipeline.
func New(fetcher scraper.Fetcher, processor ContentProcessor, extractor scraper.Extractor, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	return &Pipeline{
		fetcher:   fetcher,
		processor: processor,
		extractor: extractor,
		logger:    opts.Logger,
		clock:     opts.Clock,
	}
}

// WithExtractor returns a copy of the pipeline bound to another extractor.
func (p *Pipeline) WithExtractor(extractor scraper.Extractor) *Pipeline {
	cp := *p
	cp.extractor = extractor
	return &cp
}

// Run executes fetch -> process -> extract -> overrides -> validate.
// It never returns an error: every failure is folded into the Result.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result) {
	mode := "url"
	if len(req.Image) > 0 {
		mode = "hybrid"
	}
	meta := map[string]any{
		"url":                 req.URL,
		"parse_mode":          mode,
		"screenshot_included": req.IncludeScreenshot,
	}
	logger := p.logger.With(zap.String("url", req.URL))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panic", zap.Any("panic", r))
			meta["stage"] = StageUnknown
			meta["exception"] = fmt.Sprint(r)
			res = Result{Error: fmt.Sprintf("unexpected error in scraping pipeline: %v", r), Metadata: meta}
		}
	}()

	page, err := p.fetcher.Fetch(ctx, scraper.FetchRequest{
		URL:               req.URL,
		IncludeScreenshot: req.IncludeScreenshot,
		Wait:              req.Wait,
	})
	if err != nil || !page.HasContent() {
		if err == nil {
			err = scraper.ErrNoContent
		}
		logger.Warn("fetch failed", zap.Error(err))
		meta["stage"] = StageFetch
		return Result{Error: err.Error(), Metadata: meta}
	}
	meta["page_title"] = page.Title
	meta["partial_fetch"] = page.Partial
	meta["used_headless"] = page.UsedHeadless

	content := p.processor.Process(page.HTML, page.Text, req.URL)
	meta["content_length"] = len(content.Combined)
	meta["structured_data"] = content.Structured != nil

	loc := scraper.LoadLocation(req.Timezone)
	ev := p.extract(ctx, logger, req, page, content)
	if content.Structured != nil {
		owners := append([]string{HostLabel(req.URL)}, req.OwnerNames...)
		ev = ApplyStructuredOverrides(ev, content.Structured, loc, owners...)
	}
	if ev.Timezone == "" && !ev.Failed() {
		ev.Timezone = loc.String()
	}
	ev = validate.Validate(ev, p.clock.Now())
	return classify(ev, meta, StageExtraction, "LLM extraction failed", "Low confidence extraction - data may be incomplete")
}

func (p *Pipeline) extract(
	ctx context.Context,
	logger *zap.Logger,
	req Request,
	page scraper.Page,
	content scraper.Content,
) scraper.Event {
	ev, err := p.extractor.Extract(ctx, scraper.ExtractRequest{
		URL:        req.URL,
		Content:    content.Combined,
		Screenshot: page.Screenshot,
		Timezone:   req.Timezone,
	})
	if err != nil {
		logger.Warn("extractor unavailable", zap.Error(err))
		return unavailableEvent(req.URL, err)
	}
	image, mime, label := page.Screenshot, "image/png", "page screenshot"
	uploaded := len(req.Image) > 0
	if uploaded {
		image, mime, label = req.Image, req.ImageMIMEType, "uploaded image"
	}
	if uploaded && !p.extractor.SupportsImages() {
		ev.AddNote(ImageIgnoredNote)
		return ev
	}
	// An uploaded image is always read; a screenshot only fills gaps.
	if len(image) == 0 || !p.extractor.SupportsImages() || (!uploaded && !ev.Failed() && ev.Start != nil) {
		return ev
	}

	imageEv, err := p.extractor.ExtractFromImage(ctx, scraper.ImageRequest{
		Image:             image,
		MIMEType:          mime,
		SourceDescription: label + " of " + req.URL,
		Timezone:          req.Timezone,
	})
	if err != nil || imageEv.Failed() {
		return ev
	}
	logger.Debug("supplementing text extraction", zap.String("image", label))
	return mergeEvents(ev, imageEv, req.URL, label)
}

// AnalyzeImage runs image-only extraction and validation.
func (p *Pipeline) AnalyzeImage(ctx context.Context, req scraper.ImageRequest) (res Result) {
	meta := map[string]any{
		"parse_mode":         "image",
		"source_description": req.SourceDescription,
		"image_size":         len(req.Image),
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("image analysis panic", zap.Any("panic", r))
			meta["stage"] = StageUnknown
			res = Result{Error: fmt.Sprintf("unexpected error in image analysis: %v", r), Metadata: meta}
		}
	}()

	ev, err := p.extractor.ExtractFromImage(ctx, req)
	if err != nil {
		ev = unavailableEvent("", err)
	}
	if ev.Timezone == "" && !ev.Failed() {
		ev.Timezone = scraper.LoadLocation(req.Timezone).String()
	}
	ev = validate.Validate(ev, p.clock.Now())
	return classify(ev, meta, StageImage, "Image extraction failed", "Low confidence extraction - image may be unclear")
}

func classify(ev scraper.Event, meta map[string]any, failStage, failMsg, lowMsg string) Result {
	meta["confidence_score"] = ev.ConfidenceOr(0)
	if ev.Failed() {
		meta["stage"] = failStage
		return Result{Event: &ev, Error: failMsg, Metadata: meta}
	}
	meta["stage"] = StageCompleted
	if ev.Confidence != nil && *ev.Confidence < LowConfidence {
		meta["warning"] = "low_confidence"
		return Result{Success: true, Event: &ev, Error: lowMsg, Metadata: meta}
	}
	return Result{Success: true, Event: &ev, Metadata: meta}
}

func unavailableEvent(sourceURL string, err error) scraper.Event {
	note := "Extraction unavailable."
	if err != nil && !errors.Is(err, scraper.ErrExtractionUnavailable) {
		note = "Extraction unavailable: " + err.Error()
	}
	return scraper.FailedEvent(sourceURL, note)
}

// mergeEvents fills empty fields of primary from secondary and keeps the
// higher confidence.
func mergeEvents(primary, secondary scraper.Event, sourceURL, label string) scraper.Event {
	if primary.Failed() {
		out := secondary.Clone()
		out.SourceURL = sourceURL
		out.AddNote("Extracted from " + label + " after text extraction failed.")
		return out
	}
	out := primary.Clone()
	fillString(&out.Title, secondary.Title, scraper.TitleUnknown)
	fillString(&out.Description, secondary.Description, "")
	fillString(&out.Price, secondary.Price, "")
	fillString(&out.RegistrationURL, secondary.RegistrationURL, "")
	fillString(&out.ImageURL, secondary.ImageURL, "")
	fillString(&out.Timezone, secondary.Timezone, "")
	if out.Start == nil && secondary.Start != nil {
		start := *secondary.Start
		out.Start = &start
		if out.End == nil && secondary.End != nil {
			end := *secondary.End
			out.End = &end
		}
	}
	if out.Location == nil && secondary.Location != nil {
		loc := *secondary.Location
		out.Location = &loc
	}
	if out.Organizer == nil && secondary.Organizer != nil {
		org := *secondary.Organizer
		out.Organizer = &org
	}
	if len(out.Tags) == 0 {
		out.Tags = append([]string(nil), secondary.Tags...)
	}
	if secondary.ConfidenceOr(0) > out.ConfidenceOr(0) {
		out.Confidence = scraper.Confidence(secondary.ConfidenceOr(0))
	}
	out.AddNote("Supplemented with details read from the " + label + ".")
	return out
}

func fillString(dst *string, src, placeholder string) {
	if (*dst == "" || *dst == placeholder) && src != "" && src != placeholder {
		*dst = src
	}
}
