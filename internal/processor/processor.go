// Package processor turns raw page HTML into model-ready content.
//
// It pulls JSON-LD Event markup out of the page and renders the main content
// as markdown plus visible text. Malformed markup is skipped, never raised.
package processor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// DefaultMaxChars bounds the combined content handed to extractors.
const DefaultMaxChars = 30000

const (
	structuredHeader = "=== STRUCTURED EVENT DATA (JSON-LD) ==="
	markdownHeader   = "=== PAGE CONTENT ==="
	textHeader       = "=== PAGE TEXT ==="
)

var (
	noiseSelectors = "script, style, noscript, nav, footer, header, iframe, svg, form"
	blankLines     = regexp.MustCompile(`\n{3,}`)
	spaceRuns      = regexp.MustCompile(`[ \t]+`)
)

// Processor extracts structured data and cleaned text from HTML.
type Processor struct {
	maxChars  int
	converter *md.Converter
	logger    *zap.Logger
}

// Options configure a Processor.
type Options struct {
	MaxChars int
	Logger   *zap.Logger
}

// New constructs a Processor.
func New(opts Options) *Processor {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	conv.Remove("script", "style", "noscript", "iframe", "svg", "form")
	return &Processor{
		maxChars:  opts.MaxChars,
		converter: conv,
		logger:    opts.Logger,
	}
}

// Process builds the Content view for a fetched page. fallbackText is used
// when the HTML yields no visible text (e.g. partial headless captures).
func (p *Processor) Process(html, fallbackText, pageURL string) scraper.Content {
	var content scraper.Content
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		p.logger.Debug("html parse failed", zap.String("url", pageURL), zap.Error(err))
		content.Text = normalizeText(fallbackText)
		content.Combined = p.combine(content)
		return content
	}

	content.Structured = p.structuredEvent(doc, pageURL)
	content.Title = strings.TrimSpace(doc.Find("title").First().Text())

	main := mainContent(doc)
	main.Find(noiseSelectors).Remove()
	if mainHTML, err := goquery.OuterHtml(main); err == nil {
		if markdown, err := p.converter.ConvertString(mainHTML); err == nil {
			content.Markdown = strings.TrimSpace(blankLines.ReplaceAllString(markdown, "\n\n"))
		} else {
			p.logger.Debug("markdown conversion failed", zap.String("url", pageURL), zap.Error(err))
		}
	}
	content.Text = normalizeText(main.Text())
	if content.Text == "" {
		content.Text = normalizeText(fallbackText)
	}
	content.Combined = p.combine(content)
	return content
}

// structuredEvent returns the first JSON-LD Event node in doc, or nil.
func (p *Processor) structuredEvent(doc *goquery.Document, pageURL string) map[string]any {
	var found map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}
		var payload any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			p.logger.Debug("skipping malformed json-ld", zap.String("url", pageURL), zap.Error(err))
			return true
		}
		found = findEvent(payload)
		return found == nil
	})
	return found
}

// findEvent walks arrays and @graph containers for the first Event-typed node.
func findEvent(node any) map[string]any {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if ev := findEvent(item); ev != nil {
				return ev
			}
		}
	case map[string]any:
		if isEventType(v["@type"]) {
			return v
		}
		if graph, ok := v["@graph"]; ok {
			return findEvent(graph)
		}
	}
	return nil
}

func isEventType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.HasSuffix(v, "Event")
	case []any:
		for _, item := range v {
			if isEventType(item) {
				return true
			}
		}
	}
	return false
}

func mainContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"main", "article", "[role=main]", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return doc.Selection
}

func normalizeText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func (p *Processor) combine(c scraper.Content) string {
	var b strings.Builder
	if c.Structured != nil {
		if raw, err := json.MarshalIndent(c.Structured, "", "  "); err == nil {
			fmt.Fprintf(&b, "%s\n%s\n\n", structuredHeader, raw)
		}
	}
	if c.Title != "" {
		fmt.Fprintf(&b, "Page title: %s\n\n", c.Title)
	}
	if c.Markdown != "" {
		fmt.Fprintf(&b, "%s\n%s\n\n", markdownHeader, c.Markdown)
	}
	if c.Text != "" && c.Text != c.Markdown {
		fmt.Fprintf(&b, "%s\n%s\n", textHeader, c.Text)
	}
	return truncate(strings.TrimSpace(b.String()), p.maxChars)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "") + "\n[content truncated]"
}
