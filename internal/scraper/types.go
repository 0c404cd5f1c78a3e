// Package scraper defines core types shared across subsystems.
package scraper

import (
	"slices"
	"time"
)

// Title values with special meaning downstream.
const (
	TitleExtractionFailed = "Extraction Failed"
	TitleUnknown          = "Unknown Event"
)

// DefaultOrgID is the sentinel org identifier used when a caller supplies none.
const DefaultOrgID = "default"

// LocationType classifies where an event happens.
type LocationType string

// Location types accepted from extractors.
const (
	LocationPhysical LocationType = "physical"
	LocationVirtual  LocationType = "virtual"
	LocationHybrid   LocationType = "hybrid"
)

// Location describes the venue of an event.
type Location struct {
	Type    LocationType `json:"type"`
	Venue   string       `json:"venue,omitempty"`
	Address string       `json:"address,omitempty"`
	City    string       `json:"city,omitempty"`
	URL     string       `json:"url,omitempty"`
}

// Organizer describes who runs an event.
type Organizer struct {
	Name    string `json:"name,omitempty"`
	Contact string `json:"contact,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Event is the structured record extracted from a page or image.
type Event struct {
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Start           *time.Time `json:"start_datetime,omitempty"`
	End             *time.Time `json:"end_datetime,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	Location        *Location  `json:"location,omitempty"`
	Organizer       *Organizer `json:"organizer,omitempty"`
	RegistrationURL string     `json:"registration_url,omitempty"`
	Price           string     `json:"price,omitempty"`
	Tags            []string   `json:"tags"`
	ImageURL        string     `json:"image_url,omitempty"`
	SourceURL       string     `json:"source_url,omitempty"`
	Confidence      *float64   `json:"confidence_score,omitempty"`
	Notes           []string   `json:"extraction_notes,omitempty"`
}

// FailedEvent builds the failure-marked event returned when extraction gives up.
func FailedEvent(sourceURL, note string) Event {
	ev := Event{
		Title:      TitleExtractionFailed,
		SourceURL:  sourceURL,
		Tags:       []string{},
		Confidence: Confidence(0),
	}
	if note != "" {
		ev.Notes = []string{note}
	}
	return ev
}

// Confidence returns a pointer suitable for Event.Confidence.
func Confidence(v float64) *float64 {
	return &v
}

// ConfidenceOr returns the confidence score or def when unset.
func (e Event) ConfidenceOr(def float64) float64 {
	if e.Confidence == nil {
		return def
	}
	return *e.Confidence
}

// Failed reports whether the event carries the failure sentinel title.
func (e Event) Failed() bool {
	return e.Title == TitleExtractionFailed
}

// AddNote appends a note unless an identical one is already present.
func (e *Event) AddNote(note string) {
	if note == "" || slices.Contains(e.Notes, note) {
		return
	}
	e.Notes = append(e.Notes, note)
}

// Clone returns a deep copy so pipeline stages never share mutable state.
func (e Event) Clone() Event {
	cp := e
	if e.Start != nil {
		start := *e.Start
		cp.Start = &start
	}
	if e.End != nil {
		end := *e.End
		cp.End = &end
	}
	if e.Location != nil {
		loc := *e.Location
		cp.Location = &loc
	}
	if e.Organizer != nil {
		org := *e.Organizer
		cp.Organizer = &org
	}
	if e.Confidence != nil {
		cp.Confidence = Confidence(*e.Confidence)
	}
	cp.Tags = slices.Clone(e.Tags)
	cp.Notes = slices.Clone(e.Notes)
	return cp
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	RequestID         string
	URL               string
	IncludeScreenshot bool
	// Wait overrides the headless settle delay when positive.
	Wait time.Duration
}

// Page is the result returned by a Fetcher implementation.
type Page struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Title        string
	HTML         string
	Text         string
	Screenshot   []byte
	Partial      bool
	UsedHeadless bool
	Duration     time.Duration
}

// HasContent reports whether the fetch captured anything worth processing.
func (p Page) HasContent() bool {
	return p.HTML != "" || p.Text != ""
}

// Content is the processed view of a page handed to extractors.
type Content struct {
	// Structured is the first JSON-LD Event node found, or nil.
	Structured map[string]any
	Title      string
	Markdown   string
	Text       string
	// Combined is the model-ready rendering of all of the above.
	Combined string
}

// ExtractRequest is the input for text (plus optional screenshot) extraction.
type ExtractRequest struct {
	URL        string
	Content    string
	Screenshot []byte
	Timezone   string
}

// ImageRequest is the input for image-only extraction.
type ImageRequest struct {
	Image             []byte
	MIMEType          string
	SourceDescription string
	Timezone          string
}

// TaskStatus represents the lifecycle state of an extraction task.
type TaskStatus string

// Task status values. Completed and failed are terminal.
const (
	TaskAccepted   TaskStatus = "accepted"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseMode selects what a task reads.
type ParseMode string

// Parse modes accepted by the async endpoint.
const (
	ModeURL    ParseMode = "url"
	ModeImage  ParseMode = "image"
	ModeHybrid ParseMode = "hybrid"
)

// Task is one inbound extraction request tracked by the task runner.
type Task struct {
	RequestID         string     `json:"request_id"`
	URL               string     `json:"url,omitempty"`
	OrgID             string     `json:"org_id"`
	Mode              ParseMode  `json:"parse_mode"`
	CallbackURL       string     `json:"callback_url,omitempty"`
	ReferenceToken    string     `json:"reference_token,omitempty"`
	IncludeScreenshot bool       `json:"include_screenshot,omitempty"`
	WaitMillis        int        `json:"wait_time,omitempty"`
	Image             []byte     `json:"-"`
	ImageMIMEType     string     `json:"-"`
	Status            TaskStatus `json:"status"`
	Error             string     `json:"error,omitempty"`
	ResultURL         string     `json:"result_url,omitempty"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// CallbackPayload is delivered to the caller once a task reaches a terminal state.
type CallbackPayload struct {
	RequestID      string     `json:"request_id"`
	OrgID          string     `json:"org_id"`
	ReferenceToken string     `json:"reference_token,omitempty"`
	Status         TaskStatus `json:"status"`
	Event          *Event     `json:"event,omitempty"`
	ResultURL      string     `json:"result_url,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Attributes returns message attributes for publishers that support them.
func (p CallbackPayload) Attributes() map[string]string {
	return map[string]string{
		"request_id": p.RequestID,
		"org_id":     p.OrgID,
		"status":     string(p.Status),
	}
}

// QueueItem wraps a task ready to run.
type QueueItem struct {
	Task Task
	// Enqueued is when the item entered the queue.
	Enqueued time.Time
}
