package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// RepairNote is recorded when the model output needed fixing before it parsed.
const RepairNote = "JSON parsing required repair."

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// errMalformed marks model output that could not be parsed even after repair.
var errMalformed = errors.New("malformed model output")

// wireEvent mirrors the JSON schema the prompts ask for.
type wireEvent struct {
	Title           *string         `json:"title"`
	Description     *string         `json:"description"`
	Start           *string         `json:"start_datetime"`
	End             *string         `json:"end_datetime"`
	Timezone        *string         `json:"timezone"`
	Location        *wireLocation   `json:"location"`
	Organizer       *wireOrganizer  `json:"organizer"`
	RegistrationURL *string         `json:"registration_url"`
	Price           json.RawMessage `json:"price"`
	Tags            json.RawMessage `json:"tags"`
	ImageURL        *string         `json:"image_url"`
	Confidence      json.RawMessage `json:"confidence_score"`
	Notes           json.RawMessage `json:"extraction_notes"`
}

type wireLocation struct {
	Type    *string `json:"type"`
	Venue   *string `json:"venue"`
	Address *string `json:"address"`
	City    *string `json:"city"`
	URL     *string `json:"url"`
}

type wireOrganizer struct {
	Name    *string `json:"name"`
	Contact *string `json:"contact"`
	URL     *string `json:"url"`
}

// CleanResponse strips code fences and a leading language tag from model output.
func CleanResponse(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if end := strings.Index(text, "```"); end >= 0 {
		text = text[:end]
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimPrefix(text, "JSON")
	return strings.TrimSpace(text)
}

// decodeJSON parses model output into a wireEvent, attempting one round of
// structural repair. repaired reports whether repair was needed.
func decodeJSON(text string) (wire wireEvent, repaired bool, err error) {
	text = CleanResponse(text)
	if err = json.Unmarshal([]byte(text), &wire); err == nil {
		return wire, false, nil
	}
	firstErr := err

	candidate := text
	if start := strings.Index(candidate, "{"); start > 0 {
		candidate = candidate[start:]
	}
	candidate = trailingComma.ReplaceAllString(candidate, "$1")
	for _, attempt := range repairCandidates(candidate) {
		wire = wireEvent{}
		if json.Unmarshal([]byte(attempt), &wire) == nil {
			return wire, true, nil
		}
	}
	return wireEvent{}, false, fmt.Errorf("%w: %v", errMalformed, firstErr)
}

func repairCandidates(text string) []string {
	out := []string{text}
	if last := strings.LastIndex(text, "}"); last >= 0 {
		out = append(out, text[:last+1])
	}
	if opens, closes := strings.Count(text, "{"), strings.Count(text, "}"); opens > closes {
		trimmed := strings.TrimRight(strings.TrimSpace(text), ",")
		out = append(out, trimmed+strings.Repeat("}", opens-closes))
	}
	return out
}

// ParseEvent decodes model output into an Event. Naive datetimes are read in
// loc. Unparseable datetimes are dropped with a note rather than failing.
func ParseEvent(text string, loc *time.Location) (scraper.Event, error) {
	wire, repaired, err := decodeJSON(text)
	if err != nil {
		return scraper.Event{}, err
	}
	ev := scraper.Event{
		Title:           deref(wire.Title),
		Description:     deref(wire.Description),
		Timezone:        deref(wire.Timezone),
		RegistrationURL: deref(wire.RegistrationURL),
		Price:           flexibleString(wire.Price),
		ImageURL:        deref(wire.ImageURL),
		Tags:            cleanTags(noteList(wire.Tags)),
	}
	if ev.Title == "" {
		ev.Title = scraper.TitleUnknown
	}
	if score, ok := flexibleFloat(wire.Confidence); ok {
		ev.Confidence = scraper.Confidence(clamp01(score))
	}
	if repaired {
		ev.AddNote(RepairNote)
	}
	for _, note := range noteList(wire.Notes) {
		ev.AddNote(note)
	}
	if wire.Start != nil && strings.TrimSpace(*wire.Start) != "" {
		if ts, perr := scraper.ParseTime(*wire.Start, loc); perr == nil {
			ev.Start = &ts
		} else {
			ev.AddNote(fmt.Sprintf("Dropped unparseable start_datetime %q.", *wire.Start))
		}
	}
	if wire.End != nil && strings.TrimSpace(*wire.End) != "" {
		if ts, perr := scraper.ParseTime(*wire.End, loc); perr == nil {
			ev.End = &ts
		} else {
			ev.AddNote(fmt.Sprintf("Dropped unparseable end_datetime %q.", *wire.End))
		}
	}
	if wire.Location != nil {
		place := scraper.Location{
			Type:    locationType(deref(wire.Location.Type)),
			Venue:   deref(wire.Location.Venue),
			Address: deref(wire.Location.Address),
			City:    deref(wire.Location.City),
			URL:     deref(wire.Location.URL),
		}
		if place != (scraper.Location{}) {
			ev.Location = &place
		}
	}
	if wire.Organizer != nil {
		org := scraper.Organizer{
			Name:    deref(wire.Organizer.Name),
			Contact: deref(wire.Organizer.Contact),
			URL:     deref(wire.Organizer.URL),
		}
		if org != (scraper.Organizer{}) {
			ev.Organizer = &org
		}
	}
	return ev, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func locationType(raw string) scraper.LocationType {
	switch t := scraper.LocationType(strings.ToLower(raw)); t {
	case scraper.LocationPhysical, scraper.LocationVirtual, scraper.LocationHybrid:
		return t
	default:
		return ""
	}
}

// flexibleString accepts a JSON string or number (models sometimes emit 20 for "$20").
func flexibleString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

// flexibleFloat accepts a JSON number or a numeric string such as "0.85".
func flexibleFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return n, true
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(n) {
		return 0, false
	}
	return n, true
}

// noteList accepts a string or a list of strings; used for notes and tags.
func noteList(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		if single = strings.TrimSpace(single); single != "" {
			return []string{single}
		}
		return nil
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return cleanTags(many)
	}
	return nil
}

func loadZone(name string) *time.Location {
	return scraper.LoadLocation(name)
}
