package pipeline

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

const overrideNotePrefix = "JSON-LD overrides: "

// ApplyStructuredOverrides replaces model-extracted dates, venue, address and
// organizer with values from a JSON-LD Event node when those values are
// substantive. Applying it twice with the same data yields the same Event.
// ownNames are names that identify the hosting site rather than the event
// (e.g. "Eventbrite"); values equal to one of them are ignored.
func ApplyStructuredOverrides(ev scraper.Event, data map[string]any, loc *time.Location, ownNames ...string) scraper.Event {
	out := ev.Clone()
	if len(data) == 0 {
		return out
	}
	var fields []string
	add := func(field string) {
		if !slices.Contains(fields, field) {
			fields = append(fields, field)
		}
	}

	if ts, ok := structuredTime(data["startDate"], loc); ok {
		out.Start = &ts
		add("dates")
	}
	if ts, ok := structuredTime(data["endDate"], loc); ok {
		out.End = &ts
		add("dates")
	}

	if place, ok := data["location"].(map[string]any); ok {
		if venue := stringField(place, "name"); substantive(venue, ownNames) {
			ensureLocation(&out).Venue = venue
			add("venue")
		}
		if address := ParseAddress(place["address"]); substantive(address, ownNames) {
			ensureLocation(&out).Address = address
			add("address")
		}
	}

	if organizer, ok := data["organizer"].(map[string]any); ok {
		if name := stringField(organizer, "name"); substantive(name, ownNames) {
			if out.Organizer == nil {
				out.Organizer = &scraper.Organizer{}
			}
			out.Organizer.Name = name
			add("organizer")
		}
	}

	if len(fields) > 0 {
		note := overrideNotePrefix + strings.Join(fields, ", ") + "."
		if !slices.Contains(out.Notes, note) {
			out.Notes = append([]string{note}, out.Notes...)
		}
	}
	return out
}

// ParseAddress normalizes a JSON-LD address given as a string or a
// PostalAddress object into a single line.
func ParseAddress(raw any) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		var parts []string
		for _, key := range []string{"streetAddress", "addressLocality", "addressRegion"} {
			if part := stringField(v, key); part != "" {
				parts = append(parts, part)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// HostLabel returns the registrable-looking label of a URL host
// ("www.eventbrite.com" -> "eventbrite").
func HostLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	labels := strings.Split(strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."), ".")
	if len(labels) >= 2 {
		return labels[len(labels)-2]
	}
	return labels[0]
}

func structuredTime(raw any, loc *time.Location) (time.Time, bool) {
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}
	ts, err := scraper.ParseTime(strings.Replace(s, ".000", "", 1), loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func substantive(value string, ownNames []string) bool {
	if len([]rune(value)) <= 1 {
		return false
	}
	for _, own := range ownNames {
		if own != "" && strings.EqualFold(strings.TrimSpace(own), value) {
			return false
		}
	}
	return true
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

func ensureLocation(ev *scraper.Event) *scraper.Location {
	if ev.Location == nil {
		ev.Location = &scraper.Location{Type: scraper.LocationPhysical}
	}
	return ev.Location
}
