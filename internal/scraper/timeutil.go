package scraper

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTimezone applies when an org profile or request names none.
const DefaultTimezone = "America/Los_Angeles"

var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime parses the datetime shapes seen in model output and JSON-LD.
// Values without an offset are interpreted in loc.
func ParseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	if loc == nil {
		loc = time.UTC
	}
	value = strings.Replace(value, ".000", "", 1)
	for _, layout := range offsetLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", value)
}

// LoadLocation resolves an IANA zone name, falling back to DefaultTimezone.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if fallback, ferr := time.LoadLocation(DefaultTimezone); ferr == nil {
			return fallback
		}
		return time.UTC
	}
	return loc
}
