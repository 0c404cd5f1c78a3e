// Package validate applies plausibility checks to extracted events.
//
// Validation warns but never rejects: every issue lowers the confidence score
// and leaves a note on the event.
package validate

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// Penalties applied per rule.
const (
	PenaltyMissingTitle = 0.3
	PenaltyStalePast    = 0.2
	PenaltyFarFuture    = 0.2
	PenaltyEndBefore    = 0.1

	// BaseConfidence is assumed when the extractor left the score unset.
	BaseConfidence = 0.5
)

const (
	pastWindow   = 365 * 24 * time.Hour
	futureWindow = 730 * 24 * time.Hour
	notePrefix   = "Validation: "
)

// Validate returns a copy of ev with validation penalties and notes applied.
// The input is not modified.
func Validate(ev scraper.Event, now time.Time) scraper.Event {
	out := ev.Clone()
	var penalty float64

	if out.Title == "" || out.Title == scraper.TitleExtractionFailed {
		out.AddNote(notePrefix + "missing or failed title.")
		penalty += PenaltyMissingTitle
	}

	if out.Start != nil {
		start := *out.Start
		if start.Before(now.Add(-pastWindow)) {
			out.AddNote(fmt.Sprintf("%sstart date %s is more than 1 year in the past.", notePrefix, start.Format(time.DateOnly)))
			penalty += PenaltyStalePast
		}
		if start.After(now.Add(futureWindow)) {
			out.AddNote(fmt.Sprintf("%sstart date %s is more than 2 years in the future.", notePrefix, start.Format(time.DateOnly)))
			penalty += PenaltyFarFuture
		}
		if out.End != nil && out.End.Before(start) {
			out.AddNote(fmt.Sprintf("%send %s is before start %s, removed end time.",
				notePrefix, out.End.Format(time.RFC3339), start.Format(time.RFC3339)))
			out.End = nil
			penalty += PenaltyEndBefore
		}
	}

	if penalty > 0 {
		current := out.ConfidenceOr(BaseConfidence)
		out.Confidence = scraper.Confidence(round2(math.Max(0, current-penalty)))
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
