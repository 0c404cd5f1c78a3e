package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless fetcher not configured")

// Noop stands in for the browser when headless.enabled is false, so the
// fetch chain falls through to the static fetcher.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always returns ErrDisabled.
func (Noop) Fetch(_ context.Context, _ scraper.FetchRequest) (scraper.Page, error) {
	return scraper.Page{}, ErrDisabled
}
