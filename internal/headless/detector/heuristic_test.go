package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

func TestHeuristicNeedsRender(t *testing.T) {
	t.Parallel()

	article := "<html><body><main>" + strings.Repeat("<p>Concert in the park on Saturday.</p>", 40) + "</main></body></html>"
	tests := []struct {
		name string
		page scraper.Page
		want bool
	}{
		{"empty body", scraper.Page{StatusCode: 200}, true},
		{"next marker", scraper.Page{StatusCode: 200, HTML: `<div id="__next"></div>`}, true},
		{"noscript notice", scraper.Page{StatusCode: 200, HTML: article + "<noscript>Enable JavaScript to run this app.</noscript>"}, true},
		{"script heavy", scraper.Page{StatusCode: 200, HTML: `<html><script>var a=1;</script><p>t</p></html>`}, true},
		{"plain article", scraper.Page{StatusCode: 200, HTML: article}, false},
		{"non 200", scraper.Page{StatusCode: 404, HTML: "not found"}, false},
		{"already rendered", scraper.Page{StatusCode: 200, UsedHeadless: true}, false},
	}
	h := NewHeuristic(1000)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.NeedsRender(tc.page))
		})
	}
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2048, NewHeuristic(0).BodyLengthThreshold)
}

func TestScriptDensityMalformed(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh("<p>x</p><script src=a.js"))
	require.True(t, scriptDensityHigh("<p>x</p><script>var unterminated = 1;"))
	require.False(t, scriptDensityHigh(""))
	require.False(t, scriptDensityHigh("<p>no scripts here</p>"))
}
