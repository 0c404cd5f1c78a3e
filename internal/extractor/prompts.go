package extractor

import (
	"fmt"
	"strings"
	"time"
)

const eventSchema = `{
  "title": "string (required - the event name/title)",
  "description": "string or null (event description/details)",
  "start_datetime": "ISO 8601 datetime WITH timezone offset (e.g., '2026-01-20T18:30:00{{offset}}')",
  "end_datetime": "ISO 8601 datetime WITH timezone offset or null (e.g., '2026-01-20T21:00:00{{offset}}')",
  "timezone": "string or null (e.g., '{{zone}}', 'PST') - also include offset in datetimes above",
  "location": {
    "type": "physical" | "virtual" | "hybrid",
    "venue": "string or null (venue name)",
    "address": "string or null (full address)",
    "city": "string or null",
    "url": "string or null (for virtual events)"
  } or null,
  "organizer": {
    "name": "string or null",
    "contact": "string or null (email or phone)",
    "url": "string or null"
  } or null,
  "registration_url": "string or null (link to register/buy tickets)",
  "price": "string or null (e.g., 'Free', '$20', '$10-$25')",
  "tags": ["array", "of", "strings"],
  "image_url": "string or null (main event image URL)",
  "confidence_score": number between 0 and 1 (your confidence in this extraction),
  "extraction_notes": "string or null (any issues, ambiguities, or important notes)"
}`

// timeContext is the date information every prompt carries.
type timeContext struct {
	date   string
	year   int
	offset string
	zone   string
}

func newTimeContext(now time.Time, zone string) timeContext {
	local := now.In(loadZone(zone))
	return timeContext{
		date:   local.Format(time.DateOnly),
		year:   local.Year(),
		offset: local.Format("-07:00"),
		zone:   local.Location().String(),
	}
}

func (tc timeContext) schema() string {
	return strings.NewReplacer("{{offset}}", tc.offset, "{{zone}}", tc.zone).Replace(eventSchema)
}

func (tc timeContext) yearRules() string {
	return fmt.Sprintf(`   - Use %[1]d as the year unless a different year is explicitly shown
   - Exception: In Nov/Dec, if the event is for Jan/Feb without a year, use %[2]d
   - When in doubt, assume the current year (%[1]d)`, tc.year, tc.year+1)
}

func (tc timeContext) zoneRules(where string) string {
	return fmt.Sprintf(`   - ALWAYS include timezone offset in the datetime string (e.g., '2026-01-20T19:00:00%[1]s')
   - Default to %[2]s: %[1]s (current offset, accounts for DST)
   - Only use a different timezone if explicitly stated in the %[3]s`, tc.offset, tc.zone, where)
}

// BuildTextPrompt renders the page extraction prompt.
func BuildTextPrompt(pageURL, content, zone string, now time.Time) string {
	tc := newTimeContext(now, zone)
	var b strings.Builder
	b.WriteString("You are an expert at extracting structured event information from web pages.\n\n")
	fmt.Fprintf(&b, "Today's date is: %s\n\n", tc.date)
	fmt.Fprintf(&b, "I will provide you with content from a webpage at: %s\n\n", pageURL)
	b.WriteString("Your task is to extract event information and return it as valid JSON matching this exact schema:\n\n")
	b.WriteString(tc.schema())
	b.WriteString("\n\nIMPORTANT INSTRUCTIONS:\n")
	b.WriteString("1. Return ONLY valid JSON, no markdown code blocks or other text\n")
	b.WriteString("2. Use null for any fields you cannot determine\n")
	b.WriteString("3. For dates/times:\n")
	b.WriteString("   - PREFER dates found in the \"STRUCTURED EVENT DATA\" section if available - these are authoritative\n")
	b.WriteString(tc.yearRules())
	b.WriteString("\n4. For timezone:\n")
	b.WriteString(tc.zoneRules("content"))
	b.WriteString("\n5. If the page contains MULTIPLE events, extract the PRIMARY or FIRST event\n")
	b.WriteString("6. Set confidence_score based on how complete and certain the information is\n")
	b.WriteString("7. Use extraction_notes to explain any assumptions, missing data, or ambiguities\n\n")
	b.WriteString("WEBPAGE CONTENT:\n")
	b.WriteString(content)
	b.WriteString("\n\nReturn your JSON response now:")
	return b.String()
}

// BuildImagePrompt renders the poster/flyer extraction prompt.
func BuildImagePrompt(zone string, now time.Time) string {
	tc := newTimeContext(now, zone)
	var b strings.Builder
	b.WriteString("You are an expert at extracting event information from images such as event posters, ")
	b.WriteString("flyers, screenshots, and promotional materials.\n\n")
	fmt.Fprintf(&b, "Today's date is: %s\n\n", tc.date)
	b.WriteString("Analyze the attached image and extract event information. Return valid JSON matching this exact schema:\n\n")
	b.WriteString(tc.schema())
	b.WriteString("\n\nIMPORTANT INSTRUCTIONS:\n")
	b.WriteString("1. Return ONLY valid JSON, no markdown code blocks or other text\n")
	b.WriteString("2. Use null for any fields you cannot determine from the image\n")
	b.WriteString("3. For dates/times:\n")
	b.WriteString("   - If only a date is shown without time, set a reasonable time based on context (evening events ~19:00)\n")
	b.WriteString(tc.yearRules())
	b.WriteString("\n4. For timezone:\n")
	b.WriteString(tc.zoneRules("image"))
	b.WriteString("\n5. Read ALL text in the image carefully - event details are often in smaller text\n")
	b.WriteString("6. Set confidence_score LOWER if text is blurry, cut off, or you had to guess\n")
	b.WriteString("7. Use extraction_notes to document unreadable text and assumptions\n\n")
	b.WriteString("Return your JSON response now:")
	return b.String()
}
