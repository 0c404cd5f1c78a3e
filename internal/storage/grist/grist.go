// Package grist writes events as rows in a Grist document table.
package grist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// DefaultAPIURL is used when a storage target names no api_url.
const DefaultAPIURL = "https://docs.getgrist.com"

const naiveLayout = "2006-01-02T15:04:05"

// Options configure a Store.
type Options struct {
	HTTPClient *http.Client
	Clock      scraper.Clock
}

// Store implements scraper.Store against the Grist records API.
type Store struct {
	client *http.Client
	now    func() time.Time
}

// New constructs a Store.
func New(opts Options) *Store {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	now := time.Now
	if opts.Clock != nil {
		now = opts.Clock.Now
	}
	return &Store{client: client, now: now}
}

type recordsRequest struct {
	Records []record `json:"records"`
}

type record struct {
	Fields map[string]any `json:"fields"`
}

type recordsResponse struct {
	Records []struct {
		ID int64 `json:"id"`
	} `json:"records"`
}

// Save appends one row and returns the UI link to it.
func (s *Store) Save(ctx context.Context, event scraper.Event, target scraper.StorageTarget) (string, error) {
	if target.APIKey == "" {
		return "", fmt.Errorf("grist api_key is required")
	}
	if target.DocID == "" {
		return "", fmt.Errorf("grist doc_id is required")
	}
	table := target.TableName
	if table == "" {
		table = "Events"
	}
	base := target.APIURL
	if base == "" {
		base = DefaultAPIURL
	}
	endpoint, err := url.JoinPath(base, "api", "docs", target.DocID, "tables", table, "records")
	if err != nil {
		return "", fmt.Errorf("build grist url: %w", err)
	}

	payload, err := json.Marshal(recordsRequest{Records: []record{{Fields: Fields(event, s.now())}}})
	if err != nil {
		return "", fmt.Errorf("marshal grist record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create grist request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+target.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("grist request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read grist response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("grist returned %d: %s", resp.StatusCode, excerpt(body))
	}
	var decoded recordsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode grist response: %w", err)
	}
	if len(decoded.Records) == 0 {
		return "", fmt.Errorf("grist response contained no records")
	}
	return RecordURL(target, decoded.Records[0].ID), nil
}

// Fields maps an event to Grist column values. Empty values are omitted and
// datetimes are written without an offset, as Grist stores them naive.
func Fields(event scraper.Event, created time.Time) map[string]any {
	fields := map[string]any{
		"Title":     event.Title,
		"CreatedAt": created.UTC().Format(time.RFC3339),
	}
	set := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	set("Description", event.Description)
	set("Timezone", event.Timezone)
	set("RegistrationURL", event.RegistrationURL)
	set("Price", event.Price)
	set("ImageURL", event.ImageURL)
	set("SourceURL", event.SourceURL)
	if event.Start != nil {
		fields["StartDatetime"] = event.Start.Format(naiveLayout)
	}
	if event.End != nil {
		fields["EndDatetime"] = event.End.Format(naiveLayout)
	}
	if loc := event.Location; loc != nil {
		set("Venue", loc.Venue)
		set("Address", loc.Address)
		set("City", loc.City)
		set("LocationType", string(loc.Type))
	}
	if event.Organizer != nil {
		set("OrganizerName", event.Organizer.Name)
	}
	if len(event.Tags) > 0 {
		fields["Tags"] = strings.Join(event.Tags, ", ")
	}
	if event.Confidence != nil {
		fields["Confidence"] = *event.Confidence
	}
	return fields
}

// RecordURL builds the browser link for a row from the target's UI settings.
func RecordURL(target scraper.StorageTarget, rowID int64) string {
	host := target.UIHost
	if host == "" {
		host = strings.TrimPrefix(DefaultAPIURL, "https://")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	doc := target.UIDocID
	if doc == "" {
		doc = target.DocID
	}
	page := target.UIPageName
	if page == "" {
		page = target.TableName
	}
	return strings.TrimRight(host, "/") + "/" + doc + "/" + url.PathEscape(page) + "#a1.r" + strconv.FormatInt(rowID, 10)
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
