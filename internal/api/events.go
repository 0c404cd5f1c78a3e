package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/orgs"
	"github.com/JakeFAU/event-scraper/internal/pipeline"
	"github.com/JakeFAU/event-scraper/internal/scraper"
	"github.com/JakeFAU/event-scraper/internal/tasks"
)

type extractRequest struct {
	URL            string `json:"url"`
	OrgID          string `json:"org_id"`
	CallbackURL    string `json:"callback_url"`
	ReferenceToken string `json:"reference_token"`
	// ClientReferenceID is the older name for ReferenceToken.
	ClientReferenceID string `json:"client_reference_id"`
	ParseMode         string `json:"parse_mode"`
	ImageBase64       string `json:"image_base64"`
	MIMEType          string `json:"mime_type"`
	IncludeScreenshot *bool  `json:"include_screenshot"`
	WaitTime          *int   `json:"wait_time"`
}

type acceptedResponse struct {
	RequestID string             `json:"request_id"`
	Status    scraper.TaskStatus `json:"status"`
}

type syncRequest struct {
	URL               string `json:"url"`
	OrgID             string `json:"org_id"`
	IncludeScreenshot *bool  `json:"include_screenshot"`
	WaitTime          *int   `json:"wait_time"`
}

type imageRequest struct {
	ImageBase64       string `json:"image_base64"`
	MIMEType          string `json:"mime_type"`
	OrgID             string `json:"org_id"`
	SourceDescription string `json:"source_description"`
}

const defaultWaitMillis = 3000

// submitExtraction accepts an async task and answers before any work starts.
func (s *Server) submitExtraction(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if !s.decode(w, r, &req) {
		return
	}
	task := scraper.Task{
		URL:               req.URL,
		OrgID:             req.OrgID,
		Mode:              scraper.ParseMode(strings.ToLower(strings.TrimSpace(req.ParseMode))),
		CallbackURL:       strings.TrimSpace(req.CallbackURL),
		ReferenceToken:    firstNonEmpty(req.ReferenceToken, req.ClientReferenceID),
		IncludeScreenshot: boolOrDefault(req.IncludeScreenshot, true),
		WaitMillis:        valueOrDefault(req.WaitTime, defaultWaitMillis),
	}
	if req.ImageBase64 != "" {
		image, mime, err := DecodeImage(req.ImageBase64, req.MIMEType)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		task.Image, task.ImageMIMEType = image, mime
	}

	accepted, err := s.tasks.Submit(r.Context(), task)
	switch {
	case errors.Is(err, tasks.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, tasks.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("submit task", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to accept task")
		return
	}
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{RequestID: accepted.RequestID, Status: accepted.Status})
}

// extractSync runs the full pipeline inline and returns its Result.
func (s *Server) extractSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := tasks.ValidateURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wait := valueOrDefault(req.WaitTime, defaultWaitMillis)
	if wait < 0 || wait > tasks.MaxWaitMillis {
		s.writeError(w, http.StatusBadRequest, "wait_time must be between 0 and 30000 milliseconds")
		return
	}
	profile, ok := s.resolve(w, r, req.OrgID)
	if !ok {
		return
	}

	result := s.pipeline.WithExtractor(profile.Extractor).Run(r.Context(), pipeline.Request{
		URL:               req.URL,
		Timezone:          profile.Timezone,
		IncludeScreenshot: boolOrDefault(req.IncludeScreenshot, true),
		OwnerNames:        []string{profile.Name},
		Wait:              time.Duration(wait) * time.Millisecond,
	})
	result.Metadata["org_id"] = profile.ID
	s.writeJSON(w, http.StatusOK, result)
}

// extractImage runs image-only extraction inline.
func (s *Server) extractImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ImageBase64 == "" {
		s.writeError(w, http.StatusBadRequest, "image_base64 is required")
		return
	}
	image, mime, err := DecodeImage(req.ImageBase64, req.MIMEType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile, ok := s.resolve(w, r, req.OrgID)
	if !ok {
		return
	}
	source := req.SourceDescription
	if source == "" {
		source = "uploaded image"
	}

	result := s.pipeline.WithExtractor(profile.Extractor).AnalyzeImage(r.Context(), scraper.ImageRequest{
		Image:             image,
		MIMEType:          mime,
		SourceDescription: source,
		Timezone:          profile.Timezone,
	})
	result.Metadata["org_id"] = profile.ID
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, orgID string) (orgs.Profile, bool) {
	profile, err := s.orgs.Resolve(r.Context(), orgID)
	if err != nil {
		s.logger.Error("resolve org", zap.String("org_id", orgID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "org configuration error: "+err.Error())
		return orgs.Profile{}, false
	}
	if profile.Extractor == nil {
		s.writeError(w, http.StatusInternalServerError, "no extractor configured for org "+profile.ID)
		return orgs.Profile{}, false
	}
	return profile, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func boolOrDefault(ptr *bool, def bool) bool {
	return valueOrDefault(ptr, def)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
