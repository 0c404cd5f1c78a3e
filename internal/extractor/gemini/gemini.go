// Package gemini is the vision-and-text extractor backend built on the
// Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/event-scraper/internal/extractor"
)

// DefaultModel is used when a profile leaves the model blank.
const DefaultModel = "gemini-2.5-flash-lite"

// Config holds the settings needed to reach the Gemini API.
type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint (tests, proxies).
	BaseURL    string
	HTTPClient *http.Client
}

// Backend calls Gemini's generateContent endpoint.
type Backend struct {
	client *genai.Client
	model  string
}

var _ extractor.Backend = (*Backend)(nil)

// New constructs a Backend. No network call is made.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Backend{client: client, model: cfg.Model}, nil
}

// Name implements extractor.Backend.
func (b *Backend) Name() string { return "gemini" }

// SupportsImages implements extractor.Backend.
func (b *Backend) SupportsImages() bool { return true }

// Generate sends the prompt (and optional image) and returns the response text.
func (b *Backend) Generate(ctx context.Context, req extractor.GenerateRequest) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if len(req.Image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Image, req.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.1),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", wrapError(err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", &extractor.APIError{Provider: "gemini", Message: "empty response"}
	}
	return text, nil
}

func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if apiErr.Status != "" {
			msg = apiErr.Status + ": " + msg
		}
		return &extractor.APIError{Provider: "gemini", StatusCode: apiErr.Code, Message: msg}
	}
	return fmt.Errorf("gemini generate: %w", err)
}
