// Package openaicompat is the text-only extractor backend for any endpoint
// speaking the OpenAI chat completions protocol (vLLM, HuggingFace, etc.).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/JakeFAU/event-scraper/internal/extractor"
)

const temperature = 0.1

// Config holds endpoint and credentials.
type Config struct {
	APIKey      string
	Model       string
	EndpointURL string
	HTTPClient  *http.Client
}

// Backend calls /chat/completions on a compatible endpoint.
type Backend struct {
	client openai.Client
	model  string
}

var _ extractor.Backend = (*Backend)(nil)

// New constructs a Backend. The SDK's own retries are disabled; the
// extractor engine owns retry policy.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.EndpointURL) == "" {
		return nil, errors.New("openai_compatible provider requires endpoint_url")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai_compatible api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.EndpointURL),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Backend{client: openai.NewClient(opts...), model: cfg.Model}, nil
}

// Name implements extractor.Backend.
func (b *Backend) Name() string { return "openai_compatible" }

// SupportsImages implements extractor.Backend. Most compatible endpoints
// host text-only models.
func (b *Backend) SupportsImages() bool { return false }

// Generate sends the prompt as a single user message. Images are ignored.
func (b *Backend) Generate(ctx context.Context, req extractor.GenerateRequest) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       b.model,
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(req.Prompt)},
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", wrapError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &extractor.APIError{Provider: b.Name(), Message: "empty completion"}
	}
	return resp.Choices[0].Message.Content, nil
}

func wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.RawJSON()
		}
		return &extractor.APIError{Provider: "openai_compatible", StatusCode: apiErr.StatusCode, Message: msg}
	}
	return fmt.Errorf("openai_compatible completion: %w", err)
}
