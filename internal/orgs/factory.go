package orgs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/extractor"
	"github.com/JakeFAU/event-scraper/internal/extractor/gemini"
	"github.com/JakeFAU/event-scraper/internal/extractor/openaicompat"
	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// FactoryOptions tune every extractor the factory builds.
type FactoryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// NewExtractorFactory returns a factory that constructs only the provider
// backend a profile selects.
func NewExtractorFactory(opts FactoryOptions) ExtractorFactory {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return func(ctx context.Context, profile scraper.OrgProfile) (scraper.Extractor, error) {
		var (
			backend extractor.Backend
			err     error
		)
		switch profile.LLM.Provider {
		case scraper.ProviderGemini:
			backend, err = gemini.New(ctx, gemini.Config{
				APIKey:     profile.LLM.APIKey,
				Model:      profile.LLM.Model,
				BaseURL:    profile.LLM.EndpointURL,
				HTTPClient: opts.HTTPClient,
			})
		case scraper.ProviderOpenAICompatible:
			backend, err = openaicompat.New(openaicompat.Config{
				APIKey:      profile.LLM.APIKey,
				Model:       profile.LLM.Model,
				EndpointURL: profile.LLM.EndpointURL,
				HTTPClient:  opts.HTTPClient,
			})
		default:
			return nil, fmt.Errorf("%w %q", ErrUnknownProvider, profile.LLM.Provider)
		}
		if err != nil {
			return nil, err
		}
		return extractor.New(backend, extractor.Options{
			MaxAttempts: opts.MaxAttempts,
			BaseDelay:   opts.BaseDelay,
			Logger:      opts.Logger.Named("extractor").With(zap.String("org_id", profile.ID)),
		}), nil
	}
}
