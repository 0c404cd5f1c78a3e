// Package callback delivers task outcomes to caller-supplied URLs.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/metrics"
	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 30 * time.Second

// Options configure a Notifier.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	Logger     *zap.Logger
}

// Notifier POSTs callback payloads as JSON. Each call makes one attempt.
type Notifier struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *zap.Logger
}

// New constructs a Notifier.
func New(opts Options) *Notifier {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Notifier{
		client:    opts.HTTPClient,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
	}
}

// Notify implements scraper.Notifier.
func (n *Notifier) Notify(ctx context.Context, callbackURL string, payload scraper.CallbackPayload) error {
	err := n.post(ctx, callbackURL, payload)
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		n.logger.Warn("callback delivery failed",
			zap.String("request_id", payload.RequestID),
			zap.String("callback_url", callbackURL),
			zap.Error(err),
		)
	} else {
		n.logger.Debug("callback delivered",
			zap.String("request_id", payload.RequestID),
			zap.String("status", string(payload.Status)),
		)
	}
	metrics.ObserveCallback(outcome)
	return err
}

func (n *Notifier) post(ctx context.Context, callbackURL string, payload scraper.CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
