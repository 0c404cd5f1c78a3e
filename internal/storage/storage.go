// Package storage routes extracted events to the backend an org profile
// selects and reports where each one landed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/metrics"
	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// ErrBackendUnavailable is returned when a profile names a backend that was
// not registered at startup.
var ErrBackendUnavailable = errors.New("storage backend unavailable")

// Router implements scraper.Store by dispatching on StorageTarget.Backend.
type Router struct {
	mu       sync.RWMutex
	backends map[string]scraper.Store
	logger   *zap.Logger
}

// NewRouter constructs an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		backends: make(map[string]scraper.Store),
		logger:   logger,
	}
}

// Register binds a backend name to an implementation, replacing any previous one.
func (r *Router) Register(name string, backend scraper.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = backend
}

// Backends lists registered backend names.
func (r *Router) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	return out
}

// Save persists the event with the backend named by target.
func (r *Router) Save(ctx context.Context, event scraper.Event, target scraper.StorageTarget) (string, error) {
	name := target.Backend
	if name == "" {
		name = scraper.BackendGrist
	}
	r.mu.RLock()
	backend, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		metrics.ObserveStorageSave(name, "unavailable")
		return "", fmt.Errorf("%w: %q", ErrBackendUnavailable, name)
	}

	location, err := backend.Save(ctx, event, target)
	if err != nil {
		metrics.ObserveStorageSave(name, "error")
		r.logger.Warn("storage save failed", zap.String("backend", name), zap.Error(err))
		return "", fmt.Errorf("save to %s: %w", name, err)
	}
	metrics.ObserveStorageSave(name, "ok")
	r.logger.Debug("event stored", zap.String("backend", name), zap.String("location", location))
	return location, nil
}
