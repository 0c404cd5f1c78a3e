// Package orgs resolves per-organization profiles and the extractor each one
// needs.
//
// Profiles come from a YAML file read once on first use. When the file is
// absent a single profile is synthesized from environment variables so a
// zero-config deployment behaves like the original single-tenant service.
package orgs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// ExtractorFactory builds the extractor variant a profile needs.
type ExtractorFactory func(ctx context.Context, profile scraper.OrgProfile) (scraper.Extractor, error)

// Profile is a resolved org profile with its extractor.
type Profile struct {
	scraper.OrgProfile
	Extractor scraper.Extractor
}

// Options configure a Resolver.
type Options struct {
	// ConfigPath is the org YAML location. A missing file selects the env fallback.
	ConfigPath string
	Factory    ExtractorFactory
	LookupEnv  LookupEnv
	Logger     *zap.Logger
}

// Resolver caches org profiles for the life of the process.
type Resolver struct {
	path    string
	factory ExtractorFactory
	lookup  LookupEnv
	logger  *zap.Logger

	mu         sync.Mutex
	loaded     bool
	order      []string
	profiles   map[string]scraper.OrgProfile
	extractors map[string]scraper.Extractor
}

// NewResolver constructs a Resolver. Nothing is loaded until first use.
func NewResolver(opts Options) *Resolver {
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{
		path:    opts.ConfigPath,
		factory: opts.Factory,
		lookup:  opts.LookupEnv,
		logger:  opts.Logger,
	}
}

// Load reads the org configuration if it has not been read yet. Callers use
// it at startup so configuration errors abort the process.
func (r *Resolver) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Resolver) loadLocked() error {
	if r.loaded {
		return nil
	}
	var profiles []scraper.OrgProfile
	data, found, err := r.readConfig()
	if err != nil {
		return err
	}
	if found {
		profiles, err = parseFile(data, r.lookup)
		if err != nil {
			return err
		}
		r.logger.Info("loaded org config", zap.String("path", r.path), zap.Int("orgs", len(profiles)))
	} else {
		profile, err := envProfile(r.lookup)
		if err != nil {
			return err
		}
		profiles = []scraper.OrgProfile{profile}
		r.logger.Info("no org config found, using environment profile", zap.String("org_id", profile.ID))
	}

	r.order = make([]string, 0, len(profiles))
	r.profiles = make(map[string]scraper.OrgProfile, len(profiles))
	r.extractors = make(map[string]scraper.Extractor, len(profiles))
	for _, p := range profiles {
		r.order = append(r.order, p.ID)
		r.profiles[p.ID] = p
	}
	r.loaded = true
	return nil
}

func (r *Resolver) readConfig() ([]byte, bool, error) {
	if r.path == "" {
		return nil, false, nil
	}
	return readFile(r.path)
}

// Resolve returns the profile for orgID. Empty, "default" and unknown ids
// resolve to the first configured org. The extractor is built on first use
// and reused afterwards.
func (r *Resolver) Resolve(ctx context.Context, orgID string) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return Profile{}, err
	}

	id := orgID
	if _, ok := r.profiles[id]; !ok {
		if id != "" && id != scraper.DefaultOrgID {
			r.logger.Warn("unknown org id, using default", zap.String("org_id", id), zap.String("default", r.order[0]))
		}
		id = r.order[0]
	}
	profile := r.profiles[id]

	ex, ok := r.extractors[id]
	if !ok && r.factory != nil {
		built, err := r.factory(ctx, profile)
		if err != nil {
			return Profile{}, fmt.Errorf("build extractor for org %q: %w", id, err)
		}
		r.extractors[id] = built
		ex = built
	}
	return Profile{OrgProfile: profile, Extractor: ex}, nil
}

// Profiles lists the configured profiles in file order.
func (r *Resolver) Profiles() ([]scraper.OrgProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]scraper.OrgProfile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.profiles[id])
	}
	return out, nil
}

// Reset drops the cache so the next call reloads. Only tests should need it.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.order = nil
	r.profiles = nil
	r.extractors = nil
}

func timeZone(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
