// Package postgres stores extracted events as rows in Postgres.
//
// Expected table shape (name from the storage target's table_name):
//
//	CREATE TABLE events (
//		id               uuid PRIMARY KEY,
//		title            text NOT NULL,
//		description      text,
//		start_at         timestamptz,
//		end_at           timestamptz,
//		timezone         text,
//		venue            text,
//		address          text,
//		city             text,
//		location_type    text,
//		organizer_name   text,
//		registration_url text,
//		price            text,
//		tags             text[],
//		image_url        text,
//		source_url       text,
//		confidence       double precision,
//		notes            text[],
//		payload          jsonb NOT NULL,
//		created_at       timestamptz NOT NULL
//	);
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "events"

// PoolConfig tunes every connection pool the store opens.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

type connectFunc func(ctx context.Context, dsn string) (execCloser, error)

// EventStore implements scraper.Store. Org profiles carry their own DSN, so
// one pool is opened per distinct DSN and reused.
type EventStore struct {
	connect connectFunc
	ids     scraper.IDGenerator
	clock   scraper.Clock

	mu    sync.Mutex
	pools map[string]execCloser
}

// NewEventStore creates a store that dials pools on first use.
func NewEventStore(cfg PoolConfig, ids scraper.IDGenerator, clock scraper.Clock) (*EventStore, error) {
	return newEventStore(func(ctx context.Context, dsn string) (execCloser, error) {
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			poolCfg.MinConns = cfg.MinConns
		}
		if cfg.MaxConnLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pool, nil
	}, ids, clock)
}

// NewEventStoreWithPool constructs a store that uses pool for every DSN (primarily for testing).
func NewEventStoreWithPool(pool execCloser, ids scraper.IDGenerator, clock scraper.Clock) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newEventStore(func(context.Context, string) (execCloser, error) { return pool, nil }, ids, clock)
}

func newEventStore(connect connectFunc, ids scraper.IDGenerator, clock scraper.Clock) (*EventStore, error) {
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &EventStore{
		connect: connect,
		ids:     ids,
		clock:   clock,
		pools:   make(map[string]execCloser),
	}, nil
}

// Close releases every pool the store opened.
func (s *EventStore) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := make(map[execCloser]bool)
	for dsn, pool := range s.pools {
		if !closed[pool] {
			pool.Close()
			closed[pool] = true
		}
		delete(s.pools, dsn)
	}
}

func (s *EventStore) pool(ctx context.Context, dsn string) (execCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pool, ok := s.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := s.connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s.pools[dsn] = pool
	return pool, nil
}

// Save inserts the event and returns a postgres://<table>/<id> locator.
func (s *EventStore) Save(ctx context.Context, event scraper.Event, target scraper.StorageTarget) (string, error) {
	if strings.TrimSpace(target.DSN) == "" {
		return "", fmt.Errorf("storage.dsn is required")
	}
	table := strings.ToLower(target.TableName)
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	pool, err := s.pool(ctx, target.DSN)
	if err != nil {
		return "", err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	title,
	description,
	start_at,
	end_at,
	timezone,
	venue,
	address,
	city,
	location_type,
	organizer_name,
	registration_url,
	price,
	tags,
	image_url,
	source_url,
	confidence,
	notes,
	payload,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
)`, table)

	var venue, address, city, locationType, organizer string
	if event.Location != nil {
		venue = event.Location.Venue
		address = event.Location.Address
		city = event.Location.City
		locationType = string(event.Location.Type)
	}
	if event.Organizer != nil {
		organizer = event.Organizer.Name
	}
	args := []any{
		id,
		event.Title,
		event.Description,
		event.Start,
		event.End,
		event.Timezone,
		venue,
		address,
		city,
		locationType,
		organizer,
		event.RegistrationURL,
		event.Price,
		nonNil(event.Tags),
		event.ImageURL,
		event.SourceURL,
		event.Confidence,
		nonNil(event.Notes),
		payload,
		s.clock.Now().UTC(),
	}
	if _, err := pool.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return fmt.Sprintf("postgres://%s/%s", table, id), nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
