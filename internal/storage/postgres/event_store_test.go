package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

func TestSaveInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewEventStoreWithPool(mock, fixedIDs{"0190aaaa-0000-7000-8000-000000000001"}, fixedClock{now})
	require.NoError(t, err)

	start := time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)
	ev := scraper.Event{
		Title:      "Jazz Night",
		Start:      &start,
		Location:   &scraper.Location{Type: scraper.LocationPhysical, Venue: "Fox Theater", City: "Oakland"},
		Organizer:  &scraper.Organizer{Name: "Oakland Jazz"},
		Tags:       []string{"music"},
		SourceURL:  "https://example.com/jazz",
		Confidence: scraper.Confidence(0.8),
	}

	mock.ExpectExec("INSERT INTO events").
		WithArgs(
			"0190aaaa-0000-7000-8000-000000000001",
			"Jazz Night",
			"",
			ev.Start,
			ev.End,
			"",
			"Fox Theater",
			"",
			"Oakland",
			"physical",
			"Oakland Jazz",
			"",
			"",
			[]string{"music"},
			"",
			"https://example.com/jazz",
			ev.Confidence,
			[]string{},
			pgxmock.AnyArg(),
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	loc, err := store.Save(context.Background(), ev, scraper.StorageTarget{
		Backend:   scraper.BackendPostgres,
		DSN:       "postgres://localhost/events",
		TableName: "Events",
	})
	require.NoError(t, err)
	require.Equal(t, "postgres://events/0190aaaa-0000-7000-8000-000000000001", loc)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewEventStoreWithPool(mock, fixedIDs{"id-1"}, fixedClock{time.Now()})
	require.NoError(t, err)

	_, err = store.Save(context.Background(), scraper.Event{Title: "x"}, scraper.StorageTarget{})
	require.ErrorContains(t, err, "dsn")

	_, err = store.Save(context.Background(), scraper.Event{Title: "x"}, scraper.StorageTarget{DSN: "d", TableName: "events; drop"})
	require.ErrorContains(t, err, "invalid table name")

	mock.ExpectExec("INSERT INTO events").
		WithArgs(anyArgs(insertColumns)...).
		WillReturnError(errors.New("relation does not exist"))
	_, err = store.Save(context.Background(), scraper.Event{Title: "x"}, scraper.StorageTarget{DSN: "d"})
	require.ErrorContains(t, err, "relation does not exist")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolReusedPerDSN(t *testing.T) {
	t.Parallel()

	dials := 0
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := newEventStore(func(context.Context, string) (execCloser, error) {
		dials++
		return mock, nil
	}, fixedIDs{"id"}, fixedClock{time.Now()})
	require.NoError(t, err)

	for range 2 {
		mock.ExpectExec("INSERT INTO events").
			WithArgs(anyArgs(insertColumns)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		_, err := store.Save(context.Background(), scraper.Event{Title: "x"}, scraper.StorageTarget{DSN: "same"})
		require.NoError(t, err)
	}
	require.Equal(t, 1, dials)
	require.NoError(t, mock.ExpectationsWereMet())

	store.Close()
	require.Empty(t, store.pools)
}

// --- fakes ---

const insertColumns = 20

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }
