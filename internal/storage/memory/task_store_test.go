package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

func TestTaskStoreLifecycle(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewTaskStore(clk)
	ctx := context.Background()
	task := scraper.Task{RequestID: "req-1", URL: "https://example.com/event", Status: scraper.TaskCompleted}

	require.NoError(t, store.CreateTask(ctx, task))
	require.Error(t, store.CreateTask(ctx, task))

	got, err := store.GetTask(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, scraper.TaskAccepted, got.Status)
	require.Equal(t, clk.now, got.SubmittedAt)

	clk.now = clk.now.Add(time.Second)
	require.NoError(t, store.UpdateTaskStatus(ctx, "req-1", scraper.TaskInProgress, "", ""))
	clk.now = clk.now.Add(time.Second)
	require.NoError(t, store.UpdateTaskStatus(ctx, "req-1", scraper.TaskCompleted, "", "memory://events/a.json"))

	final, err := store.GetTask(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, scraper.TaskCompleted, final.Status)
	require.Equal(t, "memory://events/a.json", final.ResultURL)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	require.True(t, final.FinishedAt.After(*final.StartedAt))
	require.Equal(t, 1, store.CountByStatus()[scraper.TaskCompleted])
}

func TestTaskStoreRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()

	store := NewTaskStore(nil)
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, scraper.Task{RequestID: "a"}))
	require.NoError(t, store.CreateTask(ctx, scraper.Task{RequestID: "b"}))

	require.ErrorIs(t, store.UpdateTaskStatus(ctx, "a", scraper.TaskAccepted, "", ""), scraper.ErrInvalidTransition)

	require.NoError(t, store.UpdateTaskStatus(ctx, "a", scraper.TaskInProgress, "", ""))
	require.ErrorIs(t, store.UpdateTaskStatus(ctx, "a", scraper.TaskInProgress, "", ""), scraper.ErrInvalidTransition)
	require.NoError(t, store.UpdateTaskStatus(ctx, "a", scraper.TaskFailed, "boom", ""))
	require.ErrorIs(t, store.UpdateTaskStatus(ctx, "a", scraper.TaskCompleted, "", ""), scraper.ErrInvalidTransition)

	got, err := store.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, scraper.TaskFailed, got.Status)
	require.Equal(t, "boom", got.Error)

	require.NoError(t, store.UpdateTaskStatus(ctx, "b", scraper.TaskFailed, "queue full", ""))

	require.ErrorIs(t, store.UpdateTaskStatus(ctx, "missing", scraper.TaskInProgress, "", ""), scraper.ErrTaskNotFound)
	_, err = store.GetTask(ctx, "missing")
	require.ErrorIs(t, err, scraper.ErrTaskNotFound)
	require.Error(t, store.CreateTask(ctx, scraper.Task{}))
}

// --- fakes ---

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }
