package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// TaskStore tracks task state in memory. Transitions follow
// accepted -> in_progress -> completed|failed; terminal states never change.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]scraper.Task
	now   func() time.Time
}

// NewTaskStore constructs a TaskStore. A nil clock uses time.Now.
func NewTaskStore(clock scraper.Clock) *TaskStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &TaskStore{
		tasks: make(map[string]scraper.Task),
		now:   now,
	}
}

// CreateTask registers a new task in accepted status.
func (s *TaskStore) CreateTask(_ context.Context, task scraper.Task) error {
	if task.RequestID == "" {
		return errors.New("request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.RequestID]; exists {
		return fmt.Errorf("task %s already exists", task.RequestID)
	}
	task.Status = scraper.TaskAccepted
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = s.now()
	}
	s.tasks[task.RequestID] = task
	return nil
}

// UpdateTaskStatus moves a task to status, recording error text and result URL.
func (s *TaskStore) UpdateTaskStatus(
	_ context.Context,
	requestID string,
	status scraper.TaskStatus,
	errText string,
	resultURL string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", scraper.ErrTaskNotFound, requestID)
	}
	if !allowed(task.Status, status) {
		return fmt.Errorf("%w: %s -> %s", scraper.ErrInvalidTransition, task.Status, status)
	}
	task.Status = status
	task.Error = errText
	task.ResultURL = resultURL
	now := s.now()
	if status == scraper.TaskInProgress && task.StartedAt == nil {
		task.StartedAt = pointerTime(now)
	}
	if status.Terminal() {
		task.FinishedAt = pointerTime(now)
	}
	s.tasks[requestID] = task
	return nil
}

// GetTask fetches a task by request id.
func (s *TaskStore) GetTask(_ context.Context, requestID string) (scraper.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[requestID]
	if !ok {
		return scraper.Task{}, fmt.Errorf("%w: %s", scraper.ErrTaskNotFound, requestID)
	}
	return task, nil
}

// CountByStatus reports how many tasks are in each status.
func (s *TaskStore) CountByStatus() map[scraper.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[scraper.TaskStatus]int)
	for _, task := range s.tasks {
		out[task.Status]++
	}
	return out
}

// allowed permits accepted -> terminal as well, for tasks that fail before
// a worker picks them up.
func allowed(from, to scraper.TaskStatus) bool {
	switch from {
	case scraper.TaskAccepted:
		return to == scraper.TaskInProgress || to.Terminal()
	case scraper.TaskInProgress:
		return to.Terminal()
	default:
		return false
	}
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
