package scraper

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across packages.
var (
	// ErrExtractionUnavailable signals that a provider could not run at all.
	ErrExtractionUnavailable = errors.New("extraction unavailable")
	// ErrNoContent is returned when no fetcher captured any page content.
	ErrNoContent = errors.New("no page content captured")
	// ErrTaskNotFound is returned by task stores for unknown request ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a task state change is not allowed.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Fetcher fetches a URL and returns page content plus an optional snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (Page, error)
}

// Extractor turns page content or an image into an Event.
//
// Implementations never return raw provider errors: failures come back as a
// failure-marked Event, or as ErrExtractionUnavailable.
type Extractor interface {
	Name() string
	SupportsImages() bool
	Extract(ctx context.Context, req ExtractRequest) (Event, error)
	ExtractFromImage(ctx context.Context, req ImageRequest) (Event, error)
}

// Store persists an event and returns where it can be found.
type Store interface {
	Save(ctx context.Context, event Event, target StorageTarget) (string, error)
}

// Notifier delivers a callback payload to a caller.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, payload CallbackPayload) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// TaskStore tracks task state for the lifetime of the process.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	UpdateTaskStatus(ctx context.Context, requestID string, status TaskStatus, errText, resultURL string) error
	GetTask(ctx context.Context, requestID string) (Task, error)
}

// Queue provides enqueue/dequeue semantics for extraction tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for object naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
