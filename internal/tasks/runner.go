// Package tasks accepts asynchronous extraction requests and runs them on a
// fixed worker pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/dispatcher"
	"github.com/JakeFAU/event-scraper/internal/metrics"
	"github.com/JakeFAU/event-scraper/internal/pipeline"
	"github.com/JakeFAU/event-scraper/internal/queue/memory"
	"github.com/JakeFAU/event-scraper/internal/scraper"
	"github.com/JakeFAU/event-scraper/internal/worker"
)

// Submission errors.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrQueueFull      = errors.New("task queue is full")
)

// Defaults applied to zero Options.
const (
	DefaultConcurrency    = 4
	DefaultQueueDepth     = 100
	DefaultEnqueueTimeout = 5 * time.Second
	// MaxWaitMillis bounds the caller-supplied settle delay.
	MaxWaitMillis = 30000
)

// Deps are the collaborators every worker shares.
type Deps struct {
	TaskStore scraper.TaskStore
	Resolver  worker.Resolver
	Pipeline  *pipeline.Pipeline
	Store     scraper.Store
	Notifier  scraper.Notifier
	Publisher scraper.Publisher
	IDs       scraper.IDGenerator
	Clock     scraper.Clock
}

// Options tune the pool.
type Options struct {
	Concurrency    int
	QueueDepth     int
	EnqueueTimeout time.Duration
	Topic          string
	Logger         *zap.Logger
}

// Runner owns the task store, queue and workers.
type Runner struct {
	tasks          scraper.TaskStore
	queue          *memory.Queue
	dispatcher     *dispatcher.Dispatcher
	ids            scraper.IDGenerator
	clock          scraper.Clock
	active         *atomic.Int64
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

// New wires a Runner. Call Run to start the workers.
func New(deps Deps, opts Options) (*Runner, error) {
	switch {
	case deps.TaskStore == nil:
		return nil, errors.New("task store is required")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Pipeline == nil:
		return nil, errors.New("pipeline is required")
	case deps.Store == nil:
		return nil, errors.New("storage is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	queue := memory.NewQueue(opts.QueueDepth)
	active := &atomic.Int64{}
	workers := make([]dispatcher.Runner, 0, opts.Concurrency)
	for i := range opts.Concurrency {
		workers = append(workers, worker.New(
			queue,
			deps.TaskStore,
			deps.Resolver,
			deps.Pipeline,
			deps.Store,
			deps.Notifier,
			deps.Publisher,
			deps.Clock,
			worker.Config{Topic: opts.Topic, Active: active},
			opts.Logger.Named("worker").With(zap.Int("worker", i)),
		))
	}
	return &Runner{
		tasks:          deps.TaskStore,
		queue:          queue,
		dispatcher:     dispatcher.New(queue, workers),
		ids:            deps.IDs,
		clock:          deps.Clock,
		active:         active,
		enqueueTimeout: opts.EnqueueTimeout,
		logger:         opts.Logger,
	}, nil
}

// Run starts the workers and blocks until ctx ends and they have drained.
func (r *Runner) Run(ctx context.Context) {
	r.dispatcher.Run(ctx)
	r.queue.Close()
}

// Submit validates and registers a task, then enqueues it. It returns the
// accepted task without waiting for execution.
func (r *Runner) Submit(ctx context.Context, task scraper.Task) (scraper.Task, error) {
	if err := normalize(&task); err != nil {
		return scraper.Task{}, err
	}
	if task.RequestID == "" {
		id, err := r.ids.NewID()
		if err != nil {
			return scraper.Task{}, fmt.Errorf("assign request id: %w", err)
		}
		task.RequestID = id
	}
	task.Status = scraper.TaskAccepted
	task.SubmittedAt = r.clock.Now()
	if err := r.tasks.CreateTask(ctx, task); err != nil {
		return scraper.Task{}, fmt.Errorf("register task: %w", err)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, r.enqueueTimeout)
	defer cancel()
	err := r.dispatcher.Enqueue(enqueueCtx, scraper.QueueItem{Task: task, Enqueued: r.clock.Now()})
	if err != nil {
		r.logger.Warn("enqueue failed", zap.String("request_id", task.RequestID), zap.Error(err))
		if uerr := r.tasks.UpdateTaskStatus(context.WithoutCancel(ctx), task.RequestID, scraper.TaskFailed, ErrQueueFull.Error(), ""); uerr != nil {
			r.logger.Error("mark rejected task failed", zap.String("request_id", task.RequestID), zap.Error(uerr))
		}
		metrics.ObserveTask("rejected")
		return scraper.Task{}, fmt.Errorf("%w: %v", ErrQueueFull, err)
	}
	metrics.ObserveTask(string(scraper.TaskAccepted))
	r.logger.Info("task accepted",
		zap.String("request_id", task.RequestID),
		zap.String("org_id", task.OrgID),
		zap.String("url", task.URL),
		zap.String("parse_mode", string(task.Mode)),
	)
	return task, nil
}

// Get returns the current state of a task.
func (r *Runner) Get(ctx context.Context, requestID string) (scraper.Task, error) {
	task, err := r.tasks.GetTask(ctx, requestID)
	if err != nil {
		return scraper.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ActiveCount reports tasks currently executing.
func (r *Runner) ActiveCount() int {
	return int(r.active.Load())
}

// QueueLength reports tasks waiting for a worker.
func (r *Runner) QueueLength() int {
	return r.queue.Len()
}

type statusCounter interface {
	CountByStatus() map[scraper.TaskStatus]int
}

// StatusCounts reports tasks per status, or nil when the store cannot count.
func (r *Runner) StatusCounts() map[scraper.TaskStatus]int {
	if c, ok := r.tasks.(statusCounter); ok {
		return c.CountByStatus()
	}
	return nil
}

func normalize(task *scraper.Task) error {
	task.URL = strings.TrimSpace(task.URL)
	task.OrgID = strings.TrimSpace(task.OrgID)
	if task.OrgID == "" {
		task.OrgID = scraper.DefaultOrgID
	}
	if task.Mode == "" {
		switch {
		case task.URL != "" && len(task.Image) > 0:
			task.Mode = scraper.ModeHybrid
		case len(task.Image) > 0:
			task.Mode = scraper.ModeImage
		default:
			task.Mode = scraper.ModeURL
		}
	}
	switch task.Mode {
	case scraper.ModeURL, scraper.ModeHybrid:
		if err := ValidateURL(task.URL); err != nil {
			return err
		}
		if task.Mode == scraper.ModeHybrid && len(task.Image) == 0 {
			return fmt.Errorf("%w: image_base64 is required for 'hybrid' parse mode", ErrInvalidRequest)
		}
	case scraper.ModeImage:
		if len(task.Image) == 0 {
			return fmt.Errorf("%w: image_base64 is required for 'image' parse mode", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown parse_mode %q", ErrInvalidRequest, task.Mode)
	}
	if task.CallbackURL != "" {
		if err := ValidateURL(task.CallbackURL); err != nil {
			return fmt.Errorf("callback_url: %w", err)
		}
	}
	if task.WaitMillis < 0 || task.WaitMillis > MaxWaitMillis {
		return fmt.Errorf("%w: wait_time must be between 0 and %d milliseconds", ErrInvalidRequest, MaxWaitMillis)
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrInvalidRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidRequest)
	}
	return nil
}
