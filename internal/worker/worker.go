// Package worker executes queued extraction tasks.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/metrics"
	"github.com/JakeFAU/event-scraper/internal/orgs"
	"github.com/JakeFAU/event-scraper/internal/pipeline"
	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// Resolver returns the org profile a task runs under.
type Resolver interface {
	Resolve(ctx context.Context, orgID string) (orgs.Profile, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives every callback payload when set and a publisher exists.
	Topic string
	// Active counts tasks currently executing across all workers.
	Active *atomic.Int64
}

// Worker consumes queue items and runs each task to a terminal state.
type Worker struct {
	queue     scraper.Queue
	taskStore scraper.TaskStore
	resolver  Resolver
	pipeline  *pipeline.Pipeline
	store     scraper.Store
	notifier  scraper.Notifier
	publisher scraper.Publisher
	clock     scraper.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. notifier and publisher may be nil.
func New(
	queue scraper.Queue,
	taskStore scraper.TaskStore,
	resolver Resolver,
	base *pipeline.Pipeline,
	store scraper.Store,
	notifier scraper.Notifier,
	publisher scraper.Publisher,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Active == nil {
		cfg.Active = &atomic.Int64{}
	}
	return &Worker{
		queue:     queue,
		taskStore: taskStore,
		resolver:  resolver,
		pipeline:  base,
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("request_id", item.Task.RequestID),
			zap.Duration("queue_wait", w.clock.Now().Sub(item.Enqueued)),
		)
		w.Process(ctx, item.Task)
	}
}

// Process runs one task: in_progress, resolve, pipeline, storage, terminal
// status, then exactly one callback. Panics become a failed outcome.
func (w *Worker) Process(ctx context.Context, task scraper.Task) {
	logger := w.logger.With(
		zap.String("request_id", task.RequestID),
		zap.String("org_id", task.OrgID),
		zap.String("url", task.URL),
	)
	w.cfg.Active.Add(1)
	metrics.IncActiveTasks()
	defer func() {
		w.cfg.Active.Add(-1)
		metrics.DecActiveTasks()
	}()

	var once sync.Once
	deliver := func(payload scraper.CallbackPayload) {
		once.Do(func() { w.finish(ctx, logger, task, payload) })
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panic", zap.Any("panic", r))
			deliver(failedPayload(task, fmt.Sprintf("internal error: %v", r), nil))
		}
	}()

	if err := w.taskStore.UpdateTaskStatus(ctx, task.RequestID, scraper.TaskInProgress, "", ""); err != nil {
		logger.Error("mark task in progress failed", zap.Error(err))
		deliver(failedPayload(task, fmt.Sprintf("task state: %v", err), nil))
		return
	}

	profile, err := w.resolver.Resolve(ctx, task.OrgID)
	if err != nil {
		deliver(failedPayload(task, fmt.Sprintf("resolve org: %v", err), nil))
		return
	}
	task.OrgID = profile.ID

	res := w.execute(ctx, profile, task)
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "extraction failed"
		}
		deliver(failedPayload(task, msg, res.Event))
		return
	}

	location, err := w.store.Save(ctx, *res.Event, profile.Storage)
	if err != nil {
		logger.Warn("storage failed", zap.Error(err))
		deliver(failedPayload(task, fmt.Sprintf("storage failed: %v", err), res.Event))
		return
	}
	deliver(scraper.CallbackPayload{
		RequestID:      task.RequestID,
		OrgID:          task.OrgID,
		ReferenceToken: task.ReferenceToken,
		Status:         scraper.TaskCompleted,
		Event:          res.Event,
		ResultURL:      location,
	})
}

func (w *Worker) execute(ctx context.Context, profile orgs.Profile, task scraper.Task) pipeline.Result {
	if profile.Extractor == nil {
		return pipeline.Result{Error: scraper.ErrExtractionUnavailable.Error()}
	}
	run := w.pipeline.WithExtractor(profile.Extractor)
	if task.Mode == scraper.ModeImage {
		return run.AnalyzeImage(ctx, scraper.ImageRequest{
			Image:             task.Image,
			MIMEType:          task.ImageMIMEType,
			SourceDescription: "uploaded image",
			Timezone:          profile.Timezone,
		})
	}
	req := pipeline.Request{
		URL:               task.URL,
		Timezone:          profile.Timezone,
		IncludeScreenshot: task.IncludeScreenshot,
		OwnerNames:        []string{profile.Name},
		Wait:              time.Duration(task.WaitMillis) * time.Millisecond,
	}
	if task.Mode == scraper.ModeHybrid {
		req.Image = task.Image
		req.ImageMIMEType = task.ImageMIMEType
	}
	return run.Run(ctx, req)
}

// finish records the terminal state before any outbound delivery, so a
// callback receiver that polls the task sees the final status.
func (w *Worker) finish(ctx context.Context, logger *zap.Logger, task scraper.Task, payload scraper.CallbackPayload) {
	ctx = context.WithoutCancel(ctx)
	if err := w.taskStore.UpdateTaskStatus(ctx, task.RequestID, payload.Status, payload.Error, payload.ResultURL); err != nil {
		logger.Error("mark task terminal failed", zap.Error(err))
	}
	metrics.ObserveTask(string(payload.Status))
	logger.Info("task finished",
		zap.String("status", string(payload.Status)),
		zap.String("result_url", payload.ResultURL),
		zap.String("error", payload.Error),
	)

	if w.publisher != nil && w.cfg.Topic != "" {
		if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
			logger.Warn("publish outcome failed", zap.Error(err))
		}
	}
	if w.notifier != nil && task.CallbackURL != "" {
		if err := w.notifier.Notify(ctx, task.CallbackURL, payload); err != nil {
			logger.Warn("callback failed", zap.Error(err))
		}
	}
}

func failedPayload(task scraper.Task, msg string, event *scraper.Event) scraper.CallbackPayload {
	return scraper.CallbackPayload{
		RequestID:      task.RequestID,
		OrgID:          task.OrgID,
		ReferenceToken: task.ReferenceToken,
		Status:         scraper.TaskFailed,
		Event:          event,
		Error:          msg,
	}
}
