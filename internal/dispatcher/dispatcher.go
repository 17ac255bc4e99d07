// Package dispatcher manages worker fan-out over the task queue and task submission.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapegate/internal/extract"
	"github.com/JakeFAU/scrapegate/internal/resilience"
	"github.com/JakeFAU/scrapegate/internal/scrape"
)

// Runner is a long-lived queue consumer.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans out queue work to a pool of runners and accepts new tasks.
type Dispatcher struct {
	queue   scrape.Queue
	store   scrape.TaskStore
	clock   scrape.Clock
	runners []Runner
	blocked *scrape.Blocklist
	logger  *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBlocklist rejects submissions for hosts on the list.
func WithBlocklist(b *scrape.Blocklist) Option {
	return func(d *Dispatcher) {
		d.blocked = b
	}
}

// New creates a Dispatcher. runners may be empty for API-only processes.
func New(queue scrape.Queue, store scrape.TaskStore, runners []Runner, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:   queue,
		store:   store,
		clock:   scrape.SystemClock{},
		runners: runners,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all runners and blocks until every one has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, r := range d.runners {
		g.Go(func() error {
			if err := r.Run(ctx); err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.runners)))
	err := g.Wait()
	d.logger.Info("dispatcher stopped", zap.Error(err))
	return err
}

// Submit validates req, records a queued task and enqueues it.
// Validation failures are returned tagged as resilience.KindValidation.
func (d *Dispatcher) Submit(ctx context.Context, req scrape.Request) (scrape.Task, error) {
	if err := req.Validate(); err != nil {
		return scrape.Task{}, err
	}
	if err := extract.CheckSelector(req.Selector); err != nil {
		return scrape.Task{}, err
	}
	if err := d.blocked.Check(req); err != nil {
		return scrape.Task{}, err
	}
	id, err := scrape.NewTaskID()
	if err != nil {
		return scrape.Task{}, err
	}
	task := scrape.Task{
		ID:        id,
		Request:   req,
		Status:    scrape.TaskStatusQueued,
		Submitted: d.clock.Now(),
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return scrape.Task{}, fmt.Errorf("create task: %w", err)
	}
	item := scrape.QueueItem{TaskID: id, Request: req, Submitted: task.Submitted.Unix()}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		outcome := scrape.Outcome{ErrorKind: resilience.KindOf(err), ErrorText: err.Error()}
		if cerr := d.store.CompleteTask(context.WithoutCancel(ctx), id, scrape.TaskStatusFailed, outcome); cerr != nil {
			d.logger.Error("mark unqueued task failed", zap.String("task_id", id), zap.Error(cerr))
		}
		return scrape.Task{}, fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Debug("task submitted", zap.String("task_id", id), zap.String("url", req.URL))
	return task, nil
}
