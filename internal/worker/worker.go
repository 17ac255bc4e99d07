// Package worker consumes scrape tasks and runs them through the engine.
package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/extract"
	"github.com/JakeFAU/scrapegate/internal/metrics"
	"github.com/JakeFAU/scrapegate/internal/resilience"
	"github.com/JakeFAU/scrapegate/internal/scrape"
)

const finalizeTimeout = 10 * time.Second

// Promoter decides whether an HTTP response should be re-fetched headless.
type Promoter interface {
	ShouldPromote(resp scrape.FetchResponse) bool
}

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	ResultTopic string
}

// Dependencies are the collaborators a Worker needs. Blobs, Publisher,
// Headless, Promoter and Cache are optional.
type Dependencies struct {
	Queue     scrape.Queue
	Store     scrape.TaskStore
	Engine    *resilience.Engine
	Fetcher   scrape.Fetcher
	Headless  scrape.Fetcher
	Promoter  Promoter
	Blobs     scrape.BlobStore
	Publisher scrape.Publisher
	Cache     scrape.ResultCache
	Clock     scrape.Clock
}

// Worker consumes queue items and executes the fetch pipeline.
type Worker struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a Worker.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Engine == nil || deps.Fetcher == nil {
		return nil, fmt.Errorf("worker requires queue, store, engine and fetcher")
	}
	if deps.Clock == nil {
		deps.Clock = scrape.SystemClock{}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/JakeFAU/scrapegate/internal/worker"),
	}, nil
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scrape.ErrQueueClosed) {
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID))
		w.Process(ctx, item)
	}
}

// page is what one successful attempt produced. A page marked promote has not
// been extracted yet; it waits for a headless re-fetch.
type page struct {
	resp    scrape.FetchResponse
	items   []string
	promote bool
}

// Process runs one task to a terminal status.
func (w *Worker) Process(ctx context.Context, item scrape.QueueItem) {
	ctx, span := w.tracer.Start(ctx, "scrape.task", trace.WithAttributes(
		attribute.String("task.id", item.TaskID),
		attribute.String("task.url", item.Request.URL),
	))
	defer span.End()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("task_id", item.TaskID), zap.String("url", item.Request.URL))
	taskLog := resilience.NewTaskLog(item.TaskID, logger)
	if err := w.deps.Store.MarkRunning(ctx, item.TaskID); err != nil {
		taskLog.LogError("mark running failed", err)
		w.finish(ctx, span, item, scrape.TaskStatusFailed, scrape.Outcome{
			ErrorKind: resilience.KindOf(err),
			ErrorText: fmt.Sprintf("mark running: %v", err),
		}, taskLog, nil)
		return
	}

	if err := validate(item.Request); err != nil {
		taskLog.LogError("request rejected", err)
		w.finish(ctx, span, item, scrape.TaskStatusFailed, scrape.Outcome{
			ErrorKind: resilience.KindOf(err),
			ErrorText: err.Error(),
		}, taskLog, nil)
		return
	}

	key := scrape.CacheKey(item.Request)
	if w.reuseCached(ctx, span, item, key, taskLog) {
		return
	}

	domain := scrape.DomainOf(item.Request.URL)
	attempts := 0
	started := w.deps.Clock.Now()
	result, err := resilience.Do(ctx, w.deps.Engine, domain, func(ctx context.Context) (page, error) {
		attempts++
		return w.attempt(ctx, item, taskLog)
	}, resilience.WithTaskLog(taskLog))
	if err == nil && result.promote {
		result, err = w.promote(ctx, item, domain, result.resp, &attempts, taskLog)
	}
	span.SetAttributes(attribute.Int("task.attempts", attempts))

	if err != nil {
		w.forget(ctx, key)
		w.fail(ctx, span, item, attempts, err, taskLog)
		return
	}

	stored, err := w.persist(ctx, item, domain, result, w.deps.Clock.Now().Sub(started))
	if err != nil {
		w.forget(ctx, key)
		taskLog.LogError("persist result failed", err)
		w.finish(ctx, span, item, scrape.TaskStatusFailed, scrape.Outcome{
			Attempts:  attempts,
			ErrorKind: resilience.KindOf(err),
			ErrorText: err.Error(),
		}, taskLog, nil)
		return
	}
	w.remember(ctx, key, stored)
	w.finish(ctx, span, item, scrape.TaskStatusSucceeded, scrape.Outcome{Attempts: attempts}, taskLog, &stored)
}

func validate(req scrape.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return extract.CheckSelector(req.Selector)
}

// attempt is one engine-wrapped try: fetch, then extract unless the page
// needs a headless re-fetch first.
func (w *Worker) attempt(ctx context.Context, item scrape.QueueItem, taskLog *resilience.TaskLog) (page, error) {
	req := scrape.FetchRequest{
		TaskID:       item.TaskID,
		URL:          item.Request.URL,
		WaitSelector: item.Request.Selector,
	}

	var (
		resp scrape.FetchResponse
		err  error
	)
	if item.Request.Headless && w.deps.Headless != nil {
		req.UseHeadless = true
		resp, err = w.deps.Headless.Fetch(ctx, req)
	} else {
		if item.Request.Headless {
			taskLog.LogWarning("headless requested but not configured; using http fetch")
		}
		resp, err = w.deps.Fetcher.Fetch(ctx, req)
	}
	if err != nil {
		return page{}, err
	}
	metrics.ObserveFetch(resp.URL, len(resp.Body))

	if !req.UseHeadless && w.shouldPromote(resp) {
		return page{resp: resp, promote: true}, nil
	}
	return extractPage(resp, item.Request)
}

func (w *Worker) shouldPromote(resp scrape.FetchResponse) bool {
	return w.deps.Headless != nil && w.deps.Promoter != nil && w.deps.Promoter.ShouldPromote(resp)
}

// promote re-fetches the page headless. The re-fetch is a separate request to
// the domain, so it passes through the gate on its own ticket. When it fails
// the HTTP response is extracted instead.
func (w *Worker) promote(
	ctx context.Context,
	item scrape.QueueItem,
	domain string,
	fetched scrape.FetchResponse,
	attempts *int,
	taskLog *resilience.TaskLog,
) (page, error) {
	req := scrape.FetchRequest{
		TaskID:       item.TaskID,
		URL:          item.Request.URL,
		WaitSelector: item.Request.Selector,
		UseHeadless:  true,
	}
	rendered, err := resilience.Do(ctx, w.deps.Engine, domain, func(ctx context.Context) (page, error) {
		*attempts++
		resp, err := w.deps.Headless.Fetch(ctx, req)
		if err != nil {
			return page{}, err
		}
		resp.UsedHeadless = true
		metrics.ObserveFetch(resp.URL, len(resp.Body))
		return extractPage(resp, item.Request)
	}, resilience.WithTaskLog(taskLog))
	if err == nil {
		return rendered, nil
	}
	if ctx.Err() != nil {
		return page{}, err
	}
	taskLog.LogWarning(fmt.Sprintf("headless promotion failed, keeping http response: %v", err))
	return extractPage(fetched, item.Request)
}

func extractPage(resp scrape.FetchResponse, req scrape.Request) (page, error) {
	items, err := extract.Items(resp.Body, req.Selector, req.MaxItems)
	if err != nil {
		return page{}, err
	}
	return page{resp: resp, items: items}, nil
}

// reuseCached finishes the task from a cached result when one exists. Cache
// errors are logged and treated as misses.
func (w *Worker) reuseCached(
	ctx context.Context,
	span trace.Span,
	item scrape.QueueItem,
	key string,
	taskLog *resilience.TaskLog,
) bool {
	if w.deps.Cache == nil {
		return false
	}
	cached, ok, err := w.deps.Cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.ObserveCacheLookup("error")
		w.logger.Warn("result cache lookup failed", zap.String("task_id", item.TaskID), zap.Error(err))
		return false
	case !ok:
		metrics.ObserveCacheLookup("miss")
		return false
	}
	metrics.ObserveCacheLookup("hit")

	source := cached.TaskID
	cached.TaskID = item.TaskID
	cached.URL = item.Request.URL
	if err := w.deps.Store.SaveResult(ctx, cached); err != nil {
		w.logger.Warn("save cached result failed, fetching instead", zap.String("task_id", item.TaskID), zap.Error(err))
		return false
	}
	span.SetAttributes(attribute.String("task.cached_from", source))
	w.logger.Info("served from result cache", zap.String("task_id", item.TaskID), zap.String("cached_from", source))
	w.finish(ctx, span, item, scrape.TaskStatusSucceeded, scrape.Outcome{}, taskLog, &cached)
	return true
}

func (w *Worker) remember(ctx context.Context, key string, result scrape.Result) {
	if w.deps.Cache == nil {
		return
	}
	if err := w.deps.Cache.Set(ctx, key, result); err != nil {
		w.logger.Warn("result cache set failed", zap.String("task_id", result.TaskID), zap.Error(err))
	}
}

// forget drops key after a failure so the next request fetches fresh.
func (w *Worker) forget(ctx context.Context, key string) {
	if w.deps.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := w.deps.Cache.Invalidate(ctx, key); err != nil {
		w.logger.Warn("result cache invalidate failed", zap.Error(err))
	}
}

func (w *Worker) persist(
	ctx context.Context,
	item scrape.QueueItem,
	domain string,
	p page,
	elapsed time.Duration,
) (scrape.Result, error) {
	hash := contentHash(p.resp.Body)
	result := scrape.Result{
		TaskID:       item.TaskID,
		URL:          item.Request.URL,
		FinalURL:     p.resp.URL,
		Domain:       domain,
		StatusCode:   p.resp.StatusCode,
		ContentHash:  hash,
		Items:        p.items,
		ItemCount:    len(p.items),
		UsedHeadless: p.resp.UsedHeadless,
		Duration:     elapsed,
		FetchedAt:    w.deps.Clock.Now(),
	}
	if w.deps.Blobs != nil {
		uri, err := w.deps.Blobs.PutObject(ctx, w.blobPath(domain, item.TaskID), w.cfg.ContentType, bytes.NewReader(p.resp.Body))
		if err != nil {
			return scrape.Result{}, fmt.Errorf("put object: %w", err)
		}
		result.BlobURI = uri
	}
	if err := w.deps.Store.SaveResult(ctx, result); err != nil {
		return scrape.Result{}, fmt.Errorf("save result: %w", err)
	}
	return result, nil
}

func (w *Worker) blobPath(domain, taskID string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", domain, taskID)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, domain, taskID)
}

func (w *Worker) fail(
	ctx context.Context,
	span trace.Span,
	item scrape.QueueItem,
	attempts int,
	err error,
	taskLog *resilience.TaskLog,
) {
	outcome := scrape.Outcome{
		Attempts:  attempts,
		ErrorKind: resilience.KindOf(err),
		ErrorText: err.Error(),
	}
	var execErr *resilience.ExecutionError
	if errors.As(err, &execErr) {
		outcome.Attempts = execErr.Attempts
		outcome.ErrorKind = execErr.Kind
	}
	status := scrape.TaskStatusFailed
	if ctx.Err() != nil || outcome.ErrorKind == resilience.KindCanceled {
		status = scrape.TaskStatusCanceled
	}
	w.finish(ctx, span, item, status, outcome, taskLog, nil)
}

// finish writes the terminal status and publishes the task event. It runs on a
// context detached from cancellation so shutdown still records the outcome.
func (w *Worker) finish(
	ctx context.Context,
	span trace.Span,
	item scrape.QueueItem,
	status scrape.TaskStatus,
	outcome scrape.Outcome,
	taskLog *resilience.TaskLog,
	result *scrape.Result,
) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if taskLog.Len() > 0 {
		summary := taskLog.Summary()
		outcome.Failures = &summary
	}
	logger := w.logger.With(zap.String("task_id", item.TaskID))
	if err := w.deps.Store.CompleteTask(ctx, item.TaskID, status, outcome); err != nil {
		logger.Error("final task status update failed", zap.Error(err))
	}
	metrics.ObserveTask(string(status))

	span.SetAttributes(attribute.String("task.status", string(status)))
	if status != scrape.TaskStatusSucceeded {
		span.SetStatus(codes.Error, outcome.ErrorText)
		logger.Warn("task finished without result",
			zap.String("status", string(status)),
			zap.String("error_kind", string(outcome.ErrorKind)),
			zap.Int("attempts", outcome.Attempts),
		)
	} else {
		logger.Info("task succeeded",
			zap.Int("attempts", outcome.Attempts),
			zap.Int("items", result.ItemCount),
			zap.Bool("headless", result.UsedHeadless),
		)
	}

	w.publish(ctx, item, status, outcome, result)
}

func (w *Worker) publish(
	ctx context.Context,
	item scrape.QueueItem,
	status scrape.TaskStatus,
	outcome scrape.Outcome,
	result *scrape.Result,
) {
	if w.cfg.ResultTopic == "" || w.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"task_id":   item.TaskID,
		"url":       item.Request.URL,
		"status":    status,
		"attempts":  outcome.Attempts,
		"timestamp": w.deps.Clock.Now().Format(time.RFC3339),
	}
	if outcome.ErrorKind != "" {
		payload["error_kind"] = outcome.ErrorKind
	}
	if len(item.Request.Tags) > 0 {
		payload["tags"] = item.Request.Tags
	}
	if result != nil {
		payload["blob_uri"] = result.BlobURI
		payload["hash"] = result.ContentHash
		payload["items"] = result.Items
		payload["headless"] = result.UsedHeadless
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.ResultTopic, payload); err != nil {
		w.logger.Error("publish task event failed", zap.String("task_id", item.TaskID), zap.Error(err))
	}
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
