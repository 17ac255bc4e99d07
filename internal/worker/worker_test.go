package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cachememory "github.com/JakeFAU/scrapegate/internal/cache/memory"
	pubmemory "github.com/JakeFAU/scrapegate/internal/publisher/memory"
	queuememory "github.com/JakeFAU/scrapegate/internal/queue/memory"
	"github.com/JakeFAU/scrapegate/internal/resilience"
	"github.com/JakeFAU/scrapegate/internal/scrape"
	storememory "github.com/JakeFAU/scrapegate/internal/storage/memory"
)

type instantPauser struct{}

func (instantPauser) Pause(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fakeFetcher struct {
	calls atomic.Int32
	fn    func(call int, req scrape.FetchRequest) (scrape.FetchResponse, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	n := int(f.calls.Add(1))
	return f.fn(n, req)
}

func okPage(url, body string) scrape.FetchResponse {
	return scrape.FetchResponse{URL: url, StatusCode: http.StatusOK, Body: []byte(body), Duration: 5 * time.Millisecond}
}

type promoteAll bool

func (p promoteAll) ShouldPromote(scrape.FetchResponse) bool { return bool(p) }

type fixture struct {
	queue  *queuememory.Queue
	store  *storememory.TaskStore
	blobs  *storememory.BlobStore
	pub    *pubmemory.Publisher
	cache  scrape.ResultCache
	engine *resilience.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := resilience.Config{
		Limiter: resilience.LimiterConfig{RequestsPerMinute: 1000, Window: time.Minute, MaxConcurrent: 2},
		Retry: resilience.RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			MaxDelay:          time.Minute,
			ExponentialBase:   2,
			NonRetryableKinds: []resilience.Kind{resilience.KindRejected},
		},
	}
	engine, err := resilience.New(cfg, resilience.WithPauser(instantPauser{}), resilience.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return &fixture{
		queue:  queuememory.NewQueue(8),
		store:  storememory.NewTaskStore(),
		blobs:  storememory.NewBlobStore(),
		pub:    pubmemory.New(),
		engine: engine,
	}
}

func (f *fixture) worker(t *testing.T, fetcher, headless scrape.Fetcher, promoter Promoter) *Worker {
	t.Helper()
	w, err := New(Dependencies{
		Queue:     f.queue,
		Store:     f.store,
		Engine:    f.engine,
		Fetcher:   fetcher,
		Headless:  headless,
		Promoter:  promoter,
		Blobs:     f.blobs,
		Publisher: f.pub,
		Cache:     f.cache,
	}, Config{BlobPrefix: "pages", ResultTopic: "scrape-results"}, zap.NewNop())
	require.NoError(t, err)
	return w
}

func (f *fixture) submit(t *testing.T, id string, req scrape.Request) scrape.QueueItem {
	t.Helper()
	require.NoError(t, f.store.CreateTask(context.Background(), scrape.Task{ID: id, Request: req, Submitted: time.Now().UTC()}))
	return scrape.QueueItem{TaskID: id, Request: req}
}

func (f *fixture) task(t *testing.T, id string) scrape.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestWorkerRunSucceedsAndPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fetcher := &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		return okPage(req.URL, `<ul><li class="price">$1.99</li><li class="price"> $2.49 </li></ul>`), nil
	}}
	w := f.worker(t, fetcher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	item := f.submit(t, "task-ok", scrape.Request{URL: "https://Shop.test/p/1", Selector: ".price", Tags: map[string]string{"sku": "1"}})
	require.NoError(t, f.queue.Enqueue(ctx, item))

	require.Eventually(t, func() bool {
		return f.task(t, "task-ok").Status == scrape.TaskStatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	task := f.task(t, "task-ok")
	require.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.Finished)
	require.Nil(t, task.Failures)

	result, err := f.store.GetResult(context.Background(), "task-ok")
	require.NoError(t, err)
	require.Equal(t, []string{"$1.99", "$2.49"}, result.Items)
	require.Equal(t, "shop.test", result.Domain)
	require.Equal(t, "memory://pages/shop.test/task-ok.html", result.BlobURI)
	require.Len(t, result.ContentHash, 64)

	_, ok := f.blobs.Object("pages/shop.test/task-ok.html")
	require.True(t, ok)

	msgs := f.pub.Messages("scrape-results")
	require.Len(t, msgs, 1)
	payload := msgs[0].Payload.(map[string]any)
	require.Equal(t, scrape.TaskStatusSucceeded, payload["status"])
	require.Equal(t, map[string]string{"sku": "1"}, payload["tags"])

	require.EqualValues(t, 1, f.engine.Snapshot().SuccessfulRequests)

	_ = f.queue.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after queue close")
	}
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fetcher := &fakeFetcher{fn: func(call int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		if call < 3 {
			return scrape.FetchResponse{}, resilience.RateSignal(errors.New("status 429"))
		}
		return okPage(req.URL, `<span class="price">$3.00</span>`), nil
	}}
	w := f.worker(t, fetcher, nil, nil)

	item := f.submit(t, "task-retry", scrape.Request{URL: "https://shop.test/p/2", Selector: ".price"})
	w.Process(context.Background(), item)

	task := f.task(t, "task-retry")
	require.Equal(t, scrape.TaskStatusSucceeded, task.Status)
	require.Equal(t, 3, task.Attempts)
	require.NotNil(t, task.Failures)
	require.Equal(t, 2, task.Failures.ErrorCount)
	require.Equal(t, 2, task.Failures.Kinds[resilience.KindRateSignal])
}

func TestWorkerMissingSelectorIsRetriedThenFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fetcher := &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		return okPage(req.URL, `<p>loading</p>`), nil
	}}
	w := f.worker(t, fetcher, nil, nil)

	item := f.submit(t, "task-extract", scrape.Request{URL: "https://shop.test/p/3", Selector: ".price"})
	w.Process(context.Background(), item)

	task := f.task(t, "task-extract")
	require.Equal(t, scrape.TaskStatusFailed, task.Status)
	require.Equal(t, resilience.KindExtraction, task.ErrorKind)
	require.Equal(t, 3, task.Attempts)
	require.EqualValues(t, 3, fetcher.calls.Load())

	_, err := f.store.GetResult(context.Background(), "task-extract")
	require.ErrorIs(t, err, scrape.ErrTaskNotFound)

	msgs := f.pub.Messages("scrape-results")
	require.Len(t, msgs, 1)
	require.Equal(t, resilience.KindExtraction, msgs[0].Payload.(map[string]any)["error_kind"])
}

func TestWorkerRejectedFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fetcher := &fakeFetcher{fn: func(int, scrape.FetchRequest) (scrape.FetchResponse, error) {
		return scrape.FetchResponse{}, resilience.Tag(resilience.KindRejected, errors.New("status 403"))
	}}
	w := f.worker(t, fetcher, nil, nil)

	item := f.submit(t, "task-403", scrape.Request{URL: "https://shop.test/p/4"})
	w.Process(context.Background(), item)

	task := f.task(t, "task-403")
	require.Equal(t, scrape.TaskStatusFailed, task.Status)
	require.Equal(t, resilience.KindRejected, task.ErrorKind)
	require.Equal(t, 1, task.Attempts)
	require.EqualValues(t, 1, fetcher.calls.Load())
}

func TestWorkerInvalidRequestNeverFetches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fetcher := &fakeFetcher{fn: func(int, scrape.FetchRequest) (scrape.FetchResponse, error) {
		t.Error("fetch should not run")
		return scrape.FetchResponse{}, nil
	}}
	w := f.worker(t, fetcher, nil, nil)

	for id, req := range map[string]scrape.Request{
		"bad-scheme":   {URL: "ftp://shop.test/file"},
		"bad-selector": {URL: "https://shop.test", Selector: "div[["},
	} {
		w.Process(context.Background(), f.submit(t, id, req))
		task := f.task(t, id)
		require.Equal(t, scrape.TaskStatusFailed, task.Status, id)
		require.Equal(t, resilience.KindValidation, task.ErrorKind, id)
		require.Zero(t, task.Attempts, id)
	}
	require.Zero(t, f.engine.Snapshot().TotalRequests)
}

func TestWorkerPromotesToHeadless(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	httpFetcher := &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		return okPage(req.URL, `<div id="__next"></div>`), nil
	}}
	headless := &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		if !req.UseHeadless {
			return scrape.FetchResponse{}, errors.New("expected headless request")
		}
		return okPage(req.URL, `<div id="__next"><b class="price">$9.99</b></div>`), nil
	}}
	w := f.worker(t, httpFetcher, headless, promoteAll(true))

	w.Process(context.Background(), f.submit(t, "task-spa", scrape.Request{URL: "https://spa.test", Selector: ".price"}))

	result, err := f.store.GetResult(context.Background(), "task-spa")
	require.NoError(t, err)
	require.True(t, result.UsedHeadless)
	require.Equal(t, []string{"$9.99"}, result.Items)
}

func TestWorkerKeepsHTTPResponseWhenPromotionFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	httpFetcher := &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		return okPage(req.URL, `<p class="price">$1</p>`), nil
	}}
	headless := &fakeFetcher{fn: func(int, scrape.FetchRequest) (scrape.FetchResponse, error) {
		return scrape.FetchResponse{}, resilience.Navigation(errors.New("chrome crashed"))
	}}
	w := f.worker(t, httpFetcher, headless, promoteAll(true))

	w.Process(context.Background(), f.submit(t, "task-fallback", scrape.Request{URL: "https://spa.test", Selector: ".price"}))

	task := f.task(t, "task-fallback")
	require.Equal(t, scrape.TaskStatusSucceeded, task.Status)
	require.NotNil(t, task.Failures)
	require.Equal(t, 1, task.Failures.WarningCount)

	result, err := f.store.GetResult(context.Background(), "task-fallback")
	require.NoError(t, err)
	require.False(t, result.UsedHeadless)
}

func TestWorkerCanceledContextMarksTaskCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fetcher := &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		return okPage(req.URL, "<p>x</p>"), nil
	}}
	w := f.worker(t, fetcher, nil, nil)
	item := f.submit(t, "task-cancel", scrape.Request{URL: "https://shop.test/p/5"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Process(ctx, item)

	task := f.task(t, "task-cancel")
	require.Equal(t, scrape.TaskStatusCanceled, task.Status)
	require.Equal(t, resilience.KindCanceled, task.ErrorKind)
	require.Zero(t, fetcher.calls.Load())
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Dependencies{}, Config{}, nil)
	require.Error(t, err)
}

// startRecorder records the wall-clock start of every fetch it serves.
type startRecorder struct {
	mu     sync.Mutex
	starts []time.Time
}

func (r *startRecorder) fetcher(body string) *fakeFetcher {
	return &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		r.mu.Lock()
		r.starts = append(r.starts, time.Now())
		r.mu.Unlock()
		return okPage(req.URL, body), nil
	}}
}

func TestWorkerPromotionIsGatedSeparately(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cfg := resilience.Config{
		Limiter: resilience.LimiterConfig{
			RequestsPerMinute: 1000,
			Window:            time.Minute,
			MinInterval:       300 * time.Millisecond,
			MaxConcurrent:     1,
		},
		Retry: resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2},
	}
	engine, err := resilience.New(cfg, resilience.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	f.engine = engine

	rec := &startRecorder{}
	httpFetcher := rec.fetcher(`<div id="__next"></div>`)
	headless := rec.fetcher(`<div id="__next"><b class="price">$9.99</b></div>`)
	w := f.worker(t, httpFetcher, headless, promoteAll(true))

	w.Process(context.Background(), f.submit(t, "task-gated", scrape.Request{URL: "https://spa.test", Selector: ".price"}))

	require.Equal(t, scrape.TaskStatusSucceeded, f.task(t, "task-gated").Status)
	require.Len(t, rec.starts, 2)
	// Fetch starts trail their ticket by scheduling noise only.
	require.GreaterOrEqual(t, rec.starts[1].Sub(rec.starts[0]), cfg.Limiter.MinInterval-time.Millisecond)

	stats := engine.Snapshot()
	require.EqualValues(t, 2, stats.TotalRequests)
	require.EqualValues(t, 2, stats.SuccessfulRequests)
	require.Equal(t, 2, f.task(t, "task-gated").Attempts)
}

type flakyStore struct {
	*storememory.TaskStore
	markErr error
}

func (s *flakyStore) MarkRunning(context.Context, string) error { return s.markErr }

func TestWorkerMarkRunningFailureFinishesTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fetcher := &fakeFetcher{fn: func(int, scrape.FetchRequest) (scrape.FetchResponse, error) {
		t.Error("fetch should not run")
		return scrape.FetchResponse{}, nil
	}}
	store := &flakyStore{TaskStore: f.store, markErr: errors.New("connection reset by peer")}
	w, err := New(Dependencies{
		Queue:     f.queue,
		Store:     store,
		Engine:    f.engine,
		Fetcher:   fetcher,
		Publisher: f.pub,
	}, Config{ResultTopic: "scrape-results"}, zap.NewNop())
	require.NoError(t, err)

	w.Process(context.Background(), f.submit(t, "task-db-down", scrape.Request{URL: "https://shop.test/p/6"}))

	task := f.task(t, "task-db-down")
	require.Equal(t, scrape.TaskStatusFailed, task.Status)
	require.Contains(t, task.ErrorText, "connection reset by peer")
	require.NotNil(t, task.Finished)
	require.Len(t, f.pub.Messages("scrape-results"), 1)
	require.Zero(t, f.engine.Snapshot().TotalRequests)
}

func TestWorkerServesRepeatRequestsFromCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cache = cachememory.New(time.Hour)
	fetcher := &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		return okPage(req.URL, `<span class="price">$5.00</span>`), nil
	}}
	w := f.worker(t, fetcher, nil, nil)

	w.Process(context.Background(), f.submit(t, "task-first", scrape.Request{URL: "https://shop.test/p/7", Selector: ".price"}))
	w.Process(context.Background(), f.submit(t, "task-repeat", scrape.Request{URL: "https://SHOP.test/p/7#top", Selector: ".price"}))

	require.EqualValues(t, 1, fetcher.calls.Load())
	require.EqualValues(t, 1, f.engine.Snapshot().TotalRequests)

	repeat := f.task(t, "task-repeat")
	require.Equal(t, scrape.TaskStatusSucceeded, repeat.Status)
	require.Zero(t, repeat.Attempts)

	result, err := f.store.GetResult(context.Background(), "task-repeat")
	require.NoError(t, err)
	require.Equal(t, "task-repeat", result.TaskID)
	require.Equal(t, "https://SHOP.test/p/7#top", result.URL)
	require.Equal(t, []string{"$5.00"}, result.Items)
	require.Equal(t, "memory://pages/shop.test/task-first.html", result.BlobURI)

	w.Process(context.Background(), f.submit(t, "task-other-selector", scrape.Request{URL: "https://shop.test/p/7", Selector: "span"}))
	require.EqualValues(t, 2, fetcher.calls.Load())
}

// spyCache always misses and records writes.
type spyCache struct {
	mu          sync.Mutex
	getErr      error
	sets        []string
	invalidated []string
}

func (c *spyCache) Get(context.Context, string) (scrape.Result, bool, error) {
	return scrape.Result{}, false, c.getErr
}

func (c *spyCache) Set(_ context.Context, key string, _ scrape.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, key)
	return nil
}

func (c *spyCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, key)
	return nil
}

func TestWorkerCacheWritesFollowOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spy := &spyCache{getErr: errors.New("cache unavailable")}
	f.cache = spy
	fetcher := &fakeFetcher{fn: func(_ int, req scrape.FetchRequest) (scrape.FetchResponse, error) {
		if req.URL == "https://shop.test/gone" {
			return scrape.FetchResponse{}, resilience.Tag(resilience.KindRejected, errors.New("status 403"))
		}
		return okPage(req.URL, `<i class="price">$1</i>`), nil
	}}
	w := f.worker(t, fetcher, nil, nil)

	ok := scrape.Request{URL: "https://shop.test/ok", Selector: ".price"}
	gone := scrape.Request{URL: "https://shop.test/gone", Selector: ".price"}
	w.Process(context.Background(), f.submit(t, "task-cache-ok", ok))
	w.Process(context.Background(), f.submit(t, "task-cache-gone", gone))

	require.Equal(t, scrape.TaskStatusSucceeded, f.task(t, "task-cache-ok").Status)
	require.Equal(t, scrape.TaskStatusFailed, f.task(t, "task-cache-gone").Status)
	require.Equal(t, []string{scrape.CacheKey(ok)}, spy.sets)
	require.Equal(t, []string{scrape.CacheKey(gone)}, spy.invalidated)
}
