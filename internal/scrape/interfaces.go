package scrape

import (
	"context"
	"io"
	"time"
)

// TaskStore persists tasks and their results.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	MarkRunning(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string, status TaskStatus, outcome Outcome) error
	SaveResult(ctx context.Context, result Result) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	GetResult(ctx context.Context, taskID string) (Result, error)
}

// BlobStore writes raw pages and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes task events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata. Failures are
// tagged with a resilience.Kind.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ResultCache remembers recent successful results so repeated requests can
// skip the fetch. Get reports a miss with ok=false and a nil error.
type ResultCache interface {
	Get(ctx context.Context, key string) (result Result, ok bool, err error)
	Set(ctx context.Context, key string, result Result) error
	Invalidate(ctx context.Context, key string) error
}

// Queue provides enqueue/dequeue semantics for scrape tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
