package scrape

import (
	"errors"
	"time"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

// TaskStatus enumerates lifecycle states for a scrape task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for a worker.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning indicates a worker is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the page was fetched and stored.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the engine gave up on the task.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCanceled indicates shutdown interrupted the task.
	TaskStatusCanceled TaskStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

var (
	// ErrTaskNotFound is returned by stores for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when creating a task whose ID is taken.
	ErrTaskExists = errors.New("task already exists")
	// ErrQueueClosed is returned by queues that will never yield another item.
	ErrQueueClosed = errors.New("queue closed")
)

// Request is what a client submits.
type Request struct {
	URL      string            `json:"url"`
	Selector string            `json:"selector,omitempty"`
	MaxItems int               `json:"max_items,omitempty"`
	Headless bool              `json:"headless,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Task is the stored record for one submitted Request.
type Task struct {
	ID        string              `json:"task_id"`
	Request   Request             `json:"request"`
	Status    TaskStatus          `json:"status"`
	Attempts  int                 `json:"attempts"`
	ErrorKind resilience.Kind     `json:"error_kind,omitempty"`
	ErrorText string              `json:"error_text,omitempty"`
	Failures  *resilience.Summary `json:"failures,omitempty"`
	Submitted time.Time           `json:"submitted_at"`
	Started   *time.Time          `json:"started_at,omitempty"`
	Finished  *time.Time          `json:"finished_at,omitempty"`
}

// Outcome carries the terminal details a worker writes back to a task.
type Outcome struct {
	Attempts  int
	ErrorKind resilience.Kind
	ErrorText string
	Failures  *resilience.Summary
}

// Result is what a successful task produced.
type Result struct {
	TaskID       string        `json:"task_id"`
	URL          string        `json:"url"`
	FinalURL     string        `json:"final_url"`
	Domain       string        `json:"domain"`
	StatusCode   int           `json:"status_code"`
	ContentHash  string        `json:"content_hash"`
	BlobURI      string        `json:"blob_uri,omitempty"`
	Items        []string      `json:"items,omitempty"`
	ItemCount    int           `json:"item_count"`
	UsedHeadless bool          `json:"used_headless"`
	Duration     time.Duration `json:"duration_ns"`
	FetchedAt    time.Time     `json:"fetched_at"`
}

// QueueItem wraps a task ready to run.
type QueueItem struct {
	TaskID    string  `json:"task_id"`
	Request   Request `json:"request"`
	Submitted int64   `json:"submitted"`
}

// FetchRequest describes one page fetch.
type FetchRequest struct {
	TaskID       string
	URL          string
	WaitSelector string
	UseHeadless  bool
}

// FetchResponse holds a fetched page.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Body         []byte
	Headers      map[string][]string
	Duration     time.Duration
	UsedHeadless bool
}
