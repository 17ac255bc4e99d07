package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scrapegate/internal/scrape"
)

// TaskStore provides an in-memory scrape.TaskStore for development/testing.
type TaskStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	tasks   map[string]scrape.Task
	results map[string]scrape.Result
}

var _ scrape.TaskStore = (*TaskStore)(nil)

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		now:     func() time.Time { return time.Now().UTC() },
		tasks:   make(map[string]scrape.Task),
		results: make(map[string]scrape.Result),
	}
}

// CreateTask stores a new task.
func (s *TaskStore) CreateTask(_ context.Context, task scrape.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("create task %s: %w", task.ID, scrape.ErrTaskExists)
	}
	if task.Status == "" {
		task.Status = scrape.TaskStatusQueued
	}
	s.tasks[task.ID] = task
	return nil
}

// MarkRunning flips a task to running and stamps its first start.
func (s *TaskStore) MarkRunning(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("mark running %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	task.Status = scrape.TaskStatusRunning
	if task.Started == nil {
		task.Started = pointerTime(s.now())
	}
	s.tasks[taskID] = task
	return nil
}

// CompleteTask writes the terminal status and failure details for a task.
func (s *TaskStore) CompleteTask(_ context.Context, taskID string, status scrape.TaskStatus, outcome scrape.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("complete task %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	task.Status = status
	task.Attempts = outcome.Attempts
	task.ErrorKind = outcome.ErrorKind
	task.ErrorText = outcome.ErrorText
	task.Failures = outcome.Failures
	if status.Terminal() {
		task.Finished = pointerTime(s.now())
	}
	s.tasks[taskID] = task
	return nil
}

// SaveResult records the result row for a task.
func (s *TaskStore) SaveResult(_ context.Context, result scrape.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[result.TaskID]; !ok {
		return fmt.Errorf("save result %s: %w", result.TaskID, scrape.ErrTaskNotFound)
	}
	result.Items = append([]string(nil), result.Items...)
	s.results[result.TaskID] = result
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (scrape.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return scrape.Task{}, scrape.ErrTaskNotFound
	}
	return task, nil
}

// GetResult fetches the result recorded for a task.
func (s *TaskStore) GetResult(_ context.Context, taskID string) (scrape.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[taskID]
	if !ok {
		return scrape.Result{}, scrape.ErrTaskNotFound
	}
	result.Items = append([]string(nil), result.Items...)
	return result, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
