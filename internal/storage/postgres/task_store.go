// Package postgres provides a Postgres-backed scrape.TaskStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapegate/internal/resilience"
	"github.com/JakeFAU/scrapegate/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	TasksTable      string
	ResultsTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore persists tasks and results into two tables.
type TaskStore struct {
	pool    pool
	tasks   string
	results string
	now     func() time.Time
}

var _ scrape.TaskStore = (*TaskStore)(nil)

// New connects a pgx pool and returns a TaskStore.
func New(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.TasksTable, cfg.ResultsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, tasksTable, resultsTable string) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if tasksTable == "" {
		tasksTable = "scrape_tasks"
	}
	if resultsTable == "" {
		resultsTable = "scrape_results"
	}
	for _, table := range []string{tasksTable, resultsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &TaskStore{
		pool:    p,
		tasks:   tasksTable,
		results: resultsTable,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates both tables when they do not exist.
func (s *TaskStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id      TEXT PRIMARY KEY,
	request      JSONB NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	error_kind   TEXT NOT NULL DEFAULT '',
	error_text   TEXT NOT NULL DEFAULT '',
	failures     JSONB,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS %s (
	task_id       TEXT PRIMARY KEY REFERENCES %s (task_id),
	url           TEXT NOT NULL,
	final_url     TEXT NOT NULL,
	domain        TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	content_hash  TEXT NOT NULL,
	blob_uri      TEXT NOT NULL DEFAULT '',
	items         JSONB NOT NULL,
	used_headless BOOLEAN NOT NULL,
	duration_ms   BIGINT NOT NULL,
	fetched_at    TIMESTAMPTZ NOT NULL
)`, s.tasks, s.results, s.tasks)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CreateTask inserts a queued task.
func (s *TaskStore) CreateTask(ctx context.Context, task scrape.Task) error {
	req, err := json.Marshal(task.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	status := task.Status
	if status == "" {
		status = scrape.TaskStatusQueued
	}
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, request, status, submitted_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (task_id) DO NOTHING`, s.tasks)
	tag, err := s.pool.Exec(ctx, query, task.ID, req, string(status), task.Submitted)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create task %s: %w", task.ID, scrape.ErrTaskExists)
	}
	return nil
}

// MarkRunning flips a task to running, keeping the first start time.
func (s *TaskStore) MarkRunning(ctx context.Context, taskID string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, started_at = COALESCE(started_at, $2)
WHERE task_id = $3`, s.tasks)
	tag, err := s.pool.Exec(ctx, query, string(scrape.TaskStatusRunning), s.now(), taskID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark running %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	return nil
}

// CompleteTask writes the terminal status and the failure summary.
func (s *TaskStore) CompleteTask(ctx context.Context, taskID string, status scrape.TaskStatus, outcome scrape.Outcome) error {
	var failures []byte
	if outcome.Failures != nil {
		b, err := json.Marshal(outcome.Failures)
		if err != nil {
			return fmt.Errorf("marshal failures: %w", err)
		}
		failures = b
	}
	var finished *time.Time
	if status.Terminal() {
		now := s.now()
		finished = &now
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, attempts = $2, error_kind = $3, error_text = $4, failures = $5, finished_at = $6
WHERE task_id = $7`, s.tasks)
	tag, err := s.pool.Exec(ctx, query,
		string(status),
		outcome.Attempts,
		string(outcome.ErrorKind),
		outcome.ErrorText,
		failures,
		finished,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete task %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	return nil
}

// SaveResult upserts the result row for a task.
func (s *TaskStore) SaveResult(ctx context.Context, r scrape.Result) error {
	items, err := json.Marshal(nonNil(r.Items))
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	task_id, url, final_url, domain, status_code, content_hash,
	blob_uri, items, used_headless, duration_ms, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (task_id) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	status_code = EXCLUDED.status_code,
	content_hash = EXCLUDED.content_hash,
	blob_uri = EXCLUDED.blob_uri,
	items = EXCLUDED.items,
	used_headless = EXCLUDED.used_headless,
	duration_ms = EXCLUDED.duration_ms,
	fetched_at = EXCLUDED.fetched_at`, s.results)
	_, err = s.pool.Exec(ctx, query,
		r.TaskID,
		r.URL,
		r.FinalURL,
		r.Domain,
		r.StatusCode,
		r.ContentHash,
		r.BlobURI,
		items,
		r.UsedHeadless,
		r.Duration.Milliseconds(),
		r.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetTask retrieves a single task by its ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (scrape.Task, error) {
	query := fmt.Sprintf(`
SELECT task_id, request, status, attempts, error_kind, error_text, failures,
	submitted_at, started_at, finished_at
FROM %s
WHERE task_id = $1`, s.tasks)
	var (
		task              scrape.Task
		req, failures     []byte
		status, errorKind string
	)
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&task.ID,
		&req,
		&status,
		&task.Attempts,
		&errorKind,
		&task.ErrorText,
		&failures,
		&task.Submitted,
		&task.Started,
		&task.Finished,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Task{}, scrape.ErrTaskNotFound
		}
		return scrape.Task{}, fmt.Errorf("get task: %w", err)
	}
	task.Status = scrape.TaskStatus(status)
	task.ErrorKind = resilience.Kind(errorKind)
	if err := json.Unmarshal(req, &task.Request); err != nil {
		return scrape.Task{}, fmt.Errorf("decode request: %w", err)
	}
	if len(failures) > 0 {
		var summary resilience.Summary
		if err := json.Unmarshal(failures, &summary); err != nil {
			return scrape.Task{}, fmt.Errorf("decode failures: %w", err)
		}
		task.Failures = &summary
	}
	return task, nil
}

// GetResult retrieves the result stored for a task.
func (s *TaskStore) GetResult(ctx context.Context, taskID string) (scrape.Result, error) {
	query := fmt.Sprintf(`
SELECT task_id, url, final_url, domain, status_code, content_hash,
	blob_uri, items, used_headless, duration_ms, fetched_at
FROM %s
WHERE task_id = $1`, s.results)
	var (
		r          scrape.Result
		items      []byte
		durationMS int64
	)
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&r.TaskID,
		&r.URL,
		&r.FinalURL,
		&r.Domain,
		&r.StatusCode,
		&r.ContentHash,
		&r.BlobURI,
		&items,
		&r.UsedHeadless,
		&durationMS,
		&r.FetchedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Result{}, scrape.ErrTaskNotFound
		}
		return scrape.Result{}, fmt.Errorf("get result: %w", err)
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return scrape.Result{}, fmt.Errorf("decode items: %w", err)
	}
	r.ItemCount = len(r.Items)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return r, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
