package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapegate/internal/resilience"
	"github.com/JakeFAU/scrapegate/internal/scrape"
)

func newMockStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	fixed := time.Unix(1_700_000_000, 0).UTC()
	store.now = func() time.Time { return fixed }
	return store, mock
}

func TestNewWithPoolRejectsBadTableNames(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "tasks; DROP TABLE x", "")
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewWithPool(nil, "", "")
	require.Error(t, err)
}

func TestCreateTaskInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1_700_000_000, 0).UTC()
	task := scrape.Task{ID: "task-1", Request: scrape.Request{URL: "https://shop.test/p/1"}, Submitted: submitted}

	mock.ExpectExec("INSERT INTO scrape_tasks").
		WithArgs("task-1", []byte(`{"url":"https://shop.test/p/1"}`), "queued", submitted).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO scrape_tasks").
		WithArgs("task-1", pgxmock.AnyArg(), "queued", submitted).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.CreateTask(context.Background(), task))
	err := store.CreateTask(context.Background(), task)
	require.ErrorIs(t, err, scrape.ErrTaskExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningAndComplete(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := store.now()

	mock.ExpectExec("UPDATE scrape_tasks").
		WithArgs("running", now, "task-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE scrape_tasks").
		WithArgs("failed", 3, "rate_signal", "gave up", pgxmock.AnyArg(), &now, "task-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE scrape_tasks").
		WithArgs("running", now, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, store.MarkRunning(ctx, "task-2"))

	log := resilience.NewTaskLog("task-2", nil)
	log.LogError("attempt 1 failed", resilience.RateSignal(errors.New("429")))
	summary := log.Summary()
	require.NoError(t, store.CompleteTask(ctx, "task-2", scrape.TaskStatusFailed, scrape.Outcome{
		Attempts:  3,
		ErrorKind: resilience.KindRateSignal,
		ErrorText: "gave up",
		Failures:  &summary,
	}))
	require.ErrorIs(t, store.MarkRunning(ctx, "missing"), scrape.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveResultUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	fetched := time.Unix(1_700_000_100, 0).UTC()
	result := scrape.Result{
		TaskID:      "task-3",
		URL:         "https://shop.test/p/3",
		FinalURL:    "https://shop.test/p/3",
		Domain:      "shop.test",
		StatusCode:  200,
		ContentHash: "abc123",
		BlobURI:     "gs://pages/task-3.html",
		Duration:    1500 * time.Millisecond,
		FetchedAt:   fetched,
	}

	mock.ExpectExec("INSERT INTO scrape_results").
		WithArgs("task-3", result.URL, result.FinalURL, "shop.test", 200, "abc123",
			result.BlobURI, []byte(`[]`), false, int64(1500), fetched).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveResult(context.Background(), result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskDecodesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1_700_000_000, 0).UTC()
	started := submitted.Add(time.Second)
	finished := submitted.Add(5 * time.Second)

	rows := pgxmock.NewRows([]string{
		"task_id", "request", "status", "attempts", "error_kind", "error_text", "failures",
		"submitted_at", "started_at", "finished_at",
	}).AddRow(
		"task-4",
		[]byte(`{"url":"https://shop.test/p/4","selector":".price"}`),
		"failed",
		2,
		"validation",
		"bad selector",
		[]byte(`{"task_id":"task-4","error_count":1,"warning_count":0,"entries":[]}`),
		submitted,
		&started,
		&finished,
	)
	mock.ExpectQuery("SELECT task_id, request").WithArgs("task-4").WillReturnRows(rows)

	task, err := store.GetTask(context.Background(), "task-4")
	require.NoError(t, err)
	require.Equal(t, scrape.TaskStatusFailed, task.Status)
	require.Equal(t, ".price", task.Request.Selector)
	require.Equal(t, resilience.KindValidation, task.ErrorKind)
	require.NotNil(t, task.Failures)
	require.Equal(t, 1, task.Failures.ErrorCount)
	require.Equal(t, started, *task.Started)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingRowsMapToNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT task_id, request").WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT task_id, url").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTask(context.Background(), "nope")
	require.ErrorIs(t, err, scrape.ErrTaskNotFound)
	_, err = store.GetResult(context.Background(), "nope")
	require.ErrorIs(t, err, scrape.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResultDecodesItems(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	fetched := time.Unix(1_700_000_100, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"task_id", "url", "final_url", "domain", "status_code", "content_hash",
		"blob_uri", "items", "used_headless", "duration_ms", "fetched_at",
	}).AddRow("task-5", "https://shop.test", "https://shop.test/", "shop.test", 200, "h",
		"", []byte(`["$1.99","$2.49"]`), true, int64(250), fetched)
	mock.ExpectQuery("SELECT task_id, url").WithArgs("task-5").WillReturnRows(rows)

	r, err := store.GetResult(context.Background(), "task-5")
	require.NoError(t, err)
	require.Equal(t, []string{"$1.99", "$2.49"}, r.Items)
	require.Equal(t, 2, r.ItemCount)
	require.Equal(t, 250*time.Millisecond, r.Duration)
	require.True(t, r.UsedHeadless)
	require.NoError(t, mock.ExpectationsWereMet())
}
