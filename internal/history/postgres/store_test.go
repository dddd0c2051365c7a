package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/imagecrawl/imagecrawl/internal/history"
)

var runColumns = []string{
	"id", "root_uri", "max_depth", "strategy", "status",
	"total_images", "elapsed_ms", "started_at", "finished_at", "error_message",
}

func TestStoreCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(
			id,
			"https://example.com/",
			2,
			"pooled",
			history.StatusQueued,
			int64(0),
			int64(0),
			started,
			(*time.Time)(nil),
			(*string)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Create(context.Background(), history.RunRecord{
		ID:        id,
		RootURI:   "https://example.com/",
		MaxDepth:  2,
		Strategy:  "pooled",
		Status:    history.StatusQueued,
		StartedAt: started,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkRunningUpdatesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()
	started := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(history.StatusRunning, started, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkRunning(context.Background(), id, started))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkRunningMissingRowReturnsErrNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(history.StatusRunning, pgxmock.AnyArg(), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkRunning(context.Background(), id, time.Now().UTC())
	require.ErrorIs(t, err, history.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreFinishUpdatesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()
	finished := time.Unix(1700000200, 0).UTC()
	msg := "root fetch refused"

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(history.StatusFailed, int64(3), int64(4500), finished, &msg, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.Finish(context.Background(), id, finished, history.StatusFailed, 3, 4500, &msg)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetScansRecord(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(5 * time.Second)

	mock.ExpectQuery("SELECT (.+) FROM crawl_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runColumns).AddRow(
			id,
			"https://example.com/",
			2,
			"pooled",
			history.StatusSucceeded,
			int64(9),
			int64(5000),
			started,
			&finished,
			(*string)(nil),
		))

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, rec.ID)
	require.Equal(t, "https://example.com/", rec.RootURI)
	require.Equal(t, 2, rec.MaxDepth)
	require.Equal(t, history.StatusSucceeded, rec.Status)
	require.Equal(t, int64(9), rec.TotalImages)
	require.Equal(t, int64(5000), rec.ElapsedMS)
	require.NotNil(t, rec.FinishedAt)
	require.Equal(t, finished, *rec.FinishedAt)
	require.Nil(t, rec.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetMissingRowReturnsErrNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM crawl_runs").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err = store.Get(context.Background(), id)
	require.ErrorIs(t, err, history.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreListFiltersByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	first := uuid.New()
	second := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	failed := history.StatusFailed
	msg := "boom"

	mock.ExpectQuery("SELECT (.+) FROM crawl_runs").
		WithArgs(&failed, 50, 0).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow(first, "https://a.test/", 1, "", history.StatusFailed,
				int64(0), int64(10), started.Add(time.Minute), (*time.Time)(nil), &msg).
			AddRow(second, "https://b.test/", 2, "", history.StatusFailed,
				int64(1), int64(20), started, (*time.Time)(nil), &msg))

	runs, err := store.List(context.Background(), &failed, 50, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, first, runs[0].ID)
	require.Equal(t, second, runs[1].ID)
	require.NotNil(t, runs[0].Error)
	require.Equal(t, msg, *runs[0].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}
