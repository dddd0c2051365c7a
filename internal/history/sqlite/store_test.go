package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/imagecrawl/imagecrawl/internal/history"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestStoreRunLifecycle(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	created := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.Create(ctx, history.RunRecord{
		ID:        id,
		RootURI:   "https://example.com/",
		MaxDepth:  3,
		Strategy:  "pooled",
		Status:    history.StatusQueued,
		StartedAt: created,
	}))

	started := created.Add(2 * time.Second)
	require.NoError(t, store.MarkRunning(ctx, id, started))

	mid, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, history.StatusRunning, mid.Status)
	require.Equal(t, started, mid.StartedAt)
	require.Nil(t, mid.FinishedAt)

	finished := started.Add(4 * time.Second)
	msg := "root fetch refused"
	require.NoError(t, store.Finish(ctx, id, finished, history.StatusFailed, 7, 4000, &msg))

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, rec.ID)
	require.Equal(t, "https://example.com/", rec.RootURI)
	require.Equal(t, 3, rec.MaxDepth)
	require.Equal(t, "pooled", rec.Strategy)
	require.Equal(t, history.StatusFailed, rec.Status)
	require.Equal(t, int64(7), rec.TotalImages)
	require.Equal(t, int64(4000), rec.ElapsedMS)
	require.NotNil(t, rec.FinishedAt)
	require.Equal(t, finished, *rec.FinishedAt)
	require.NotNil(t, rec.Error)
	require.Equal(t, msg, *rec.Error)
}

func TestStoreMissingRunsReturnErrNotFound(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := store.Get(ctx, id)
	require.ErrorIs(t, err, history.ErrNotFound)
	require.ErrorIs(t, store.MarkRunning(ctx, id, time.Now()), history.ErrNotFound)
	require.ErrorIs(
		t,
		store.Finish(ctx, id, time.Now(), history.StatusCancelled, 0, 0, nil),
		history.ErrNotFound,
	)
}

func TestStoreListFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		status := history.StatusSucceeded
		if i == 3 {
			status = history.StatusCancelled
		}
		require.NoError(t, store.Create(ctx, history.RunRecord{
			ID:        ids[i],
			RootURI:   "https://example.com/",
			MaxDepth:  1,
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := store.List(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, ids[3], all[0].ID)
	require.Equal(t, ids[0], all[3].ID)

	cancelled := history.StatusCancelled
	got, err := store.List(ctx, &cancelled, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ids[3], got[0].ID)

	page, err := store.List(ctx, nil, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[2], page[0].ID)
	require.Equal(t, ids[1], page[1].ID)
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	store, path := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.Create(ctx, history.RunRecord{
		ID:        id,
		RootURI:   "https://example.com/",
		MaxDepth:  1,
		Status:    history.StatusQueued,
		StartedAt: time.Unix(1700000000, 0).UTC(),
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, rec.ID)
	require.Equal(t, history.StatusQueued, rec.Status)
}
