package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/repository"
	"import-worker-service/internal/repository/memory"
)

func newJob(owner string) *entity.Job {
	return &entity.Job{OwnerID: owner, Filename: "schools.csv", ImportType: "institutions"}
}

func TestJobRepository_Transitions(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	job := newJob("u1")
	require.NoError(t, repo.Create(ctx, job))
	assert.Equal(t, entity.StatusPending, job.Status)

	assert.ErrorIs(t, repo.Complete(ctx, job.ID, entity.JobCounts{}), repository.ErrStatusConflict)
	assert.ErrorIs(t, repo.UpdateProgress(ctx, job.ID, 1, 0), repository.ErrStatusConflict)

	require.NoError(t, repo.UpdateStatus(ctx, job.ID, entity.StatusRunning, nil))
	require.NoError(t, repo.UpdateProgress(ctx, job.ID, 4, 1))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.ProcessedRecords)
	assert.Equal(t, int64(1), got.ErrorRecords)
	require.NotNil(t, got.StartedAt)

	msg := "boom"
	require.NoError(t, repo.UpdateStatus(ctx, job.ID, entity.StatusFailed, &msg))

	got, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, "boom", *got.Error)
	assert.NotNil(t, got.FinishedAt)

	// терминальный статус окончательный
	assert.ErrorIs(t, repo.UpdateStatus(ctx, job.ID, entity.StatusRunning, nil), repository.ErrStatusConflict)
	assert.ErrorIs(t, repo.Complete(ctx, job.ID, entity.JobCounts{}), repository.ErrStatusConflict)
}

func TestJobRepository_NotFound(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	_, err := repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateProgress(ctx, uuid.New(), 1, 1), repository.ErrNotFound)
}

func TestJobRepository_ConcurrentCreateSingleActive(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Create(ctx, newJob("u1"))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrActiveJobExists)
	}
	assert.Equal(t, 1, ok)

	// other owners are unaffected
	require.NoError(t, repo.Create(ctx, newJob("u2")))
}

func TestJobRepository_ListByOwner(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := newJob("u1")
		require.NoError(t, repo.Create(ctx, j))
		require.NoError(t, repo.UpdateStatus(ctx, j.ID, entity.StatusFailed, nil))
	}
	require.NoError(t, repo.Create(ctx, newJob("u2")))

	all, err := repo.ListByOwner(ctx, "u1", nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := repo.ListByOwner(ctx, "u1", nil, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	pending := entity.StatusPending
	none, err := repo.ListByOwner(ctx, "u1", &pending, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordRepository_LastWriteWins(t *testing.T) {
	repo := memory.NewRecordRepository()
	ctx := context.Background()
	code := int64(7)
	first, second := uuid.New(), uuid.New()

	require.NoError(t, repo.Write(ctx, first, []entity.Record{entity.NewRecord(entity.RecordFields{Code: &code, Name: "a"})}))
	require.NoError(t, repo.Write(ctx, second, []entity.Record{entity.NewRecord(entity.RecordFields{Code: &code, Name: "b"})}))

	rec, ok := repo.Get(code)
	require.True(t, ok)
	assert.Equal(t, "b", rec.Name())

	n, err := repo.CountByJob(ctx, first)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = repo.Write(ctx, first, []entity.Record{entity.NewRecord(entity.RecordFields{Name: "keyless"})})
	assert.Error(t, err)
	assert.Equal(t, 2, repo.Writes())
}
