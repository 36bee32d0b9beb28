// Package memory holds process-local stores used by the single-binary run mode
// and by tests. They follow the PostgreSQL stores' semantics.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/repository"
)

type JobRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.Job
	now  func() time.Time
}

func NewJobRepository() *JobRepository {
	return &JobRepository{
		jobs: make(map[uuid.UUID]*entity.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create checks for an active job and inserts under one lock, so concurrent
// submissions for the same owner produce exactly one job.
func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasActive(job.OwnerID) {
		return repository.ErrActiveJobExists
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, dup := r.jobs[job.ID]; dup {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	now := r.now()
	job.Status = entity.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := *job
	r.jobs[job.ID] = &stored
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepository) ListByOwner(ctx context.Context, ownerID string, status *entity.JobStatus, limit, offset int) ([]entity.Job, error) {
	r.mu.Lock()
	var out []entity.Job
	for _, j := range r.jobs {
		if j.OwnerID != ownerID || (status != nil && j.Status != *status) {
			continue
		}
		out = append(out, *j)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b entity.Job) int { return b.CreatedAt.Compare(a.CreatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepository) HasActiveJob(ctx context.Context, ownerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasActive(ownerID), nil
}

func (r *JobRepository) hasActive(ownerID string) bool {
	for _, j := range r.jobs {
		if j.OwnerID == ownerID && j.Status.Active() {
			return true
		}
	}
	return false
}

func (r *JobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.transition(id, status)
	if err != nil {
		return err
	}

	now := r.now()
	j.Status = status
	j.Error = cloneString(errMsg)
	j.UpdatedAt = now
	switch {
	case status == entity.StatusRunning:
		j.StartedAt = &now
	case status.Terminal():
		j.FinishedAt = &now
	}
	return nil
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, processedDelta, errorDelta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != entity.StatusRunning {
		return fmt.Errorf("%w: job %s is %s, cannot apply %s", repository.ErrStatusConflict, id, j.Status, entity.StatusRunning)
	}
	j.ProcessedRecords += processedDelta
	j.ErrorRecords += errorDelta
	j.UpdatedAt = r.now()
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, counts entity.JobCounts) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.transition(id, entity.StatusCompleted)
	if err != nil {
		return err
	}

	now := r.now()
	j.Status = entity.StatusCompleted
	j.TotalRecords = counts.Total
	j.ProcessedRecords = counts.Processed
	j.ErrorRecords = counts.Errors
	j.Error = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

func (r *JobRepository) transition(id uuid.UUID, next entity.JobStatus) (*entity.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !j.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: job %s is %s, cannot apply %s", repository.ErrStatusConflict, id, j.Status, next)
	}
	return j, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
