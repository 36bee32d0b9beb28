package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/repository"
)

const (
	uniqueViolation = "23505"
	activeJobIndex  = "import_jobs_one_active_per_owner"
)

const jobColumns = `id, owner_id, filename, import_type, strategy, status,
total_records, processed_records, error_records, error,
created_at, started_at, finished_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Create inserts job as PENDING. The partial unique index on owner_id makes a
// second active job for the same owner fail with ErrActiveJobExists.
func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	const q = `
INSERT INTO import_jobs (id, owner_id, filename, import_type, strategy, status)
VALUES ($1, $2, $3, $4, $5, 'pending')
RETURNING status, created_at, updated_at;
`
	var status string
	err := r.pool.QueryRow(ctx, q, job.ID, job.OwnerID, job.Filename, job.ImportType, job.Strategy).
		Scan(&status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeJobIndex {
			return repository.ErrActiveJobExists
		}
		return err
	}
	job.Status = entity.JobStatus(status)
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM import_jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, newest first. A nil status lists all.
func (r *JobRepository) ListByOwner(ctx context.Context, ownerID string, status *entity.JobStatus, limit, offset int) ([]entity.Job, error) {
	q := `SELECT ` + jobColumns + `
FROM import_jobs
WHERE owner_id = $1 AND ($2::text IS NULL OR status = $2::text)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4;`

	var st *string
	if status != nil {
		s := string(*status)
		st = &s
	}

	rows, err := r.pool.Query(ctx, q, ownerID, st, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (r *JobRepository) HasActiveJob(ctx context.Context, ownerID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM import_jobs WHERE owner_id = $1 AND status IN ('pending', 'running'));`

	var exists bool
	if err := r.pool.QueryRow(ctx, q, ownerID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpdateStatus moves the job to status if the lifecycle allows it from the
// current status. RUNNING stamps started_at; terminal statuses stamp finished_at.
func (r *JobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, errMsg *string) error {
	const q = `
UPDATE import_jobs SET
    status      = $2::text,
    error       = $3,
    started_at  = CASE WHEN $2::text = 'running' THEN now() ELSE started_at END,
    finished_at = CASE WHEN $2::text IN ('completed', 'failed') THEN now() ELSE finished_at END,
    updated_at  = now()
WHERE id = $1 AND status = ANY($4::text[]);
`
	from := make([]string, 0, 2)
	for _, s := range status.Predecessors() {
		from = append(from, string(s))
	}

	tag, err := r.pool.Exec(ctx, q, id, string(status), errMsg, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missed(ctx, id, status)
	}
	return nil
}

// UpdateProgress adds deltas to the counters of a RUNNING job.
func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, processedDelta, errorDelta int64) error {
	const q = `
UPDATE import_jobs SET
    processed_records = processed_records + $2,
    error_records     = error_records + $3,
    updated_at        = now()
WHERE id = $1 AND status = 'running';
`
	tag, err := r.pool.Exec(ctx, q, id, processedDelta, errorDelta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missed(ctx, id, entity.StatusRunning)
	}
	return nil
}

// Complete freezes the final counts and marks the job COMPLETED.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, counts entity.JobCounts) error {
	const q = `
UPDATE import_jobs SET
    status            = 'completed',
    total_records     = $2,
    processed_records = $3,
    error_records     = $4,
    error             = NULL,
    finished_at       = now(),
    updated_at        = now()
WHERE id = $1 AND status = 'running';
`
	tag, err := r.pool.Exec(ctx, q, id, counts.Total, counts.Processed, counts.Errors)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missed(ctx, id, entity.StatusCompleted)
	}
	return nil
}

// missed tells a missing row from a row in the wrong status.
func (r *JobRepository) missed(ctx context.Context, id uuid.UUID, want entity.JobStatus) error {
	var current string
	err := r.pool.QueryRow(ctx, `SELECT status FROM import_jobs WHERE id = $1;`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s, cannot apply %s", repository.ErrStatusConflict, id, current, want)
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job    entity.Job
		status string
	)
	// error, started_at and finished_at scan NULL as nil
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Filename,
		&job.ImportType,
		&job.Strategy,
		&status,
		&job.TotalRecords,
		&job.ProcessedRecords,
		&job.ErrorRecords,
		&job.Error,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = entity.JobStatus(status)
	return &job, nil
}
