package postgresql

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"import-worker-service/internal/entity"
)

// RecordRepository upserts institution records keyed by code. A later import
// overwrites the fields of an existing code.
type RecordRepository struct {
	pool *pgxpool.Pool
}

func NewRecordRepository(pool *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

const upsertRecord = `
INSERT INTO institution_records (code, name, city, state, year, metrics, job_id, source_line, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (code) DO UPDATE SET
    name        = EXCLUDED.name,
    city        = EXCLUDED.city,
    state       = EXCLUDED.state,
    year        = EXCLUDED.year,
    metrics     = EXCLUDED.metrics,
    job_id      = EXCLUDED.job_id,
    source_line = EXCLUDED.source_line,
    updated_at  = now();
`

// Write sends the whole chunk as one pipelined batch.
func (r *RecordRepository) Write(ctx context.Context, jobID uuid.UUID, records []entity.Record) error {
	if len(records) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, rec := range records {
		code, ok := rec.Code()
		if !ok {
			return fmt.Errorf("line %d: record has no code", rec.Line())
		}
		metrics, err := json.Marshal(rec.Metrics())
		if err != nil {
			return fmt.Errorf("line %d: encode metrics: %w", rec.Line(), err)
		}

		var year *int16
		if y, ok := rec.Year(); ok {
			year = &y
		}
		b.Queue(upsertRecord, code, rec.Name(), rec.City(), rec.State(), year, metrics, jobID, rec.Line())
	}

	return r.pool.SendBatch(ctx, b).Close()
}

// CountByJob returns how many stored records were last written by jobID.
func (r *RecordRepository) CountByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM institution_records WHERE job_id = $1;`, jobID).Scan(&n)
	return n, err
}
