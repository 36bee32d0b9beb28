package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"import-worker-service/internal/entity"
)

type storedRecord struct {
	jobID  uuid.UUID
	record entity.Record
}

// RecordRepository keeps the last written record per code.
type RecordRepository struct {
	mu     sync.Mutex
	byCode map[int64]storedRecord
	writes int
}

func NewRecordRepository() *RecordRepository {
	return &RecordRepository{byCode: make(map[int64]storedRecord)}
}

func (r *RecordRepository) Write(ctx context.Context, jobID uuid.UUID, records []entity.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		code, ok := rec.Code()
		if !ok {
			return fmt.Errorf("line %d: record has no code", rec.Line())
		}
		r.byCode[code] = storedRecord{jobID: jobID, record: rec}
	}
	r.writes++
	return nil
}

func (r *RecordRepository) Get(code int64) (entity.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCode[code]
	return s.record, ok
}

func (r *RecordRepository) CountByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, s := range r.byCode {
		if s.jobID == jobID {
			n++
		}
	}
	return n, nil
}

// Writes reports how many non-rejected Write calls were made.
func (r *RecordRepository) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// Discard accepts and drops every record. It backs dry runs.
type Discard struct {
	mu      sync.Mutex
	records int64
}

func (d *Discard) Write(ctx context.Context, jobID uuid.UUID, records []entity.Record) error {
	d.mu.Lock()
	d.records += int64(len(records))
	d.mu.Unlock()
	return nil
}

// Count reports how many records were dropped.
func (d *Discard) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.records
}
