package entity

import (
	"time"

	"github.com/google/uuid"
)

// JobMessage is the payload handed from the submission path to the worker.
type JobMessage struct {
	JobID       uuid.UUID `json:"job_id"`
	Filename    string    `json:"filename"`
	FileHandle  string    `json:"file_handle"`
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
	ImportType  string    `json:"import_type"`
	Strategy    string    `json:"strategy"`
}
