package repository

import "errors"

// Shared by every job store implementation.
var (
	ErrNotFound        = errors.New("not found")
	ErrStatusConflict  = errors.New("job status conflict")
	ErrActiveJobExists = errors.New("owner already has an active import job")
)
