package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/ingest"
	"import-worker-service/internal/repository"
)

// Порт репозитория (реализации: postgresql.JobRepository, memory.JobRepository)
type JobStore interface {
	Create(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ListByOwner(ctx context.Context, ownerID string, status *entity.JobStatus, limit, offset int) ([]entity.Job, error)
	HasActiveJob(ctx context.Context, ownerID string) (bool, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, errMsg *string) error
}

// FileStorage keeps uploaded files until the worker has read them.
type FileStorage interface {
	Store(ctx context.Context, jobID uuid.UUID, filename string, r io.Reader) (string, error)
	Delete(ctx context.Context, handle string) error
}

// Маленький порт очереди только для публикации.
type Publisher interface {
	Publish(ctx context.Context, msg entity.JobMessage) error
}

// Notifier publishes a job snapshot. It never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, job entity.Job, message string)
}

var ErrInvalidRequest = errors.New("invalid import request")

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type ImportService struct {
	jobs            JobStore
	files           FileStorage
	queue           Publisher
	notifier        Notifier
	log             *zap.Logger
	defaultStrategy string
	now             func() time.Time
}

func NewImportService(jobs JobStore, files FileStorage, queue Publisher, notifier Notifier, log *zap.Logger) *ImportService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ImportService{
		jobs:            jobs,
		files:           files,
		queue:           queue,
		notifier:        notifier,
		log:             log,
		defaultStrategy: ingest.StrategyIdentity,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// WithDefaultStrategy sets the strategy used when a request names none.
func (s *ImportService) WithDefaultStrategy(name string) *ImportService {
	if name != "" {
		s.defaultStrategy = name
	}
	return s
}

type SubmitRequest struct {
	OwnerID    string
	Filename   string
	ImportType string
	Strategy   string
	File       io.Reader
}

func (s *ImportService) validate(req *SubmitRequest) error {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.ImportType = strings.TrimSpace(req.ImportType)
	req.Strategy = strings.TrimSpace(req.Strategy)

	switch {
	case req.OwnerID == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Filename) == "":
		return fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	case req.File == nil:
		return fmt.Errorf("%w: file is required", ErrInvalidRequest)
	case !ingest.KnownImportType(req.ImportType):
		return fmt.Errorf("%w: unknown import type %q", ErrInvalidRequest, req.ImportType)
	}

	if req.Strategy == "" {
		req.Strategy = s.defaultStrategy
	}
	if !slices.Contains(ingest.StrategyNames(), req.Strategy) {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
	}
	return nil
}

// Submit stores the file, creates a PENDING job and hands it to the channel.
// The call returns once the message is published; processing is asynchronous.
// An owner with a PENDING or RUNNING job gets repository.ErrActiveJobExists and
// nothing is stored or published.
func (s *ImportService) Submit(ctx context.Context, req SubmitRequest) (*entity.Job, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	active, err := s.jobs.HasActiveJob(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("check active job: %w", err)
	}
	if active {
		return nil, repository.ErrActiveJobExists
	}

	jobID := uuid.New()
	handle, err := s.files.Store(ctx, jobID, req.Filename, req.File)
	if err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	job := &entity.Job{
		ID:         jobID,
		OwnerID:    req.OwnerID,
		Filename:   req.Filename,
		ImportType: req.ImportType,
		Strategy:   req.Strategy,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		// гонка между проверкой и вставкой решается на уровне хранилища
		s.discardFile(ctx, handle)
		if errors.Is(err, repository.ErrActiveJobExists) {
			return nil, err
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	msg := entity.JobMessage{
		JobID:       job.ID,
		Filename:    job.Filename,
		FileHandle:  handle,
		SubmittedBy: job.OwnerID,
		SubmittedAt: s.now(),
		ImportType:  job.ImportType,
		Strategy:    job.Strategy,
	}
	if err := s.queue.Publish(ctx, msg); err != nil {
		s.failDispatch(ctx, job, handle, err)
		return nil, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	s.log.Info("import submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("owner", job.OwnerID),
		zap.String("filename", job.Filename),
		zap.String("strategy", job.Strategy),
	)
	s.notifier.Notify(ctx, *job, "")
	return job, nil
}

// failDispatch closes a job whose message never reached the channel, so the
// owner is not locked out by a PENDING job nobody will run.
func (s *ImportService) failDispatch(ctx context.Context, job *entity.Job, handle string, cause error) {
	reason := "dispatch failed: " + cause.Error()
	if err := s.jobs.UpdateStatus(ctx, job.ID, entity.StatusFailed, &reason); err != nil {
		s.log.Error("mark job failed after dispatch error",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	} else {
		job.Status = entity.StatusFailed
		job.Error = &reason
		s.notifier.Notify(ctx, *job, reason)
	}
	s.discardFile(ctx, handle)
}

func (s *ImportService) discardFile(ctx context.Context, handle string) {
	if err := s.files.Delete(ctx, handle); err != nil {
		s.log.Warn("delete stored file", zap.String("handle", handle), zap.Error(err))
	}
}

// GetJob returns the owner's job. Another owner's job is reported as not
// found so ids do not leak.
func (s *ImportService) GetJob(ctx context.Context, ownerID string, id uuid.UUID) (*entity.Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

type ListRequest struct {
	OwnerID string
	Status  string
	Page    int
	Size    int
}

// ListJobs pages through the owner's jobs, newest first. Page is 1-based.
func (s *ImportService) ListJobs(ctx context.Context, req ListRequest) ([]entity.Job, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}

	var status *entity.JobStatus
	if req.Status != "" {
		st := entity.JobStatus(strings.ToLower(req.Status))
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, req.Status)
		}
		status = &st
	}

	size := req.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	page := max(req.Page, 1)

	jobs, err := s.jobs.ListByOwner(ctx, req.OwnerID, status, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []entity.Job{}
	}
	return jobs, nil
}
