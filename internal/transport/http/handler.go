package httptransport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/ingest"
	"import-worker-service/internal/service"
)

// OwnerHeader carries the submitting user. Authentication happens upstream.
const OwnerHeader = "X-User-ID"

const defaultMaxUpload = 64 << 20

type Handler struct {
	importSvc *service.ImportService
	maxUpload int64
	log       *zap.Logger
}

func NewHandler(importSvc *service.ImportService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{importSvc: importSvc, maxUpload: defaultMaxUpload, log: log}
}

// WithMaxUpload limits the size of a multipart submission in bytes.
func (h *Handler) WithMaxUpload(n int64) *Handler {
	if n > 0 {
		h.maxUpload = n
	}
	return h
}

type jobResp struct {
	ID               string           `json:"id"`
	Owner            string           `json:"owner"`
	Filename         string           `json:"filename"`
	ImportType       string           `json:"import_type"`
	Strategy         string           `json:"strategy"`
	Status           entity.JobStatus `json:"status"`
	TotalRecords     int64            `json:"total_records"`
	ProcessedRecords int64            `json:"processed_records"`
	ErrorRecords     int64            `json:"error_records"`
	Error            *string          `json:"error,omitempty"`
	CreatedAt        string           `json:"created_at"`
	StartedAt        *string          `json:"started_at,omitempty"`
	FinishedAt       *string          `json:"finished_at,omitempty"`
	UpdatedAt        string           `json:"updated_at"`
}

type jobListResp struct {
	Items []jobResp `json:"items"`
	Page  int       `json:"page"`
	Size  int       `json:"size"`
}

type importTypesResp struct {
	ImportTypes []string `json:"import_types"`
	Strategies  []string `json:"strategies"`
}

func toJobResp(j entity.Job) jobResp {
	return jobResp{
		ID:               j.ID.String(),
		Owner:            j.OwnerID,
		Filename:         j.Filename,
		ImportType:       j.ImportType,
		Strategy:         j.Strategy,
		Status:           j.Status,
		TotalRecords:     j.TotalRecords,
		ProcessedRecords: j.ProcessedRecords,
		ErrorRecords:     j.ErrorRecords,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt.Format(time.RFC3339),
		StartedAt:        formatTime(j.StartedAt),
		FinishedAt:       formatTime(j.FinishedAt),
		UpdatedAt:        j.UpdatedAt.Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// SubmitImport godoc
// @Summary Submit a file for import
// @Description Stores the file, creates a pending job and hands it to the worker channel.
// @Description An owner may have only one pending or running import.
// @Tags imports
// @Accept multipart/form-data
// @Produce json
// @Param X-User-ID header string true "submitting user"
// @Param file formData file true "delimited text or xlsx file"
// @Param type formData string true "import type"
// @Param strategy formData string false "identity, parallel, dedup or dedup-parallel"
// @Success 202 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 409 {object} apiError
// @Failure 500 {object} apiError
// @Router /imports [post]
func (h *Handler) SubmitImport(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeErr(w, http.StatusBadRequest, "missing "+OwnerHeader+" header")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, fh, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	job, err := h.importSvc.Submit(r.Context(), service.SubmitRequest{
		OwnerID:    owner,
		Filename:   fh.Filename,
		ImportType: r.FormValue("type"),
		Strategy:   r.FormValue("strategy"),
		File:       file,
	})
	if err != nil {
		writeServiceErr(w, h.log.With(zap.String("owner", owner)), "submit import", err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResp(*job))
}

// GetImport godoc
// @Summary Get import job by id
// @Tags imports
// @Produce json
// @Param X-User-ID header string true "owner"
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /imports/{id} [get]
func (h *Handler) GetImport(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeErr(w, http.StatusBadRequest, "missing "+OwnerHeader+" header")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	// чужие задачи сервис отдаёт как не найденные
	j, err := h.importSvc.GetJob(r.Context(), owner, id)
	if err != nil {
		writeServiceErr(w, h.log.With(zap.String("job_id", id.String())), "get import", err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResp(*j))
}

// ListImports godoc
// @Summary List the caller's import jobs, newest first
// @Tags imports
// @Produce json
// @Param X-User-ID header string true "owner"
// @Param status query string false "pending, running, completed or failed"
// @Param page query int false "1-based page"
// @Param size query int false "page size (max 100)"
// @Success 200 {object} jobListResp
// @Failure 400 {object} apiError
// @Router /imports [get]
func (h *Handler) ListImports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid page")
		return
	}
	size, err := intParam(q.Get("size"), service.DefaultPageSize)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid size")
		return
	}
	size = min(max(size, 1), service.MaxPageSize)
	page = max(page, 1)

	jobs, err := h.importSvc.ListJobs(r.Context(), service.ListRequest{
		OwnerID: r.Header.Get(OwnerHeader),
		Status:  q.Get("status"),
		Page:    page,
		Size:    size,
	})
	if err != nil {
		writeServiceErr(w, h.log, "list imports", err)
		return
	}

	resp := jobListResp{Items: make([]jobResp, 0, len(jobs)), Page: page, Size: size}
	for _, j := range jobs {
		resp.Items = append(resp.Items, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ImportTypes godoc
// @Summary List accepted import types and strategies
// @Tags imports
// @Produce json
// @Success 200 {object} importTypesResp
// @Router /import-types [get]
func (h *Handler) ImportTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, importTypesResp{
		ImportTypes: ingest.ImportTypes(),
		Strategies:  ingest.StrategyNames(),
	})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
