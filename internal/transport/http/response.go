package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"import-worker-service/internal/repository"
	"import-worker-service/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeServiceErr maps service and repository errors to a status. Anything
// unrecognised is logged and answered with a generic 500.
func writeServiceErr(w http.ResponseWriter, log *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrActiveJobExists):
		writeErr(w, http.StatusConflict, "an import is already pending or running for this user")
	case errors.Is(err, repository.ErrNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	default:
		log.Error(op, zap.Error(err))
		writeErr(w, http.StatusInternalServerError, op+" failed")
	}
}
