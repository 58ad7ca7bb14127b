package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/storegrid/tillsync/internal/repositories"
	"github.com/storegrid/tillsync/internal/services"
)

// errorBody is the structured error every endpoint returns.
type errorBody struct {
	Error     string    `json:"error"`
	ErrorCode string    `json:"error_code"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{
		Error:     message,
		ErrorCode: code,
		Timestamp: time.Now().UTC(),
	})
}

// writeServiceError maps domain errors onto HTTP statuses and stable
// error codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case services.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
	case errors.Is(err, services.ErrNotMaster):
		writeError(w, http.StatusConflict, "not_master", err.Error())
	case errors.Is(err, services.ErrNoMaster):
		writeError(w, http.StatusServiceUnavailable, "no_master", err.Error())
	case errors.Is(err, services.ErrNoQuorum):
		writeError(w, http.StatusServiceUnavailable, "no_quorum", err.Error())
	case errors.Is(err, repositories.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
