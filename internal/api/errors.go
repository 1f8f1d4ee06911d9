package api

import (
	"errors"
	"net/http"

	"github.com/taku10101/playwright-secretary/internal/engine"
	"github.com/taku10101/playwright-secretary/internal/history"
	"github.com/taku10101/playwright-secretary/internal/library"
	"github.com/taku10101/playwright-secretary/internal/matcher"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/pool"
	"github.com/taku10101/playwright-secretary/internal/runner"
	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var paramErr *engine.ParameterValidationError
	switch {
	case errors.Is(err, library.ErrPatternNotFound):
		httpx.WriteError(w, http.StatusNotFound, "pattern_not_found", err.Error())
	case errors.Is(err, history.ErrExecutionNotFound):
		httpx.WriteError(w, http.StatusNotFound, "execution_not_found", err.Error())
	case errors.Is(err, matcher.ErrNoCandidates), errors.Is(err, matcher.ErrBelowThreshold):
		httpx.WriteError(w, http.StatusNotFound, "no_match", err.Error())
	case errors.Is(err, library.ErrPatternExists):
		httpx.WriteError(w, http.StatusConflict, "pattern_exists", err.Error())
	case errors.Is(err, history.ErrAlreadyFinished), errors.Is(err, history.ErrNotQueued):
		httpx.WriteError(w, http.StatusConflict, "execution_finished", err.Error())
	case errors.Is(err, pattern.ErrInvalid):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_pattern", err.Error())
	case errors.As(err, &paramErr):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_parameters", err.Error())
	case errors.Is(err, runner.ErrQueueFull), errors.Is(err, pool.ErrExhausted):
		httpx.WriteError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func badRequest(w http.ResponseWriter, err error) {
	httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
}
