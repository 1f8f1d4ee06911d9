package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/taku10101/playwright-secretary/internal/engine"
	"github.com/taku10101/playwright-secretary/internal/history"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/value"
	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

type createExecutionRequest struct {
	Service    string                 `json:"service,omitempty"`
	PatternID  string                 `json:"pattern_id"`
	Parameters map[string]value.Value `json:"parameters,omitempty"`
	Variables  map[string]value.Value `json:"variables,omitempty"`
	// Wait runs the execution inside the request instead of queueing it.
	Wait bool `json:"wait,omitempty"`
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listExecutions(w, r)
	case http.MethodPost:
		s.serveIdempotent(w, r, "executions.create", func(w http.ResponseWriter) {
			s.createExecution(w, r)
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/executions/"), "/"), "/")
	id := strings.TrimSpace(parts[0])
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_execution_id", "execution id is required")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		found, err := s.deps.History.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, found)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		canceled, err := s.deps.Runner.Cancel(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, canceled)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) createExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	ref := pattern.Ref{Service: strings.TrimSpace(req.Service), ID: strings.TrimSpace(req.PatternID)}
	if ref.ID == "" {
		badRequest(w, fmt.Errorf("pattern_id is required"))
		return
	}
	execReq := engine.Request{Parameters: req.Parameters, Variables: req.Variables}

	if req.Wait {
		finished, err := s.deps.Runner.ExecutePattern(r.Context(), ref, execReq)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, finished)
		return
	}

	queued, err := s.deps.Runner.Submit(r.Context(), ref, execReq)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, queued)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"), 50)
	if err != nil {
		badRequest(w, err)
		return
	}
	status := history.Status(strings.TrimSpace(query.Get("status")))
	switch status {
	case "", history.StatusQueued, history.StatusRunning, history.StatusSucceeded, history.StatusFailed, history.StatusCanceled:
	default:
		badRequest(w, fmt.Errorf("unknown status %q", status))
		return
	}

	items, err := s.deps.History.List(r.Context(), history.ListFilter{
		Service:   strings.TrimSpace(query.Get("service")),
		PatternID: strings.TrimSpace(query.Get("pattern_id")),
		Status:    status,
		Limit:     limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"executions": items})
}
