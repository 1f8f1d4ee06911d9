package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/taku10101/playwright-secretary/internal/library"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

const maxListLimit = 200

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listPatterns(w, r)
	case http.MethodPost:
		s.serveIdempotent(w, r, "patterns.create", func(w http.ResponseWriter) {
			s.createPattern(w, r)
		})
	default:
		methodNotAllowed(w)
	}
}

// handlePatternPath serves /v1/patterns/{service}/{id} and the collection
// actions suggest, export and import.
func (s *Server) handlePatternPath(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/patterns/"), "/"), "/")
	if len(parts) == 1 {
		switch parts[0] {
		case "suggest":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			s.suggestPatterns(w, r)
		case "export":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			s.exportPatterns(w, r)
		case "import":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			s.importPatterns(w, r)
		default:
			http.NotFound(w, r)
		}
		return
	}
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_pattern_ref", "expected /v1/patterns/{service}/{id}")
		return
	}
	ref := pattern.Ref{Service: parts[0], ID: parts[1]}

	switch r.Method {
	case http.MethodGet:
		found, err := s.deps.Library.Get(r.Context(), ref)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, found)
	case http.MethodPut:
		s.updatePattern(w, r, ref)
	case http.MethodDelete:
		deleted, err := s.deps.Library.Delete(r.Context(), ref)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !deleted {
			httpx.WriteError(w, http.StatusNotFound, "pattern_not_found", "pattern not found: "+ref.String())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"), 0)
	if err != nil {
		badRequest(w, err)
		return
	}

	var items []pattern.Pattern
	switch sortBy := strings.TrimSpace(query.Get("sort")); sortBy {
	case "most_used":
		items, err = s.deps.Library.MostUsed(r.Context(), orDefault(limit, 10))
	case "most_successful":
		items, err = s.deps.Library.MostSuccessful(r.Context(), orDefault(limit, 10))
	case "":
		filter := library.Filter{
			Service:  strings.TrimSpace(query.Get("service")),
			Category: pattern.Category(strings.TrimSpace(query.Get("category"))),
			Search:   strings.TrimSpace(query.Get("q")),
		}
		for _, tag := range query["tag"] {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
		if raw := strings.TrimSpace(query.Get("min_success_rate")); raw != "" {
			rate, parseErr := strconv.ParseFloat(raw, 64)
			if parseErr != nil || rate < 0 || rate > 1 {
				badRequest(w, fmt.Errorf("min_success_rate must be a number between 0 and 1"))
				return
			}
			filter.MinSuccessRate = &rate
		}
		items, err = s.deps.Library.Search(r.Context(), filter)
		if err == nil && limit > 0 && len(items) > limit {
			items = items[:limit]
		}
	default:
		badRequest(w, fmt.Errorf("unknown sort %q", sortBy))
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"patterns": items})
}

func (s *Server) createPattern(w http.ResponseWriter, r *http.Request) {
	var p pattern.Pattern
	if err := httpx.DecodeJSON(r, &p, false); err != nil {
		badRequest(w, err)
		return
	}
	created, err := s.deps.Library.Add(r.Context(), p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) updatePattern(w http.ResponseWriter, r *http.Request, ref pattern.Ref) {
	var p pattern.Pattern
	if err := httpx.DecodeJSON(r, &p, false); err != nil {
		badRequest(w, err)
		return
	}
	if (p.Service != "" && p.Service != ref.Service) || (p.ID != "" && p.ID != ref.ID) {
		badRequest(w, fmt.Errorf("body refers to %s, path to %s", p.Ref(), ref))
		return
	}
	p.Service, p.ID = ref.Service, ref.ID
	updated, err := s.deps.Library.Update(r.Context(), p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

type suggestRequest struct {
	Pattern pattern.Pattern `json:"pattern"`
	Limit   int             `json:"limit,omitempty"`
}

func (s *Server) suggestPatterns(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	suggestions, err := s.deps.Matcher.FindSimilar(r.Context(), req.Pattern, req.Limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (s *Server) exportPatterns(w http.ResponseWriter, r *http.Request) {
	format, err := library.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var buf bytes.Buffer
	if _, err := s.deps.Library.Export(r.Context(), &buf, format); err != nil {
		writeServiceError(w, err)
		return
	}
	contentType := "application/json"
	if format == library.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) importPatterns(w http.ResponseWriter, r *http.Request) {
	format, err := library.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, err)
		return
	}
	imported, err := s.deps.Library.Import(r.Context(), http.MaxBytesReader(w, r.Body, httpx.MaxBodyBytes), format)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "import_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

func parseLimit(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if parsed > maxListLimit {
		parsed = maxListLimit
	}
	return parsed, nil
}

func orDefault(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
