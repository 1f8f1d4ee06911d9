package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/idempotency"
	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

// serveIdempotent runs handle once per Idempotency-Key within scope and
// replays the recorded response for repeats. Requests without the header are
// served directly.
func (s *Server) serveIdempotent(w http.ResponseWriter, r *http.Request, scope string, handle func(http.ResponseWriter)) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if s.deps.Idempotency == nil || key == "" {
		handle(w)
		return
	}

	resp, replayed, err := s.deps.Idempotency.Do(r.Context(), scope, key, func() idempotency.Response {
		rec := httptest.NewRecorder()
		handle(rec)
		return idempotency.Response{
			StatusCode:  rec.Code,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.Body.Bytes(),
		}
	})
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", err.Error())
		return
	case err != nil && resp.StatusCode == 0:
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return
	case err != nil:
		s.logger.Warn("idempotent response not stored", zap.Error(err))
	}

	if replayed {
		w.Header().Set(replayedHeader, "true")
	}
	if contentType := strings.TrimSpace(resp.ContentType); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	status := resp.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
