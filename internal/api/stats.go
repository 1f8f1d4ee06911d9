package api

import (
	"net/http"

	"github.com/taku10101/playwright-secretary/internal/library"
	"github.com/taku10101/playwright-secretary/internal/pool"
	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

type statsResponse struct {
	Library library.Stats `json:"library"`
	Pages   []pool.Slot   `json:"pages"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.deps.Library.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := statsResponse{Library: stats, Pages: []pool.Slot{}}
	if s.deps.Pages != nil {
		resp.Pages = s.deps.Pages.List()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
