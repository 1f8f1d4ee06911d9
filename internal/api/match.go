package api

import (
	"net/http"

	"github.com/taku10101/playwright-secretary/internal/matcher"
	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

type matchRequest struct {
	matcher.Criteria
	// Limit caps the ranked candidates returned next to the best match.
	Limit int `json:"limit,omitempty"`
}

type matchResponse struct {
	Match      matcher.Match   `json:"match"`
	Candidates []matcher.Match `json:"candidates"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req matchRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}

	best, err := s.deps.Matcher.FindBestMatch(r.Context(), req.Criteria)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	ranked, err := s.deps.Matcher.Rank(r.Context(), req.Criteria)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	limit := orDefault(req.Limit, 5)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	httpx.WriteJSON(w, http.StatusOK, matchResponse{Match: best, Candidates: ranked})
}
