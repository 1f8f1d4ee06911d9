package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/taku10101/playwright-secretary/internal/discovery"
	"github.com/taku10101/playwright-secretary/internal/driver/htmlpage"
	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

type discoverRequest struct {
	URL string `json:"url,omitempty"`
	// HTML is analyzed directly, without a browser, when set.
	HTML    string             `json:"html,omitempty"`
	Options *discovery.Options `json:"options,omitempty"`
	Text    string             `json:"text,omitempty"`
	Role    string             `json:"role,omitempty"`
	Type    string             `json:"type,omitempty"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req discoverRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	opts := discovery.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DiscoverTimeout)
	defer cancel()

	var (
		structure discovery.PageStructure
		err       error
	)
	switch {
	case strings.TrimSpace(req.HTML) != "":
		var page *htmlpage.Page
		page, err = htmlpage.FromString(req.HTML, req.URL)
		if err == nil {
			structure, err = s.deps.Discoverer.Analyze(ctx, page, opts)
		}
	case strings.TrimSpace(req.URL) != "":
		structure, err = s.analyzeURL(ctx, strings.TrimSpace(req.URL), opts)
	default:
		badRequest(w, fmt.Errorf("url or html is required"))
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if req.Text != "" {
		structure.Elements = discovery.FindByText(structure.Elements, req.Text)
	}
	if req.Role != "" {
		structure.Elements = discovery.FindByRole(structure.Elements, req.Role)
	}
	if req.Type != "" {
		structure.Elements = discovery.FindByType(structure.Elements, discovery.ElementType(req.Type))
	}
	if structure.Elements == nil {
		structure.Elements = []discovery.Element{}
	}
	httpx.WriteJSON(w, http.StatusOK, structure)
}

// analyzeURL borrows a pooled page, loads url and inventories it.
func (s *Server) analyzeURL(ctx context.Context, url string, opts discovery.Options) (discovery.PageStructure, error) {
	if s.deps.Pages == nil {
		return discovery.PageStructure{}, fmt.Errorf("no browser pages configured")
	}
	lease, err := s.deps.Pages.Acquire(ctx)
	if err != nil {
		return discovery.PageStructure{}, err
	}
	healthy := true
	defer func() { s.deps.Pages.Release(lease, healthy) }()

	if err := lease.Page.Navigate(ctx, url); err != nil {
		healthy = ctx.Err() == nil
		return discovery.PageStructure{}, fmt.Errorf("load %s: %w", url, err)
	}
	return s.deps.Discoverer.Analyze(ctx, lease.Page, opts)
}
