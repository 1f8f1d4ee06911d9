// Package matcher picks the stored pattern that best fits a requested action.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/library"
	"github.com/taku10101/playwright-secretary/internal/pattern"
)

// Threshold is the score a candidate must strictly exceed to be returned.
const Threshold = 50.0

var (
	ErrNoCandidates   = errors.New("no candidate patterns")
	ErrBelowThreshold = errors.New("no pattern scored above the match threshold")
)

// Catalog is the part of the pattern library the matcher reads.
type Catalog interface {
	Search(ctx context.Context, filter library.Filter) ([]pattern.Pattern, error)
	SuggestSimilar(ctx context.Context, partial pattern.Pattern, limit int) ([]library.Suggestion, error)
}

type Criteria struct {
	Service     string   `json:"service,omitempty"`
	Action      string   `json:"action,omitempty"`
	Parameters  []string `json:"parameters,omitempty"`
	Description string   `json:"description,omitempty"`
}

type Match struct {
	Pattern pattern.Pattern `json:"pattern"`
	Score   float64         `json:"score"`
}

type Matcher struct {
	catalog Catalog
	logger  *zap.Logger
}

func New(catalog Catalog, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{catalog: catalog, logger: logger}
}

// Rank scores every candidate for criteria, best first. Candidates are the
// library search results for the criteria's service and description.
func (m *Matcher) Rank(ctx context.Context, criteria Criteria) ([]Match, error) {
	candidates, err := m.catalog.Search(ctx, library.Filter{
		Service: criteria.Service,
		Search:  criteria.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	ranked := make([]Match, 0, len(candidates))
	for _, p := range candidates {
		ranked = append(ranked, Match{Pattern: p, Score: Score(p, criteria)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

func (m *Matcher) FindBestMatch(ctx context.Context, criteria Criteria) (Match, error) {
	ranked, err := m.Rank(ctx, criteria)
	if err != nil {
		return Match{}, err
	}
	if len(ranked) == 0 {
		return Match{}, ErrNoCandidates
	}
	best := ranked[0]
	if best.Score <= Threshold {
		m.logger.Debug("best candidate below threshold",
			zap.String("pattern", best.Pattern.Ref().String()),
			zap.Float64("score", best.Score),
		)
		return Match{}, fmt.Errorf("%w: best %s scored %.1f", ErrBelowThreshold, best.Pattern.Ref(), best.Score)
	}
	m.logger.Debug("pattern matched",
		zap.String("pattern", best.Pattern.Ref().String()),
		zap.Float64("score", best.Score),
		zap.Int("candidates", len(ranked)),
	)
	return best, nil
}

// Score weighs a pattern against criteria:
//
//	+40 same service
//	+30 action found in the name, +10 action found in the description
//	+20 × parameter-name overlap
//	+10 × share of criteria description words found in the pattern description
//	+10 × success rate once the pattern has been used
//	+min(usage/10, 5) once the pattern has been used more than ten times
func Score(p pattern.Pattern, criteria Criteria) float64 {
	var score float64
	if criteria.Service != "" && p.Service == criteria.Service {
		score += 40
	}
	if action := strings.ToLower(strings.TrimSpace(criteria.Action)); action != "" {
		if strings.Contains(strings.ToLower(p.Name), action) {
			score += 30
		}
		if strings.Contains(strings.ToLower(p.Description), action) {
			score += 10
		}
	}
	if len(criteria.Parameters) > 0 {
		score += 20 * library.Overlap(criteria.Parameters, p.ParameterNames())
	}
	if words := strings.Fields(strings.ToLower(criteria.Description)); len(words) > 0 {
		patternWords := make(map[string]struct{})
		for _, w := range strings.Fields(strings.ToLower(p.Description)) {
			patternWords[w] = struct{}{}
		}
		shared := 0
		for _, w := range words {
			if _, ok := patternWords[w]; ok {
				shared++
			}
		}
		score += 10 * float64(shared) / float64(len(words))
	}
	if usage := p.Metadata.UsageCount; usage > 0 {
		score += 10 * p.Metadata.SuccessRate
		if usage > 10 {
			score += min(float64(usage)/10, 5)
		}
	}
	return score
}

func (m *Matcher) FindSimilar(ctx context.Context, p pattern.Pattern, limit int) ([]library.Suggestion, error) {
	return m.catalog.SuggestSimilar(ctx, p, limit)
}

func (m *Matcher) MatchByTags(ctx context.Context, tags []string) ([]pattern.Pattern, error) {
	return m.catalog.Search(ctx, library.Filter{Tags: tags})
}

func (m *Matcher) MatchByCategory(ctx context.Context, category pattern.Category) ([]pattern.Pattern, error) {
	return m.catalog.Search(ctx, library.Filter{Category: category})
}
