package library

import (
	"context"
	"sort"
	"strings"

	"github.com/taku10101/playwright-secretary/internal/pattern"
)

type Stats struct {
	TotalPatterns      int            `json:"total_patterns"`
	ByService          map[string]int `json:"by_service"`
	ByCategory         map[string]int `json:"by_category"`
	TotalUsage         int            `json:"total_usage"`
	AverageSuccessRate float64        `json:"average_success_rate"`
}

// Stats summarizes the catalogue. AverageSuccessRate only counts patterns that
// have been used at least once.
func (l *Library) Stats(ctx context.Context) (Stats, error) {
	all, err := l.Search(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		TotalPatterns: len(all),
		ByService:     make(map[string]int),
		ByCategory:    make(map[string]int),
	}
	var rateSum float64
	used := 0
	for _, p := range all {
		stats.ByService[p.Service]++
		stats.ByCategory[string(p.Category)]++
		stats.TotalUsage += p.Metadata.UsageCount
		if p.Metadata.UsageCount > 0 {
			rateSum += p.Metadata.SuccessRate
			used++
		}
	}
	if used > 0 {
		stats.AverageSuccessRate = rateSum / float64(used)
	}
	return stats, nil
}

type Suggestion struct {
	Pattern pattern.Pattern `json:"pattern"`
	Score   float64         `json:"score"`
}

// SuggestSimilar ranks stored patterns against a partially described one:
// +40 same service, +20 same category, +20 when either name contains the
// other, and up to +20 for shared parameter names.
func (l *Library) SuggestSimilar(ctx context.Context, partial pattern.Pattern, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 5
	}
	all, err := l.Search(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	scored := make([]Suggestion, 0, len(all))
	for _, p := range all {
		scored = append(scored, Suggestion{Pattern: p, Score: Similarity(partial, p)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return truncate(scored, limit), nil
}

func Similarity(partial, candidate pattern.Pattern) float64 {
	var score float64
	if partial.Service != "" && partial.Service == candidate.Service {
		score += 40
	}
	if partial.Category != "" && partial.Category == candidate.Category {
		score += 20
	}
	if partial.Name != "" && candidate.Name != "" {
		a, b := strings.ToLower(partial.Name), strings.ToLower(candidate.Name)
		if strings.Contains(a, b) || strings.Contains(b, a) {
			score += 20
		}
	}
	score += 20 * Overlap(partial.ParameterNames(), candidate.ParameterNames())
	return score
}

// Overlap is the share of names present in both lists, relative to the longer
// list. Two empty lists overlap by zero.
func Overlap(a, b []string) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 0
	}
	present := make(map[string]struct{}, len(b))
	for _, name := range b {
		present[name] = struct{}{}
	}
	common := 0
	for _, name := range a {
		if _, ok := present[name]; ok {
			common++
		}
	}
	return float64(common) / float64(longest)
}
