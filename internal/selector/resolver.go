// Package selector picks the most durable way to reference a DOM element.
//
// Every element yields a set of candidate strategies (test id, ARIA label, DOM
// id, name, text, class, bare tag). The highest-priority strategy becomes the
// primary selector; up to three strategies of a different kind are kept as
// fallbacks.
package selector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/driver"
)

var ErrNoStrategy = errors.New("element yields no selector strategy")

type Kind string

const (
	KindTestID Kind = "testid"
	KindARIA   Kind = "aria"
	KindID     Kind = "id"
	KindCSS    Kind = "css"
	KindText   Kind = "text"
	KindClass  Kind = "class"
)

const (
	PriorityTestID   = 100
	PriorityARIA     = 90
	PriorityRoleARIA = 85
	PriorityID       = 80
	PriorityName     = 75
	PriorityText     = 60
	PriorityClass    = 50
	PriorityTag      = 30

	maxAlternatives = 3
	maxTextLength   = 50
)

var (
	unstableIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{10,}`),
		regexp.MustCompile(`(?i)[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`),
		regexp.MustCompile(`(?i)random`),
		regexp.MustCompile(`(?i)temp`),
		regexp.MustCompile(`\d{6,}`),
	}
	generatedClassPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^css-`),
		regexp.MustCompile(`^_`),
		regexp.MustCompile(`-\d{6,}$`),
		regexp.MustCompile(`^sc-`),
		regexp.MustCompile(`^emotion-`),
	}
	plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
)

// Candidate is the observable description of one element.
type Candidate struct {
	Tag        string
	Attributes map[string]string
	Text       string
}

func FromSnapshot(s driver.ElementSnapshot) Candidate {
	return Candidate{Tag: s.Tag, Attributes: s.Attributes, Text: s.Text}
}

type Strategy struct {
	Kind     Kind   `json:"kind"`
	Value    string `json:"value"`
	Priority int    `json:"priority"`
}

type Info struct {
	Primary      string   `json:"primary"`
	Alternatives []string `json:"alternatives"`
	Specificity  int      `json:"specificity"`
	Stable       bool     `json:"stable"`
	Strategy     Kind     `json:"strategy"`
}

// Counter reports how many elements a selector matches on the current page.
type Counter interface {
	Count(ctx context.Context, selector string) (int, error)
}

type Resolver struct {
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve ranks the candidate's strategies and measures the primary's
// specificity against counter.
func (r *Resolver) Resolve(ctx context.Context, counter Counter, c Candidate) (Info, error) {
	strategies := Strategies(c)
	if len(strategies) == 0 {
		return Info{}, ErrNoStrategy
	}
	primary := strategies[0]

	alternatives := make([]string, 0, maxAlternatives)
	for _, s := range strategies[1:] {
		if s.Kind == primary.Kind {
			continue
		}
		alternatives = append(alternatives, s.Value)
		if len(alternatives) == maxAlternatives {
			break
		}
	}

	info := Info{
		Primary:      primary.Value,
		Alternatives: alternatives,
		Specificity:  r.specificity(ctx, counter, primary.Value),
		Stable:       IsStable(primary),
		Strategy:     primary.Kind,
	}
	if !info.Stable {
		r.logger.Warn("selector resolution degraded",
			zap.String("selector", info.Primary),
			zap.String("strategy", string(info.Strategy)),
			zap.Int("specificity", info.Specificity),
		)
	}
	return info, nil
}

func (r *Resolver) specificity(ctx context.Context, counter Counter, selector string) int {
	if counter == nil {
		return 0
	}
	count, err := counter.Count(ctx, selector)
	if err != nil {
		r.logger.Debug("selector count failed", zap.String("selector", selector), zap.Error(err))
		return 0
	}
	return Specificity(count)
}

// Specificity maps a match count to [0,100]: 100 when the selector is unique,
// dropping by ten per match otherwise, and 0 when nothing matches.
func Specificity(count int) int {
	switch {
	case count <= 0:
		return 0
	case count == 1:
		return 100
	}
	return max(0, 100-10*count)
}

// Strategies lists every applicable strategy, highest priority first.
func Strategies(c Candidate) []Strategy {
	tag := strings.ToLower(strings.TrimSpace(c.Tag))
	attr := func(name string) string {
		return strings.TrimSpace(c.Attributes[name])
	}

	var out []Strategy
	if testID := attr("data-testid"); testID != "" {
		out = append(out, Strategy{Kind: KindTestID, Value: fmt.Sprintf(`[data-testid="%s"]`, cssEscaped(testID)), Priority: PriorityTestID})
	}
	aria := attr("aria-label")
	if aria != "" {
		out = append(out, Strategy{Kind: KindARIA, Value: fmt.Sprintf(`[aria-label="%s"]`, cssEscaped(aria)), Priority: PriorityARIA})
		if role := attr("role"); role != "" {
			out = append(out, Strategy{Kind: KindARIA, Value: fmt.Sprintf(`[role="%s"][aria-label="%s"]`, cssEscaped(role), cssEscaped(aria)), Priority: PriorityRoleARIA})
		}
	}
	if id := attr("id"); id != "" && IsStableID(id) {
		out = append(out, Strategy{Kind: KindID, Value: idSelector(id), Priority: PriorityID})
	}
	if name := attr("name"); name != "" {
		out = append(out, Strategy{Kind: KindCSS, Value: fmt.Sprintf(`[name="%s"]`, cssEscaped(name)), Priority: PriorityName})
	}
	if text := strings.Join(strings.Fields(c.Text), " "); text != "" && utf8.RuneCountInString(text) < maxTextLength && tag != "" {
		out = append(out, Strategy{Kind: KindText, Value: fmt.Sprintf(`%s:has-text("%s")`, tag, cssEscaped(text)), Priority: PriorityText})
	}
	if classes := StableClasses(attr("class")); len(classes) > 0 {
		out = append(out, Strategy{Kind: KindClass, Value: "." + strings.Join(classes, "."), Priority: PriorityClass})
	}
	if tag != "" {
		out = append(out, Strategy{Kind: KindCSS, Value: tag, Priority: PriorityTag})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func IsStable(s Strategy) bool {
	switch s.Kind {
	case KindTestID, KindARIA:
		return true
	case KindID:
		return IsStableID(idFromSelector(s.Value))
	default:
		return false
	}
}

// IsStableID rejects ids that look generated: timestamps, long numbers, UUIDs
// and "random"/"temp" markers.
func IsStableID(id string) bool {
	for _, re := range unstableIDPatterns {
		if re.MatchString(id) {
			return false
		}
	}
	return true
}

// StableClasses drops class names produced by CSS-in-JS and module hashing.
func StableClasses(class string) []string {
	var out []string
	for _, name := range strings.Fields(class) {
		generated := false
		for _, re := range generatedClassPatterns {
			if re.MatchString(name) {
				generated = true
				break
			}
		}
		if generated || !plainIdent.MatchString(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func idSelector(id string) string {
	if plainIdent.MatchString(id) {
		return "#" + id
	}
	return fmt.Sprintf(`[id="%s"]`, cssEscaped(id))
}

func idFromSelector(value string) string {
	if strings.HasPrefix(value, "#") {
		return value[1:]
	}
	value = strings.TrimPrefix(value, `[id="`)
	return strings.TrimSuffix(value, `"]`)
}

func cssEscaped(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(escaped, `"`, `\"`)
}
