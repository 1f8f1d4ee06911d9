// Package pattern defines recorded action patterns: the declarative steps, the
// parameters they accept, the post-run validation rules and the usage statistics
// kept alongside them.
package pattern

import (
	"sort"
	"strings"
	"time"

	"github.com/taku10101/playwright-secretary/internal/value"
)

type StepType string

const (
	StepNavigate          StepType = "navigate"
	StepClick             StepType = "click"
	StepFill              StepType = "fill"
	StepSelect            StepType = "select"
	StepCheck             StepType = "check"
	StepUncheck           StepType = "uncheck"
	StepWait              StepType = "wait"
	StepWaitForSelector   StepType = "waitForSelector"
	StepWaitForNavigation StepType = "waitForNavigation"
	StepScroll            StepType = "scroll"
	StepHover             StepType = "hover"
	StepPress             StepType = "press"
	StepTypeText          StepType = "type"
	StepScreenshot        StepType = "screenshot"
	StepVerify            StepType = "verify"
	StepCustom            StepType = "custom"
)

type Category string

const (
	CategoryCommunication Category = "communication"
	CategoryContent       Category = "content"
	CategoryNavigation    Category = "navigation"
	CategoryDataEntry     Category = "data-entry"
	CategorySearch        Category = "search"
	CategoryAuth          Category = "auth"
	CategoryCustom        Category = "custom"
)

type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
	ParamArray   ParameterType = "array"
	ParamObject  ParameterType = "object"
)

type RuleType string

const (
	RuleSelector  RuleType = "selector"
	RuleText      RuleType = "text"
	RuleURL       RuleType = "url"
	RuleTitle     RuleType = "title"
	RuleAttribute RuleType = "attribute"
	RuleCount     RuleType = "count"
	RuleCustom    RuleType = "custom"
)

const DefaultVersion = "1.0.0"

type Step struct {
	Order       int         `json:"order" yaml:"order" validate:"gte=0"`
	Type        StepType    `json:"type" yaml:"type" validate:"required,oneof=navigate click fill select check uncheck wait waitForSelector waitForNavigation scroll hover press type screenshot verify custom"`
	Selector    string      `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value       value.Value `json:"value,omitzero" yaml:"value,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Expected    value.Value `json:"expected,omitzero" yaml:"expected,omitempty"`
	TimeoutMS   int         `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" validate:"gte=0"`
	Retries     *int        `json:"retries,omitempty" yaml:"retries,omitempty" validate:"omitempty,gte=0"`
	Optional    bool        `json:"optional,omitempty" yaml:"optional,omitempty"`
}

func (s Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

type ValidationRule struct {
	Type         RuleType    `json:"type" yaml:"type" validate:"required,oneof=selector text url title attribute count custom"`
	Condition    string      `json:"condition" yaml:"condition"`
	Expected     value.Value `json:"expected,omitzero" yaml:"expected,omitempty"`
	TimeoutMS    int         `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" validate:"gte=0"`
	ErrorMessage string      `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

func (r ValidationRule) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

type ParameterValidation struct {
	Pattern   string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Min       *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int          `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int          `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Enum      []value.Value `json:"enum,omitempty" yaml:"enum,omitempty"`
}

type Parameter struct {
	Name        string               `json:"name" yaml:"name" validate:"required"`
	Type        ParameterType        `json:"type" yaml:"type" validate:"required,oneof=string number boolean array object"`
	Required    bool                 `json:"required" yaml:"required"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Default     value.Value          `json:"default,omitzero" yaml:"default,omitempty"`
	Validation  *ParameterValidation `json:"validation,omitempty" yaml:"validation,omitempty"`
}

type Metadata struct {
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at"`
	CreatedBy       string    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	UsageCount      int       `json:"usage_count" yaml:"usage_count"`
	SuccessCount    int       `json:"success_count" yaml:"success_count"`
	FailureCount    int       `json:"failure_count" yaml:"failure_count"`
	SuccessRate     float64   `json:"success_rate" yaml:"success_rate"`
	AverageDuration float64   `json:"average_duration" yaml:"average_duration"` // seconds
	Tags            []string  `json:"tags" yaml:"tags"`
	Version         string    `json:"version" yaml:"version"`
}

// ResetStats zeroes the usage counters while keeping authoring data.
func (m *Metadata) ResetStats() {
	m.UsageCount = 0
	m.SuccessCount = 0
	m.FailureCount = 0
	m.SuccessRate = 0
	m.AverageDuration = 0
}

// Record folds one execution outcome into the running statistics.
func (m *Metadata) Record(success bool, duration time.Duration) {
	m.UsageCount++
	if success {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}
	m.SuccessRate = float64(m.SuccessCount) / float64(m.UsageCount)
	n := float64(m.UsageCount)
	m.AverageDuration = (m.AverageDuration*(n-1) + duration.Seconds()) / n
}

type Pattern struct {
	ID          string           `json:"id" yaml:"id" validate:"required,excludesall=/\\"`
	Name        string           `json:"name" yaml:"name" validate:"required"`
	Service     string           `json:"service" yaml:"service" validate:"required,excludesall=/\\"`
	Category    Category         `json:"category" yaml:"category" validate:"required,oneof=communication content navigation data-entry search auth custom"`
	Description string           `json:"description" yaml:"description"`
	Parameters  []Parameter      `json:"parameters" yaml:"parameters" validate:"dive"`
	Steps       []Step           `json:"steps" yaml:"steps" validate:"min=1,dive"`
	Validation  []ValidationRule `json:"validation,omitempty" yaml:"validation,omitempty" validate:"dive"`
	Metadata    Metadata         `json:"metadata" yaml:"metadata"`
}

// Ref addresses a pattern. An empty Service means any service.
type Ref struct {
	Service string `json:"service,omitempty"`
	ID      string `json:"id"`
}

func (r Ref) String() string {
	if r.Service == "" {
		return r.ID
	}
	return r.Service + "/" + r.ID
}

// ParseRef accepts "service/id" or a bare "id".
func ParseRef(raw string) Ref {
	raw = strings.TrimSpace(raw)
	if service, id, ok := strings.Cut(raw, "/"); ok {
		return Ref{Service: strings.TrimSpace(service), ID: strings.TrimSpace(id)}
	}
	return Ref{ID: raw}
}

func (p Pattern) Ref() Ref {
	return Ref{Service: p.Service, ID: p.ID}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p Pattern) Clone() Pattern {
	out := p
	out.Parameters = append([]Parameter(nil), p.Parameters...)
	for i := range out.Parameters {
		if v := out.Parameters[i].Validation; v != nil {
			copied := *v
			copied.Enum = append([]value.Value(nil), v.Enum...)
			out.Parameters[i].Validation = &copied
		}
	}
	out.Steps = append([]Step(nil), p.Steps...)
	for i := range out.Steps {
		if r := out.Steps[i].Retries; r != nil {
			n := *r
			out.Steps[i].Retries = &n
		}
	}
	out.Validation = append([]ValidationRule(nil), p.Validation...)
	out.Metadata.Tags = append([]string(nil), p.Metadata.Tags...)
	return out
}

// SortSteps orders steps by their declared order, keeping authoring order for ties.
func (p *Pattern) SortSteps() {
	sort.SliceStable(p.Steps, func(i, j int) bool {
		return p.Steps[i].Order < p.Steps[j].Order
	})
}

func (p Pattern) ParameterNames() []string {
	names := make([]string, 0, len(p.Parameters))
	for _, param := range p.Parameters {
		names = append(names, param.Name)
	}
	return names
}

func (p Pattern) HasTag(tag string) bool {
	for _, candidate := range p.Metadata.Tags {
		if candidate == tag {
			return true
		}
	}
	return false
}
