package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taku10101/playwright-secretary/internal/driver/htmlpage"
	"github.com/taku10101/playwright-secretary/internal/metrics"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/value"
)

const composeHTML = `<html><head><title>Compose - Mail</title></head><body>
<form>
  <input id="to" name="to" type="email">
  <input id="subject" name="subject">
  <textarea id="body"></textarea>
  <label><input id="urgent" type="checkbox"> urgent</label>
  <button id="send" type="submit">Send</button>
</form>
<ul class="threads"><li>one</li><li>two</li></ul>
</body></html>`

// fakePage is a static page with scripted failures and a fixed screenshot.
type fakePage struct {
	*htmlpage.Page
	clickFailures int
	clicks        int
	shot          []byte
	evalResult    any
	onClick       func()
	// hang makes WaitForSelector block until its context ends.
	hang bool
}

func newFakePage(t *testing.T) *fakePage {
	t.Helper()
	page, err := htmlpage.FromString(composeHTML, "https://mail.example.com/compose")
	require.NoError(t, err)
	return &fakePage{Page: page}
}

func (f *fakePage) Click(ctx context.Context, selector string) error {
	f.clicks++
	if f.onClick != nil {
		f.onClick()
	}
	if f.clicks <= f.clickFailures {
		return errors.New("element is covered by another element")
	}
	return f.Page.Click(ctx, selector)
}

func (f *fakePage) WaitForSelector(ctx context.Context, selector string) error {
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.Page.WaitForSelector(ctx, selector)
}

func (f *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if f.shot == nil {
		return f.Page.Screenshot(ctx)
	}
	return f.shot, nil
}

func (f *fakePage) Evaluate(_ context.Context, _ string) (any, error) {
	return f.evalResult, nil
}

func intPtr(n int) *int { return &n }

func composePattern() pattern.Pattern {
	return pattern.Pattern{
		ID:       "send-mail",
		Name:     "Send mail",
		Service:  "mail",
		Category: pattern.CategoryCommunication,
		Parameters: []pattern.Parameter{
			{Name: "to", Type: pattern.ParamString, Required: true},
			{Name: "message", Type: pattern.ParamString, Required: true},
			{Name: "subject", Type: pattern.ParamString, Default: value.String("(no subject)")},
		},
		Steps: []pattern.Step{
			{Order: 1, Type: pattern.StepFill, Selector: "#to", Value: value.String("{{to}}")},
			{Order: 2, Type: pattern.StepFill, Selector: "#subject", Value: value.String("{{subject}}")},
			{Order: 3, Type: pattern.StepFill, Selector: "#body", Value: value.String("{{message}}")},
			{Order: 4, Type: pattern.StepClick, Selector: "#send"},
		},
	}
}

func newEngine(cfg Config) *Engine {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	return New(cfg, nil)
}

func TestSubstitute(t *testing.T) {
	t.Parallel()

	params := map[string]value.Value{"name": value.String("bob"), "count": value.Int(3)}
	vars := map[string]value.Value{"name": value.String("shadowed"), "step1_result": value.Bool(true)}

	cases := []struct {
		template string
		want     string
	}{
		{"hello {{name}}", "hello bob"},
		{"{{count}} items", "3 items"},
		{"{{step1_result}}", "true"},
		{"{{missing}} stays", "{{missing}} stays"},
		{"{{ name }} needs a word", "{{ name }} needs a word"},
		{"no tokens", "no tokens"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Substitute(tc.template, params, vars), tc.template)
	}
	assert.Equal(t, value.Int(3), Resolve(value.Int(3), params))
}

func TestBindParameters(t *testing.T) {
	t.Parallel()

	minLen, maxLen := 2, 5
	low, high := 1.0, 10.0
	declared := []pattern.Parameter{
		{Name: "code", Type: pattern.ParamString, Required: true, Validation: &pattern.ParameterValidation{Pattern: `^[a-z]+$`, MinLength: &minLen, MaxLength: &maxLen}},
		{Name: "size", Type: pattern.ParamNumber, Validation: &pattern.ParameterValidation{Min: &low, Max: &high}},
		{Name: "color", Type: pattern.ParamString, Default: value.String("red"), Validation: &pattern.ParameterValidation{Enum: []value.Value{value.String("red"), value.String("blue")}}},
	}

	bound, err := BindParameters(declared, map[string]value.Value{"code": value.String("abc"), "extra": value.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, value.String("red"), bound["color"])
	assert.Equal(t, value.Bool(true), bound["extra"])
	_, hasSize := bound["size"]
	assert.False(t, hasSize)

	failures := map[string]map[string]value.Value{
		"missing required": {},
		"null is absent":   {"code": value.Null()},
		"wrong type":       {"code": value.Int(1)},
		"pattern":          {"code": value.String("ABC")},
		"too short":        {"code": value.String("a")},
		"too long":         {"code": value.String("abcdef")},
		"below min":        {"code": value.String("abc"), "size": value.Number(0.5)},
		"above max":        {"code": value.String("abc"), "size": value.Int(11)},
		"not in enum":      {"code": value.String("abc"), "color": value.String("green")},
	}
	for name, given := range failures {
		_, err := BindParameters(declared, given)
		var pve *ParameterValidationError
		require.True(t, errors.As(err, &pve), name)
	}
}

func TestExecuteSubstitutesParametersIntoFillAndClick(t *testing.T) {
	t.Parallel()

	page := newFakePage(t)
	p := composePattern()
	p.Validation = []pattern.ValidationRule{
		{Type: pattern.RuleAttribute, Condition: "#to@value", Expected: value.String("bob@example.com")},
		{Type: pattern.RuleTitle, Condition: "contains", Expected: value.String("Compose")},
	}

	res := newEngine(Config{}).Execute(context.Background(), page, p, Request{Parameters: map[string]value.Value{
		"to":      value.String("bob@example.com"),
		"message": value.String("hi there"),
	}})

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Steps, 4)
	for _, step := range res.Steps {
		assert.Equal(t, StatusSuccess, step.Status)
		assert.Equal(t, 1, step.Attempts)
	}
	assert.Equal(t, "bob@example.com", res.Steps[0].Value.Text())
	assert.Equal(t, value.String("(no subject)"), res.Variables["step2_result"])
	assert.Equal(t, value.Bool(true), res.Variables["step4_result"])
	assert.Equal(t, 1, page.clicks)

	body, err := page.TextContent(context.Background(), "#body")
	require.NoError(t, err)
	assert.Equal(t, "hi there", body)
	assert.True(t, strings.HasSuffix(res.Logs[len(res.Logs)-1], "s"), "last log is the completion line")
}

func TestExecuteAbortsOnFirstFailedStep(t *testing.T) {
	t.Parallel()

	p := pattern.Pattern{ID: "five", Name: "Five", Service: "mail", Category: pattern.CategoryCustom, Steps: []pattern.Step{
		{Order: 1, Type: pattern.StepFill, Selector: "#to", Value: value.String("a")},
		{Order: 2, Type: pattern.StepCheck, Selector: "#urgent"},
		{Order: 3, Type: pattern.StepClick, Selector: "#archive"},
		{Order: 4, Type: pattern.StepClick, Selector: "#send"},
		{Order: 5, Type: pattern.StepVerify, Selector: "#send"},
	}}

	page := newFakePage(t)
	res := newEngine(Config{}).Execute(context.Background(), page, p, Request{})

	require.False(t, res.Success)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, StatusSuccess, res.Steps[1].Status)
	assert.Equal(t, StatusFailed, res.Steps[2].Status)
	assert.Zero(t, page.clicks, "no later click ran")

	var stepErr *StepExecutionError
	require.True(t, errors.As(res.Err, &stepErr))
	assert.Equal(t, 3, stepErr.Order)
	assert.Equal(t, "#archive", stepErr.Selector)
	assert.Contains(t, res.Error, "#archive")
}

func TestExecuteOptionalStepFailureContinues(t *testing.T) {
	t.Parallel()

	p := composePattern()
	p.Steps = append(p.Steps, pattern.Step{Order: 0, Type: pattern.StepClick, Selector: "#dismiss-banner", Optional: true})

	res := newEngine(Config{}).Execute(context.Background(), newFakePage(t), p, Request{Parameters: map[string]value.Value{
		"to": value.String("a@b.c"), "message": value.String("m"),
	}})

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Steps, 5)
	assert.Equal(t, StatusSkipped, res.Steps[0].Status, "steps run in declared order")
	assert.NotEmpty(t, res.Steps[0].Error)
	_, recorded := res.Variables["step0_result"]
	assert.False(t, recorded)
}

func TestExecuteURLValidationFailure(t *testing.T) {
	t.Parallel()

	p := composePattern()
	p.Validation = []pattern.ValidationRule{
		{Type: pattern.RuleSelector, Condition: "#send"},
		{Type: pattern.RuleURL, Condition: "contains", Expected: value.String("/sent")},
		{Type: pattern.RuleCount, Condition: "li", Expected: value.Int(99)},
	}

	res := newEngine(Config{}).Execute(context.Background(), newFakePage(t), p, Request{Parameters: map[string]value.Value{
		"to": value.String("a@b.c"), "message": value.String("m"),
	}})

	require.False(t, res.Success)
	require.Len(t, res.Steps, 4, "every step ran before validation")
	var rve *ResultValidationError
	require.True(t, errors.As(res.Err, &rve))
	assert.Equal(t, pattern.RuleURL, rve.Rule.Type)
	assert.Equal(t, "https://mail.example.com/compose", rve.Observed)
	assert.Contains(t, res.Error, "/sent")
}

func TestValidationRules(t *testing.T) {
	t.Parallel()

	page := newFakePage(t)
	page.evalResult = map[string]any{"ok": true}
	e := newEngine(Config{})
	ctx := context.Background()

	pass := []pattern.ValidationRule{
		{Type: pattern.RuleText, Condition: "Send"},
		{Type: pattern.RuleText, Condition: "ignored", Expected: value.String("two")},
		{Type: pattern.RuleURL, Condition: "equals", Expected: value.String("https://mail.example.com/compose")},
		{Type: pattern.RuleCount, Condition: "li", Expected: value.String("2")},
		{Type: pattern.RuleAttribute, Condition: "#to@type", Expected: value.String("email")},
		{Type: pattern.RuleCustom, Condition: "window.state"},
		{Type: pattern.RuleCustom, Condition: "window.state", Expected: value.Object(map[string]value.Value{"ok": value.Bool(true)})},
		{Type: pattern.RuleSelector, Condition: "#send", TimeoutMS: 50},
	}
	for _, rule := range pass {
		assert.NoError(t, e.checkRule(ctx, page, rule), "%s %s", rule.Type, rule.Condition)
	}

	fail := []pattern.ValidationRule{
		{Type: pattern.RuleSelector, Condition: "#gone"},
		{Type: pattern.RuleTitle, Condition: "equals", Expected: value.String("Compose")},
		{Type: pattern.RuleTitle, Condition: "startsWith", Expected: value.String("Compose")},
		{Type: pattern.RuleAttribute, Condition: "#to", Expected: value.String("email")},
		{Type: pattern.RuleAttribute, Condition: "#to@placeholder", Expected: value.String("x")},
		{Type: pattern.RuleCount, Condition: "li", Expected: value.Bool(true)},
	}
	for _, rule := range fail {
		var rve *ResultValidationError
		assert.True(t, errors.As(e.checkRule(ctx, page, rule), &rve), "%s %s", rule.Type, rule.Condition)
	}

	custom := &ResultValidationError{Rule: pattern.ValidationRule{Type: pattern.RuleURL, ErrorMessage: "mail was not sent"}}
	assert.Equal(t, "validation failed: mail was not sent", custom.Error())
}

func TestExecuteRetriesFlakyStep(t *testing.T) {
	t.Parallel()

	p := composePattern()
	p.Steps[3].Retries = intPtr(2)
	params := map[string]value.Value{"to": value.String("a@b.c"), "message": value.String("m")}

	page := newFakePage(t)
	page.clickFailures = 2
	res := newEngine(Config{}).Execute(context.Background(), page, p, Request{Parameters: params})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.Steps[3].Attempts)

	page = newFakePage(t)
	page.clickFailures = 5
	res = newEngine(Config{Retries: 1}).Execute(context.Background(), page, composePattern(), Request{Parameters: params})
	require.False(t, res.Success)
	assert.Equal(t, 2, res.Steps[3].Attempts, "engine default applies when the step sets none")
	var stepErr *StepExecutionError
	require.True(t, errors.As(res.Err, &stepErr))
	assert.Equal(t, 2, stepErr.Attempts)
}

func TestExecuteNegativeRetriesStillDispatchOnce(t *testing.T) {
	t.Parallel()

	p := composePattern()
	p.Steps[3].Retries = intPtr(-1)
	params := map[string]value.Value{"to": value.String("a@b.c"), "message": value.String("m")}

	page := newFakePage(t)
	res := newEngine(Config{}).Execute(context.Background(), page, p, Request{Parameters: params})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, page.clicks)
	assert.Equal(t, 1, res.Steps[3].Attempts)

	page = newFakePage(t)
	page.clickFailures = 1
	res = newEngine(Config{Retries: -3}).Execute(context.Background(), page, composePattern(), Request{Parameters: params})
	require.False(t, res.Success)
	assert.Equal(t, 1, page.clicks)
	assert.Equal(t, StatusFailed, res.Steps[3].Status)
}

func TestExecuteStepTimeoutIsStepFailure(t *testing.T) {
	t.Parallel()

	p := pattern.Pattern{ID: "slow", Name: "Slow", Service: "mail", Category: pattern.CategoryCustom, Steps: []pattern.Step{
		{Order: 1, Type: pattern.StepClick, Selector: "#send", TimeoutMS: 20},
		{Order: 2, Type: pattern.StepClick, Selector: "#send"},
	}}
	page := newFakePage(t)
	page.hang = true

	res := newEngine(Config{}).Execute(context.Background(), page, p, Request{})
	require.False(t, res.Success)
	assert.False(t, res.Canceled(), res.Error)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded), res.Error)
	var stepErr *StepExecutionError
	require.True(t, errors.As(res.Err, &stepErr))
	assert.Equal(t, 1, stepErr.Order)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, StatusFailed, res.Steps[0].Status)
	assert.Zero(t, page.clicks)
}

func TestExecuteWaitHonoursStepTimeout(t *testing.T) {
	t.Parallel()

	p := pattern.Pattern{ID: "wait", Name: "Wait", Service: "mail", Category: pattern.CategoryCustom, Steps: []pattern.Step{
		{Order: 1, Type: pattern.StepWait, Value: value.Int(60_000), TimeoutMS: 20},
		{Order: 2, Type: pattern.StepWait, Value: value.Int(60_000), TimeoutMS: 20, Optional: true},
	}}

	start := time.Now()
	res := newEngine(Config{}).Execute(context.Background(), newFakePage(t), p, Request{})
	assert.Less(t, time.Since(start), 5*time.Second)
	require.False(t, res.Success)
	assert.False(t, res.Canceled(), res.Error)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded), res.Error)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, StatusFailed, res.Steps[0].Status)

	p.Steps = p.Steps[1:]
	res = newEngine(Config{}).Execute(context.Background(), newFakePage(t), p, Request{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, StatusSkipped, res.Steps[0].Status)

	short := pattern.Pattern{ID: "short", Name: "Short", Service: "mail", Category: pattern.CategoryCustom, Steps: []pattern.Step{
		{Order: 1, Type: pattern.StepWait, Value: value.Int(5), TimeoutMS: 1000},
	}}
	res = newEngine(Config{}).Execute(context.Background(), newFakePage(t), short, Request{})
	require.True(t, res.Success, res.Error)
}

func TestExecuteCountsStepsOncePerStep(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	p := composePattern()
	p.Steps[3].Retries = intPtr(2)
	page := newFakePage(t)
	page.clickFailures = 2

	res := newEngine(Config{Metrics: m}).Execute(context.Background(), page, p, Request{Parameters: map[string]value.Value{
		"to": value.String("a@b.c"), "message": value.String("m"),
	}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, page.clicks)

	expected := `
# HELP secretary_steps_total Executed steps by step type and final status.
# TYPE secretary_steps_total counter
secretary_steps_total{status="success",type="click"} 1
secretary_steps_total{status="success",type="fill"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "secretary_steps_total"))
}

func TestExecuteCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newEngine(Config{}).Execute(ctx, newFakePage(t), composePattern(), Request{Parameters: map[string]value.Value{
		"to": value.String("a@b.c"), "message": value.String("m"),
	}})

	assert.False(t, res.Success)
	assert.True(t, res.Canceled())
	assert.Empty(t, res.Steps)
	assert.NotEmpty(t, res.Logs)
}

func TestExecuteCanceledMidRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := composePattern()
	p.Steps = append(p.Steps, pattern.Step{Order: 5, Type: pattern.StepWait, Value: value.Int(60_000)})
	p.Steps = append(p.Steps, pattern.Step{Order: 6, Type: pattern.StepClick, Selector: "#send"})

	page := newFakePage(t)
	page.onClick = func() {
		time.AfterFunc(20*time.Millisecond, cancel)
	}

	res := newEngine(Config{}).Execute(ctx, page, p, Request{Parameters: map[string]value.Value{
		"to": value.String("a@b.c"), "message": value.String("m"),
	}})

	assert.True(t, res.Canceled(), res.Error)
	require.Len(t, res.Steps, 5)
	assert.Equal(t, StatusFailed, res.Steps[4].Status)
	assert.Equal(t, 1, page.clicks)
}

func TestExecuteParameterFailureRunsNoSteps(t *testing.T) {
	t.Parallel()

	page := newFakePage(t)
	res := newEngine(Config{}).Execute(context.Background(), page, composePattern(), Request{Parameters: map[string]value.Value{
		"to": value.String("a@b.c"),
	}})

	require.False(t, res.Success)
	assert.Empty(t, res.Steps)
	var pve *ParameterValidationError
	require.True(t, errors.As(res.Err, &pve))
	assert.Equal(t, "message", pve.Parameter)
}

func TestExecuteScreenshots(t *testing.T) {
	t.Parallel()

	page := newFakePage(t)
	page.shot = []byte("png")
	p := composePattern()
	p.Steps = append(p.Steps,
		pattern.Step{Order: 5, Type: pattern.StepScreenshot},
		pattern.Step{Order: 6, Type: pattern.StepHover, Selector: "#nope"},
	)

	res := newEngine(Config{}).Execute(context.Background(), page, p, Request{Parameters: map[string]value.Value{
		"to": value.String("a@b.c"), "message": value.String("m"),
	}})

	require.False(t, res.Success)
	require.Len(t, res.Steps, 6)
	assert.Empty(t, res.Steps[0].Screenshot, "per-step capture is off")
	assert.Equal(t, "cG5n", res.Steps[4].Screenshot)
	assert.Equal(t, "cG5n", res.Steps[5].Screenshot, "failed steps capture the page")
	assert.Equal(t, []string{"cG5n", "cG5n"}, res.Screenshots)

	res = newEngine(Config{Screenshots: true}).Execute(context.Background(), page, composePattern(), Request{Parameters: map[string]value.Value{
		"to": value.String("a@b.c"), "message": value.String("m"),
	}})
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Screenshots, 4)
}

func TestExecuteWaitAndCustomSteps(t *testing.T) {
	t.Parallel()

	page := newFakePage(t)
	page.evalResult = float64(42)
	p := pattern.Pattern{ID: "misc", Name: "Misc", Service: "mail", Category: pattern.CategoryCustom, Steps: []pattern.Step{
		{Order: 1, Type: pattern.StepWait, Value: value.String("{{delay}}")},
		{Order: 2, Type: pattern.StepCustom, Value: value.String("document.querySelectorAll('li').length * 21")},
		{Order: 3, Type: pattern.StepFill, Selector: "#subject", Value: value.String("answer {{step2_result}}")},
		{Order: 4, Type: pattern.StepScroll},
	}}

	res := newEngine(Config{}).Execute(context.Background(), page, p, Request{Parameters: map[string]value.Value{"delay": value.Int(5)}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, value.Int(5), res.Variables["step1_result"])
	assert.Equal(t, value.Number(42), res.Variables["step2_result"])
	assert.Equal(t, value.String("answer 42"), res.Variables["step3_result"])
}

func TestClassifyBlocker(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		url   string
		title string
		body  string
		want  BlockerKind
	}{
		{"captcha challenge", "https://search.example.com/?q=x", "Search", "Please complete the following challenge to confirm this search was made by a human.", BlockerHumanVerification},
		{"form validation", "https://mail.example.com", "Mail", "Please fill out this field.", BlockerFormValidation},
		{"bot blocked", "https://example.com/protected", "Access denied", "Access denied. Suspicious bot traffic detected.", BlockerBotDenied},
		{"access denied without bot", "https://example.com", "Access denied", "Sign in first.", ""},
		{"normal page", "https://example.com", "Example Domain", "This domain is for use in illustrative examples.", ""},
		{"empty", "", "", "", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, _ := ClassifyBlocker(tc.url, tc.title, tc.body)
			if got != tc.want {
				t.Fatalf("ClassifyBlocker()=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestExecuteDetectsBlockerAfterNavigate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wall.html")
	require.NoError(t, os.WriteFile(path, []byte(`<html><head><title>Just a moment</title></head><body>Verify you are human</body></html>`), 0o600))

	p := pattern.Pattern{ID: "open", Name: "Open", Service: "mail", Category: pattern.CategoryNavigation, Steps: []pattern.Step{
		{Order: 1, Type: pattern.StepNavigate, Value: value.String("file://" + path), Retries: intPtr(3)},
	}}

	res := newEngine(Config{DetectBlockers: true}).Execute(context.Background(), newFakePage(t), p, Request{})
	require.False(t, res.Success)
	var blocked *BlockerError
	require.True(t, errors.As(res.Err, &blocked))
	assert.Equal(t, BlockerHumanVerification, blocked.Kind)
	assert.Equal(t, 1, res.Steps[0].Attempts, "blockers are not retried")

	res = newEngine(Config{}).Execute(context.Background(), newFakePage(t), p, Request{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, value.String("file://"+path), res.Variables["step1_result"])
}
