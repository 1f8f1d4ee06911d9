package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/taku10101/playwright-secretary/internal/driver"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/value"
)

var errUnsupportedCondition = errors.New("unsupported condition")

// checkRule evaluates one post-run rule and returns a ResultValidationError
// when it does not hold.
func (e *Engine) checkRule(ctx context.Context, page driver.Page, rule pattern.ValidationRule) error {
	if timeout := rule.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	observed, ok, err := e.observeRule(ctx, page, rule)
	if err != nil {
		return &ResultValidationError{Rule: rule, Observed: observed, Err: err}
	}
	if !ok {
		return &ResultValidationError{Rule: rule, Observed: observed}
	}
	return nil
}

func (e *Engine) observeRule(ctx context.Context, page driver.Page, rule pattern.ValidationRule) (string, bool, error) {
	expected := rule.Expected.Text()
	switch rule.Type {
	case pattern.RuleSelector:
		if rule.TimeoutMS > 0 {
			if err := page.WaitForSelector(ctx, rule.Condition); err != nil {
				return "not visible", false, nil
			}
			return "visible", true, nil
		}
		visible, err := page.IsVisible(ctx, rule.Condition)
		if err != nil {
			return "", false, err
		}
		if !visible {
			return "not visible", false, nil
		}
		return "visible", true, nil

	case pattern.RuleText:
		body, err := page.TextContent(ctx, "body")
		if err != nil {
			return "", false, err
		}
		needle := rule.Condition
		if !rule.Expected.IsNull() {
			needle = expected
		}
		return excerpt(body), strings.Contains(body, needle), nil

	case pattern.RuleURL:
		url, err := page.URL(ctx)
		if err != nil {
			return "", false, err
		}
		ok, err := compareText(rule.Condition, url, expected)
		return url, ok, err

	case pattern.RuleTitle:
		title, err := page.Title(ctx)
		if err != nil {
			return "", false, err
		}
		ok, err := compareText(rule.Condition, title, expected)
		return title, ok, err

	case pattern.RuleAttribute:
		sel, attr, found := strings.Cut(rule.Condition, "@")
		if !found || sel == "" || attr == "" {
			return "", false, fmt.Errorf("%w: attribute rule needs selector@attribute", errUnsupportedCondition)
		}
		got, present, err := page.Attribute(ctx, sel, attr)
		if err != nil {
			return "", false, err
		}
		if !present {
			return "absent", false, nil
		}
		return got, got == expected, nil

	case pattern.RuleCount:
		want, err := expectedCount(rule.Expected)
		if err != nil {
			return "", false, err
		}
		got, err := page.Count(ctx, rule.Condition)
		if err != nil {
			return "", false, err
		}
		return strconv.Itoa(got), got == want, nil

	case pattern.RuleCustom:
		raw, err := page.Evaluate(ctx, rule.Condition)
		if err != nil {
			return "", false, err
		}
		got, err := value.FromAny(raw)
		if err != nil {
			return "", false, fmt.Errorf("decode script result: %w", err)
		}
		if rule.Expected.IsNull() {
			return got.String(), got.Truthy(), nil
		}
		return got.String(), value.Equal(got, rule.Expected), nil
	}
	return "", false, fmt.Errorf("%w: rule type %q", errUnsupportedCondition, rule.Type)
}

func compareText(condition, observed, expected string) (bool, error) {
	switch condition {
	case "contains":
		return strings.Contains(observed, expected), nil
	case "equals":
		return observed == expected, nil
	}
	return false, fmt.Errorf("%w: %q (want contains or equals)", errUnsupportedCondition, condition)
}

func expectedCount(v value.Value) (int, error) {
	if n, ok := v.Num(); ok {
		return int(n), nil
	}
	if s, ok := v.Str(); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: count rule expects a number, got %s", errUnsupportedCondition, v)
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > 120 {
		return string(runes[:120]) + "..."
	}
	return s
}
