package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taku10101/playwright-secretary/internal/driver"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/value"
)

const defaultWait = time.Second

// dispatch performs one attempt of a step whose placeholders are already resolved.
func (e *Engine) dispatch(ctx context.Context, page driver.Page, step pattern.Step) (value.Value, error) {
	if step.Type == pattern.StepWait {
		d, err := waitDuration(step.Value)
		if err != nil {
			return value.Null(), err
		}
		// Only an explicit step timeout bounds a fixed wait.
		if timeout := step.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := sleep(ctx, d); err != nil {
			return value.Null(), fmt.Errorf("wait %s: %w", d, err)
		}
		return value.Int(int(d.Milliseconds())), nil
	}

	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sel := strings.TrimSpace(step.Selector)
	text := step.Value.Text()
	done := value.Bool(true)

	switch step.Type {
	case pattern.StepNavigate:
		if strings.TrimSpace(text) == "" {
			return value.Null(), fmt.Errorf("navigate step requires a url value")
		}
		if err := page.Navigate(ctx, text); err != nil {
			return value.Null(), err
		}
		if e.cfg.DetectBlockers {
			if err := detectBlocker(ctx, page); err != nil {
				return value.Null(), err
			}
		}
		return currentURL(ctx, page)

	case pattern.StepWaitForNavigation:
		if err := page.WaitForLoadState(ctx); err != nil {
			return value.Null(), err
		}
		return currentURL(ctx, page)

	case pattern.StepWaitForSelector:
		if err := requireSelector(step); err != nil {
			return value.Null(), err
		}
		return done, page.WaitForSelector(ctx, sel)

	case pattern.StepScroll:
		return done, page.ScrollIntoView(ctx, sel)

	case pattern.StepPress:
		if text == "" {
			return value.Null(), fmt.Errorf("press step requires a key value")
		}
		if sel != "" {
			if err := page.WaitForSelector(ctx, sel); err != nil {
				return value.Null(), err
			}
		}
		return done, page.Press(ctx, text)

	case pattern.StepScreenshot:
		raw, err := page.Screenshot(ctx)
		if err != nil {
			return value.Null(), err
		}
		return value.String(base64.StdEncoding.EncodeToString(raw)), nil

	case pattern.StepCustom:
		if strings.TrimSpace(text) == "" {
			return value.Null(), fmt.Errorf("custom step requires a script value")
		}
		raw, err := page.Evaluate(ctx, text)
		if err != nil {
			return value.Null(), err
		}
		return value.FromAny(raw)

	case pattern.StepVerify:
		if err := requireSelector(step); err != nil {
			return value.Null(), err
		}
		visible, err := page.IsVisible(ctx, sel)
		if err != nil {
			return value.Null(), err
		}
		if !visible {
			return value.Null(), fmt.Errorf("verification failed: %s is not visible", sel)
		}
		if !step.Expected.IsNull() {
			content, err := page.TextContent(ctx, sel)
			if err != nil {
				return value.Null(), err
			}
			if want := step.Expected.Text(); !strings.Contains(content, want) {
				return value.Null(), fmt.Errorf("verification failed: expected text %q not found in %s", want, sel)
			}
		}
		return done, nil
	}

	// Remaining types act on one element: wait for it, then interact.
	if err := requireSelector(step); err != nil {
		return value.Null(), err
	}
	if err := page.WaitForSelector(ctx, sel); err != nil {
		return value.Null(), err
	}
	switch step.Type {
	case pattern.StepClick:
		return done, page.Click(ctx, sel)
	case pattern.StepHover:
		return done, page.Hover(ctx, sel)
	case pattern.StepCheck:
		return done, page.SetChecked(ctx, sel, true)
	case pattern.StepUncheck:
		return done, page.SetChecked(ctx, sel, false)
	case pattern.StepFill:
		return value.String(text), page.Fill(ctx, sel, text)
	case pattern.StepTypeText:
		return value.String(text), page.Type(ctx, sel, text)
	case pattern.StepSelect:
		return value.String(text), page.SelectOption(ctx, sel, text)
	}
	return value.Null(), fmt.Errorf("unknown step type %q", step.Type)
}

func requireSelector(step pattern.Step) error {
	if strings.TrimSpace(step.Selector) == "" {
		return fmt.Errorf("%s step requires a selector", step.Type)
	}
	return nil
}

func currentURL(ctx context.Context, page driver.Page) (value.Value, error) {
	url, err := page.URL(ctx)
	if err != nil {
		return value.Null(), err
	}
	return value.String(url), nil
}

// waitDuration reads a wait step's value as milliseconds.
func waitDuration(v value.Value) (time.Duration, error) {
	ms := float64(defaultWait.Milliseconds())
	if n, ok := v.Num(); ok {
		ms = n
	} else if s, ok := v.Str(); ok && strings.TrimSpace(s) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("wait step value %q is not a number of milliseconds", s)
		}
		ms = parsed
	}
	if ms < 0 {
		return 0, fmt.Errorf("wait step value %v is negative", ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}
