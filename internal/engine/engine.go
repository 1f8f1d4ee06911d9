// Package engine runs action patterns against a browser page: it binds and
// checks parameters, interprets steps in order with retries and timeouts, and
// verifies the post-run rules.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/driver"
	"github.com/taku10101/playwright-secretary/internal/metrics"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/value"
)

const (
	DefaultStepTimeout = 30 * time.Second
	DefaultRetryDelay  = 500 * time.Millisecond

	failureShotTimeout = 5 * time.Second
)

type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
)

type Config struct {
	DefaultTimeout time.Duration
	// Screenshots captures the page after every successful step.
	Screenshots bool
	// Retries is the number of extra attempts for steps that do not set their own.
	Retries        int
	RetryDelay     time.Duration
	DetectBlockers bool
	Metrics        *metrics.Metrics
}

type Request struct {
	Parameters map[string]value.Value `json:"parameters,omitempty"`
	// Variables seeds the variable scope; step results are added to it as the run proceeds.
	Variables map[string]value.Value `json:"variables,omitempty"`
}

type ExecutedStep struct {
	pattern.Step
	ExecutedAt   time.Time     `json:"executed_at"`
	Duration     time.Duration `json:"duration"`
	Status       StepStatus    `json:"status"`
	Error        string        `json:"error,omitempty"`
	Screenshot   string        `json:"screenshot,omitempty"`
	ActualResult value.Value   `json:"actual_result,omitzero"`
	Attempts     int           `json:"attempts"`
}

type Result struct {
	Success     bool                   `json:"success"`
	Duration    time.Duration          `json:"duration"`
	Steps       []ExecutedStep         `json:"steps"`
	Variables   map[string]value.Value `json:"variables"`
	Screenshots []string               `json:"screenshots,omitempty"`
	Logs        []string               `json:"logs"`
	Error       string                 `json:"error,omitempty"`
	// Err is the typed failure behind Error.
	Err error `json:"-"`
}

// Canceled reports whether the run stopped because its context ended.
func (r Result) Canceled() bool {
	return errors.Is(r.Err, ErrCanceled)
}

type Engine struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// run is the state of one Execute call.
type run struct {
	engine  *Engine
	page    driver.Page
	logger  *zap.Logger
	started time.Time
	result  Result
	err     error
}

// Execute runs p on page. It never returns an error: failures, including a
// canceled context, are reported in the Result alongside the steps that ran.
func (e *Engine) Execute(ctx context.Context, page driver.Page, p pattern.Pattern, req Request) (res Result) {
	r := &run{
		engine:  e,
		page:    page,
		logger:  e.logger.With(zap.String("service", p.Service), zap.String("pattern", p.ID)),
		started: time.Now(),
		result: Result{
			Steps:     []ExecutedStep{},
			Variables: make(map[string]value.Value, len(req.Variables)),
			Logs:      []string{},
		},
	}
	for name, v := range req.Variables {
		r.result.Variables[name] = v
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("execution panicked", zap.Any("panic", recovered))
			r.err = fmt.Errorf("execution panicked: %v", recovered)
		}
		res = r.finish()
	}()

	r.execute(ctx, p, req)
	return res
}

func (r *run) execute(ctx context.Context, p pattern.Pattern, req Request) {
	r.logf("Starting execution: %s", p.Name)

	bindings, err := BindParameters(p.Parameters, req.Parameters)
	if err != nil {
		r.err = err
		return
	}
	r.logf("Parameters validated")

	p = p.Clone()
	p.SortSteps()
	for _, step := range p.Steps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.err = fmt.Errorf("%w before step %d: %w", ErrCanceled, step.Order, ctxErr)
			return
		}

		executed, stepErr := r.step(ctx, step, bindings)
		if stepErr != nil {
			switch {
			case ctx.Err() != nil:
				r.err = fmt.Errorf("%w: %w", ErrCanceled, stepErr)
			case step.Optional:
				executed.Status = StatusSkipped
				r.logf("Step %d: Failed (optional, continuing): %v", step.Order, stepErr)
			default:
				r.logf("Step %d: Failed - %v", step.Order, stepErr)
				r.err = stepErr
			}
		}
		r.engine.cfg.Metrics.ObserveStep(string(step.Type), string(executed.Status))
		r.result.Steps = append(r.result.Steps, executed)
		if r.err != nil {
			return
		}
	}

	for _, rule := range p.Validation {
		if err := r.engine.checkRule(ctx, r.page, rule); err != nil {
			r.err = err
			return
		}
	}
	if len(p.Validation) > 0 {
		r.logf("Validation passed")
	}
}

func (r *run) step(ctx context.Context, step pattern.Step, bindings map[string]value.Value) (ExecutedStep, error) {
	vars := r.result.Variables
	resolved := step
	resolved.Selector = Substitute(step.Selector, bindings, vars)
	resolved.Value = Resolve(step.Value, bindings, vars)
	resolved.Expected = Resolve(step.Expected, bindings, vars)

	executed := ExecutedStep{Step: resolved, ExecutedAt: time.Now()}
	r.logf("Step %d: %s", step.Order, describeStep(resolved))

	retries := r.engine.cfg.Retries
	if step.Retries != nil {
		retries = *step.Retries
	}
	retries = max(retries, 0)

	var (
		result value.Value
		err    error
	)
	for attempt := 1; attempt <= retries+1; attempt++ {
		if attempt > 1 {
			r.logger.Debug("retrying step",
				zap.Int("step", step.Order),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if sleepErr := sleep(ctx, r.engine.cfg.RetryDelay); sleepErr != nil {
				break
			}
		}
		executed.Attempts = attempt
		result, err = r.engine.dispatch(ctx, r.page, resolved)
		if err == nil {
			break
		}
		var blocked *BlockerError
		if ctx.Err() != nil || errors.As(err, &blocked) {
			break
		}
	}
	executed.Duration = time.Since(executed.ExecutedAt)

	if err != nil {
		stepErr := &StepExecutionError{
			Order:    step.Order,
			Type:     step.Type,
			Selector: resolved.Selector,
			Attempts: executed.Attempts,
			Err:      err,
		}
		executed.Status = StatusFailed
		executed.Error = stepErr.Error()
		// Best effort: a failure screenshot is still taken when ctx is done.
		shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureShotTimeout)
		executed.Screenshot = r.capture(shotCtx)
		cancel()
		r.logger.Warn("step failed",
			zap.Int("step", step.Order),
			zap.String("selector", resolved.Selector),
			zap.Int("attempts", executed.Attempts),
			zap.Error(err),
		)
		return executed, stepErr
	}

	executed.Status = StatusSuccess
	executed.ActualResult = result
	if !result.IsNull() {
		vars[fmt.Sprintf("step%d_result", step.Order)] = result
	}
	switch {
	case step.Type == pattern.StepScreenshot:
		shot, _ := result.Str()
		executed.Screenshot = shot
		r.result.Screenshots = append(r.result.Screenshots, shot)
	case r.engine.cfg.Screenshots:
		executed.Screenshot = r.capture(ctx)
	}
	r.logf("Step %d: Success", step.Order)
	return executed, nil
}

// capture returns a base64 PNG of the page, or "" when the driver cannot take one.
func (r *run) capture(ctx context.Context) string {
	raw, err := r.page.Screenshot(ctx)
	if err != nil {
		r.logger.Debug("screenshot unavailable", zap.Error(err))
		return ""
	}
	shot := base64.StdEncoding.EncodeToString(raw)
	r.result.Screenshots = append(r.result.Screenshots, shot)
	return shot
}

func (r *run) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.result.Logs = append(r.result.Logs, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), msg))
	r.logger.Debug(msg)
}

func (r *run) finish() Result {
	res := r.result
	res.Duration = time.Since(r.started)
	res.Err = r.err
	res.Success = r.err == nil
	if r.err != nil {
		res.Error = r.err.Error()
		r.logf("Execution failed: %v", r.err)
		r.logger.Info("execution failed", zap.Duration("duration", res.Duration), zap.Error(r.err))
	} else {
		r.logf("Execution completed in %.2fs", res.Duration.Seconds())
		r.logger.Info("execution completed", zap.Duration("duration", res.Duration), zap.Int("steps", len(res.Steps)))
	}
	res.Logs = r.result.Logs
	return res
}

func describeStep(step pattern.Step) string {
	if step.Description != "" {
		return step.Description
	}
	if step.Selector != "" {
		return fmt.Sprintf("%s %s", step.Type, step.Selector)
	}
	return string(step.Type)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
