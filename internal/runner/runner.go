// Package runner queues pattern executions and runs them on pooled browser
// pages, recording history, usage statistics and screenshots.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taku10101/playwright-secretary/internal/artifact"
	"github.com/taku10101/playwright-secretary/internal/driver"
	"github.com/taku10101/playwright-secretary/internal/engine"
	"github.com/taku10101/playwright-secretary/internal/history"
	"github.com/taku10101/playwright-secretary/internal/metrics"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/pool"
)

var ErrQueueFull = errors.New("execution queue is full")

// Catalog is the part of the pattern library the runner needs.
type Catalog interface {
	Get(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error)
	RecordUsage(ctx context.Context, ref pattern.Ref, success bool, duration time.Duration) error
}

type Executor interface {
	Execute(ctx context.Context, page driver.Page, p pattern.Pattern, req engine.Request) engine.Result
}

type Pages interface {
	Acquire(ctx context.Context) (pool.Lease, error)
	Release(lease pool.Lease, healthy bool)
}

type Config struct {
	QueueSize int
	Workers   int
	// ExecutionTimeout bounds one execution including waiting for a page.
	ExecutionTimeout time.Duration
	Metrics          *metrics.Metrics
}

type job struct {
	id  string
	req engine.Request
}

type Runner struct {
	catalog   Catalog
	executor  Executor
	pages     Pages
	history   history.Store
	artifacts artifact.Store
	cfg       Config
	logger    *zap.Logger

	queue chan job

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(catalog Catalog, executor Executor, pages Pages, executions history.Store, artifacts artifact.Store, cfg Config, logger *zap.Logger) *Runner {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		catalog:   catalog,
		executor:  executor,
		pages:     pages,
		history:   executions,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan job, cfg.QueueSize),
		running:   make(map[string]context.CancelFunc),
	}
}

// Run starts the workers and blocks until ctx is done and every worker has
// finished its current execution.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for workerID := 1; workerID <= r.cfg.Workers; workerID++ {
		id := workerID
		g.Go(func() error {
			r.worker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

// Submit records a queued execution of the referenced pattern and hands it to
// the workers. An unscoped ref is resolved to the pattern's service first.
func (r *Runner) Submit(ctx context.Context, ref pattern.Ref, req engine.Request) (history.Execution, error) {
	p, err := r.catalog.Get(ctx, ref)
	if err != nil {
		return history.Execution{}, err
	}
	created, err := r.history.Create(ctx, history.CreateInput{Ref: p.Ref(), Parameters: req.Parameters})
	if err != nil {
		return history.Execution{}, fmt.Errorf("record execution: %w", err)
	}

	select {
	case r.queue <- job{id: created.ID, req: req}:
		r.cfg.Metrics.SetQueueDepth(len(r.queue))
		return created, nil
	default:
		failed, _ := r.history.Finish(context.WithoutCancel(ctx), history.FinishInput{
			ID:     created.ID,
			Status: history.StatusFailed,
			Error:  ErrQueueFull.Error(),
		})
		return failed, ErrQueueFull
	}
}

// ExecutePattern runs the referenced pattern on the caller's goroutine and
// returns the finished execution record.
func (r *Runner) ExecutePattern(ctx context.Context, ref pattern.Ref, req engine.Request) (history.Execution, error) {
	p, err := r.catalog.Get(ctx, ref)
	if err != nil {
		return history.Execution{}, err
	}
	created, err := r.history.Create(ctx, history.CreateInput{Ref: p.Ref(), Parameters: req.Parameters})
	if err != nil {
		return history.Execution{}, fmt.Errorf("record execution: %w", err)
	}
	return r.process(ctx, created.ID, req)
}

// Cancel stops a running execution or marks a queued one canceled.
func (r *Runner) Cancel(ctx context.Context, id string) (history.Execution, error) {
	r.mu.Lock()
	cancel, running := r.running[id]
	r.mu.Unlock()
	if running {
		cancel()
		return r.history.Get(ctx, id)
	}

	found, err := r.history.Get(ctx, id)
	if err != nil {
		return history.Execution{}, err
	}
	if found.Status != history.StatusQueued {
		return found, history.ErrAlreadyFinished
	}
	return r.history.Finish(ctx, history.FinishInput{
		ID:     id,
		Status: history.StatusCanceled,
		Error:  engine.ErrCanceled.Error(),
	})
}

func (r *Runner) worker(ctx context.Context, workerID int) {
	r.logger.Debug("runner worker started", zap.Int("worker", workerID))
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("runner worker stopping", zap.Int("worker", workerID))
			return
		case next := <-r.queue:
			r.cfg.Metrics.SetQueueDepth(len(r.queue))
			if _, err := r.process(ctx, next.id, next.req); err != nil && !errors.Is(err, history.ErrNotQueued) {
				r.logger.Warn("execution not processed", zap.String("execution", next.id), zap.Error(err))
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, id string, req engine.Request) (history.Execution, error) {
	started, err := r.history.Start(ctx, id, time.Now().UTC())
	if err != nil {
		return history.Execution{}, err
	}
	logger := r.logger.With(
		zap.String("execution", id),
		zap.String("service", started.Service),
		zap.String("pattern", started.PatternID),
	)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecutionTimeout)
	defer cancel()
	r.track(id, cancel)
	defer r.untrack(id)

	p, err := r.catalog.Get(runCtx, started.Ref())
	if err != nil {
		return r.fail(ctx, id, fmt.Errorf("load pattern: %w", err))
	}

	lease, err := r.pages.Acquire(runCtx)
	if err != nil {
		if errors.Is(runCtx.Err(), context.Canceled) {
			return r.finish(ctx, logger, p, id, canceledResult(err), false)
		}
		return r.fail(ctx, id, fmt.Errorf("acquire browser page: %w", err))
	}

	result := r.executor.Execute(runCtx, lease.Page, p, req)
	r.pages.Release(lease, !result.Canceled())
	return r.finish(ctx, logger, p, id, result, true)
}

func (r *Runner) finish(ctx context.Context, logger *zap.Logger, p pattern.Pattern, id string, result engine.Result, ran bool) (history.Execution, error) {
	status := history.StatusSucceeded
	switch {
	case result.Canceled():
		status = history.StatusCanceled
	case !result.Success:
		status = history.StatusFailed
	}

	// Statistics reflect completed attempts only.
	if ran && status != history.StatusCanceled {
		if err := r.catalog.RecordUsage(context.WithoutCancel(ctx), p.Ref(), result.Success, result.Duration); err != nil {
			logger.Warn("record usage failed", zap.Error(err))
		}
	}
	r.cfg.Metrics.ObserveExecution(p.Service, p.ID, result.Success, result.Duration)

	urls := r.saveScreenshots(context.WithoutCancel(ctx), logger, id, &result)
	finished, err := r.history.Finish(context.WithoutCancel(ctx), history.FinishInput{
		ID:        id,
		Status:    status,
		Result:    &result,
		Artifacts: urls,
		Error:     result.Error,
		Completed: time.Now().UTC(),
	})
	if err != nil {
		return history.Execution{}, fmt.Errorf("finish execution: %w", err)
	}
	logger.Info("execution finished", zap.String("status", string(status)), zap.Duration("duration", result.Duration))
	return finished, nil
}

// saveScreenshots moves inline screenshots to the artifact store and swaps
// them for URLs in result. Screenshots that fail to save stay inline.
func (r *Runner) saveScreenshots(ctx context.Context, logger *zap.Logger, id string, result *engine.Result) []string {
	if r.artifacts == nil || len(result.Screenshots) == 0 {
		return nil
	}
	saved := make(map[string]string, len(result.Screenshots))
	urls := make([]string, 0, len(result.Screenshots))
	for i, shot := range result.Screenshots {
		if strings.TrimSpace(shot) == "" {
			continue
		}
		url, err := r.artifacts.SaveScreenshot(ctx, id, i, shot)
		if err != nil {
			logger.Warn("artifact save failed, keeping inline screenshot", zap.Error(err))
			continue
		}
		saved[shot] = url
		urls = append(urls, url)
		result.Screenshots[i] = url
	}
	for i := range result.Steps {
		if url, ok := saved[result.Steps[i].Screenshot]; ok {
			result.Steps[i].Screenshot = url
		}
	}
	return urls
}

func (r *Runner) fail(ctx context.Context, id string, err error) (history.Execution, error) {
	r.logger.Warn("execution failed before running", zap.String("execution", id), zap.Error(err))
	return r.history.Finish(context.WithoutCancel(ctx), history.FinishInput{
		ID:        id,
		Status:    history.StatusFailed,
		Error:     err.Error(),
		Completed: time.Now().UTC(),
	})
}

func canceledResult(cause error) engine.Result {
	err := fmt.Errorf("%w: %w", engine.ErrCanceled, cause)
	return engine.Result{Err: err, Error: err.Error(), Steps: []engine.ExecutedStep{}, Logs: []string{}}
}

func (r *Runner) track(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.running[id] = cancel
	r.mu.Unlock()
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}
