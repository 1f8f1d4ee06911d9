// Package app assembles the pattern library, execution engine and their
// backing stores from configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/artifact"
	"github.com/taku10101/playwright-secretary/internal/cdp"
	"github.com/taku10101/playwright-secretary/internal/config"
	"github.com/taku10101/playwright-secretary/internal/discovery"
	"github.com/taku10101/playwright-secretary/internal/driver"
	"github.com/taku10101/playwright-secretary/internal/driver/chromedpdriver"
	"github.com/taku10101/playwright-secretary/internal/driver/htmlpage"
	"github.com/taku10101/playwright-secretary/internal/engine"
	"github.com/taku10101/playwright-secretary/internal/history"
	"github.com/taku10101/playwright-secretary/internal/idempotency"
	"github.com/taku10101/playwright-secretary/internal/lease"
	"github.com/taku10101/playwright-secretary/internal/library"
	"github.com/taku10101/playwright-secretary/internal/matcher"
	"github.com/taku10101/playwright-secretary/internal/metrics"
	"github.com/taku10101/playwright-secretary/internal/pool"
	"github.com/taku10101/playwright-secretary/internal/runner"
	"github.com/taku10101/playwright-secretary/internal/selector"
	"github.com/taku10101/playwright-secretary/internal/store"
)

type App struct {
	Config      config.Config
	Logger      *zap.Logger
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Library     *library.Library
	Matcher     *matcher.Matcher
	Discoverer  *discovery.Discoverer
	Engine      *engine.Engine
	Pages       *pool.Pool
	History     history.Store
	Artifacts   *artifact.LocalStore
	Runner      *runner.Runner
	Idempotency *idempotency.Guard

	closers []io.Closer
}

// Options narrows what Build wires. The CLI skips the browser for commands
// that only touch the library.
type Options struct {
	WithBrowser bool
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.MustNew(a.Registry)

	leases, idemStore, err := a.coordination(ctx)
	if err != nil {
		return nil, err
	}

	patterns, err := a.patternStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Library, err = library.New(patterns, leases, library.Config{
		CacheSize: cfg.CacheSize,
		LeaseTTL:  cfg.LeaseTTL,
		Metrics:   a.Metrics,
	}, logger.Named("library"))
	if err != nil {
		return nil, err
	}
	a.Matcher = matcher.New(a.Library, logger.Named("matcher"))
	a.Discoverer = discovery.New(selector.NewResolver(logger.Named("selector")), logger.Named("discovery"))

	a.History, err = a.historyStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Artifacts, err = artifact.NewLocalStore(cfg.ArtifactDir, cfg.ArtifactBaseURL)
	if err != nil {
		return nil, err
	}
	a.Idempotency = idempotency.NewGuard(idemStore, leases, idempotency.Config{ClaimTTL: cfg.IdempotencyClaimTTL})

	a.Engine = engine.New(engine.Config{
		DefaultTimeout: cfg.DefaultTimeout,
		Screenshots:    cfg.Screenshots,
		Retries:        cfg.StepRetries,
		RetryDelay:     cfg.RetryDelay,
		DetectBlockers: cfg.DetectBlockers,
		Metrics:        a.Metrics,
	}, logger.Named("engine"))

	driverName := cfg.Driver
	if !opts.WithBrowser {
		driverName = "html"
	}
	opener, size, err := a.opener(ctx, driverName)
	if err != nil {
		return nil, err
	}
	a.Pages = pool.New(opener, pool.Config{
		Size:        size,
		MaxUses:     cfg.PoolMaxUses,
		MaxAge:      cfg.PoolMaxAge,
		WaitTimeout: cfg.PoolWaitTimeout,
	}, logger.Named("pool"))
	a.closers = append(a.closers, closerFunc(a.Pages.Close))

	a.Runner = runner.New(a.Library, a.Engine, a.Pages, a.History, a.Artifacts, runner.Config{
		QueueSize:        cfg.QueueSize,
		Workers:          cfg.Workers,
		ExecutionTimeout: cfg.ExecutionTimeout,
		Metrics:          a.Metrics,
	}, logger.Named("runner"))
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) coordination(ctx context.Context) (lease.Manager, idempotency.Store, error) {
	cfg := a.Config
	if cfg.RedisAddr == "" {
		return lease.NewInMemoryManager(), idempotency.NewMemory(0, cfg.IdempotencyTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, client)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	a.Logger.Info("using redis coordination", zap.String("addr", cfg.RedisAddr))
	return lease.NewRedisManager(client, "secretary:lease"), idempotency.NewRedis(client, "", cfg.IdempotencyTTL), nil
}

func (a *App) patternStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config
	var (
		st  store.Store
		err error
	)
	switch cfg.Store {
	case "memory":
		st = store.NewMemory()
	case "sqlite":
		st, err = store.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.PostgresDSN)
	default:
		st, err = store.NewFile(cfg.StoreDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s pattern store: %w", cfg.Store, err)
	}
	a.closers = append(a.closers, st)
	a.Logger.Info("pattern store ready", zap.String("store", cfg.Store))
	return st, nil
}

func (a *App) historyStore(ctx context.Context) (history.Store, error) {
	if a.Config.History != "postgres" {
		return history.NewInMemory(), nil
	}
	pg, err := history.NewPostgres(ctx, a.Config.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open execution history: %w", err)
	}
	a.closers = append(a.closers, closerFunc(func() error {
		pg.Close()
		return nil
	}))
	return pg, nil
}

// opener returns the page factory for driverName and the pool size it
// supports. A cdp attachment drives one existing tab, so it is never pooled
// beyond one page.
func (a *App) opener(ctx context.Context, driverName string) (pool.Opener, int, error) {
	cfg := a.Config
	switch driverName {
	case "chromedp":
		browser, err := chromedpdriver.Launch(ctx, chromedpdriver.Options{
			Headless: cfg.Headless,
			ExecPath: cfg.ChromePath,
		}, a.Logger.Named("chrome"))
		if err != nil {
			return nil, 0, err
		}
		a.closers = append(a.closers, browser)
		return pool.OpenerFunc(func(context.Context) (driver.Page, error) {
			return browser.NewPage()
		}), cfg.PoolSize, nil
	case "cdp":
		if cfg.PoolSize > 1 {
			a.Logger.Warn("cdp driver attaches to a single tab, limiting pool to one page", zap.Int("configured", cfg.PoolSize))
		}
		return pool.OpenerFunc(func(ctx context.Context) (driver.Page, error) {
			return cdp.DialWithRetry(ctx, cfg.CDPURL, 3, time.Second)
		}), 1, nil
	default:
		return pool.OpenerFunc(func(context.Context) (driver.Page, error) {
			return htmlpage.New(nil), nil
		}), cfg.PoolSize, nil
	}
}
