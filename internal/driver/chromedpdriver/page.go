// Package chromedpdriver launches a local Chrome with chromedp and exposes each
// tab as a driver.Page.
package chromedpdriver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/driver"
)

type Options struct {
	Headless     bool
	ExecPath     string
	WindowWidth  int
	WindowHeight int
	UserAgent    string
}

// Browser owns one Chrome process. Tabs opened from it are independent pages.
type Browser struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
}

func Launch(ctx context.Context, opts Options, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WindowWidth <= 0 || opts.WindowHeight <= 0 {
		opts.WindowWidth, opts.WindowHeight = 1280, 720
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	logger.Info("chrome started", zap.Bool("headless", opts.Headless))

	return &Browser{
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
		browserCtx:  browserCtx,
		cancel:      cancel,
		logger:      logger,
	}, nil
}

// NewPage opens a fresh tab. Close the page to release the tab.
func (b *Browser) NewPage() (*Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Page{tabCtx: tabCtx, cancel: cancel}, nil
}

func (b *Browser) Close() error {
	b.cancel()
	b.cancelAlloc()
	return nil
}

type Page struct {
	mu     sync.Mutex
	tabCtx context.Context
	cancel context.CancelFunc
}

var _ driver.Page = (*Page)(nil)

func (p *Page) Close() error {
	p.cancel()
	return nil
}

// run executes actions on the tab while honouring the caller's deadline.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	runCtx := p.tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (p *Page) evalInto(ctx context.Context, script string, out any) error {
	var raw string
	if err := p.run(ctx, chromedp.Evaluate(script, &raw, awaitPromise)); err != nil {
		return err
	}
	return driver.Decode(raw, out)
}

func (p *Page) exec(ctx context.Context, selector, script string) (driver.Result, error) {
	var result driver.Result
	if err := p.evalInto(ctx, script, &result); err != nil {
		return driver.Result{}, err
	}
	return result, result.Err(selector)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var location string
	err := p.run(ctx, chromedp.Location(&location))
	return location, err
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *Page) TextContent(ctx context.Context, selector string) (string, error) {
	result, err := p.exec(ctx, selector, driver.TextScript(selector))
	return result.Text, err
}

func (p *Page) Click(ctx context.Context, selector string) error {
	_, err := p.exec(ctx, selector, driver.ClickScript(selector))
	return err
}

func (p *Page) Fill(ctx context.Context, selector, text string) error {
	_, err := p.exec(ctx, selector, driver.FillScript(selector, text))
	return err
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	if _, err := p.exec(ctx, selector, driver.FocusScript(selector)); err != nil {
		return err
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, r := range text {
			if err := input.InsertText(string(r)).Do(ctx); err != nil {
				return fmt.Errorf("type into %s: %w", selector, err)
			}
		}
		return nil
	}))
}

func (p *Page) SelectOption(ctx context.Context, selector, option string) error {
	_, err := p.exec(ctx, selector, driver.SelectScript(selector, option))
	return err
}

func (p *Page) SetChecked(ctx context.Context, selector string, checked bool) error {
	_, err := p.exec(ctx, selector, driver.CheckScript(selector, checked))
	return err
}

func (p *Page) Hover(ctx context.Context, selector string) error {
	result, err := p.exec(ctx, selector, driver.HoverScript(selector))
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, result.X, result.Y).Do(ctx)
	}))
}

func (p *Page) Press(ctx context.Context, name string) error {
	key, ok := driver.LookupKey(name)
	if !ok {
		return fmt.Errorf("unknown key %q", name)
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		down := input.DispatchKeyEvent(input.KeyDown).
			WithKey(key.Key).
			WithCode(key.Code).
			WithWindowsVirtualKeyCode(int64(key.KeyCode)).
			WithNativeVirtualKeyCode(int64(key.KeyCode))
		if err := down.Do(ctx); err != nil {
			return err
		}
		if key.Text != "" {
			char := input.DispatchKeyEvent(input.KeyChar).
				WithKey(key.Key).
				WithText(key.Text).
				WithUnmodifiedText(key.Text)
			if err := char.Do(ctx); err != nil {
				return err
			}
		}
		return input.DispatchKeyEvent(input.KeyUp).
			WithKey(key.Key).
			WithCode(key.Code).
			WithWindowsVirtualKeyCode(int64(key.KeyCode)).
			WithNativeVirtualKeyCode(int64(key.KeyCode)).
			Do(ctx)
	}))
}

func (p *Page) ScrollIntoView(ctx context.Context, selector string) error {
	_, err := p.exec(ctx, selector, driver.ScrollScript(selector))
	return err
}

func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	selector = strings.TrimSpace(selector)
	for {
		visible, err := p.IsVisible(ctx, selector)
		if err == nil && visible {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for selector %q", selector)
		case <-time.After(150 * time.Millisecond):
		}
	}
}

func (p *Page) WaitForLoadState(ctx context.Context) error {
	return p.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	err := p.evalInto(ctx, driver.VisibleScript(selector), &visible)
	return visible, err
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	var count int
	err := p.evalInto(ctx, driver.CountScript(selector), &count)
	return count, err
}

func (p *Page) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	result, err := p.exec(ctx, selector, driver.AttributeScript(selector, name))
	return result.Text, result.Has, err
}

func (p *Page) Elements(ctx context.Context, selector string) ([]driver.ElementSnapshot, error) {
	var snapshots []driver.ElementSnapshot
	err := p.evalInto(ctx, driver.ElementsScript(selector), &snapshots)
	return snapshots, err
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(80).
			Do(ctx)
		buf = data
		return err
	}))
	return buf, err
}

func (p *Page) Evaluate(ctx context.Context, script string) (any, error) {
	var out any
	err := p.evalInto(ctx, driver.UserScript(script), &out)
	return out, err
}
