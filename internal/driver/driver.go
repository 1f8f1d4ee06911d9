// Package driver describes the browser capability set the engine, the resolver
// and discovery depend on. Implementations live in internal/cdp,
// internal/driver/chromedpdriver and internal/driver/htmlpage.
package driver

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrElementNotFound = errors.New("element not found")
	ErrUnsupported     = errors.New("operation not supported by driver")
)

// Box is an element's bounding rectangle in CSS pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementSnapshot is a detached copy of a DOM node's observable state.
type ElementSnapshot struct {
	Path       string            `json:"path"`
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes"`
	Text       string            `json:"text"`
	Box        Box               `json:"box"`
	Visible    bool              `json:"visible"`
	Enabled    bool              `json:"enabled"`
}

// Page is one live browsing context. Selectors are CSS, optionally suffixed
// with :has-text("...") to filter by text content. Timeouts come from ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	TextContent(ctx context.Context, selector string) (string, error)

	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	Type(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, option string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	Hover(ctx context.Context, selector string) error
	Press(ctx context.Context, key string) error
	// ScrollIntoView scrolls to the element, or to the page bottom when selector is empty.
	ScrollIntoView(ctx context.Context, selector string) error

	WaitForSelector(ctx context.Context, selector string) error
	WaitForLoadState(ctx context.Context) error

	IsVisible(ctx context.Context, selector string) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	Elements(ctx context.Context, selector string) ([]ElementSnapshot, error)

	Screenshot(ctx context.Context) ([]byte, error)
	Evaluate(ctx context.Context, script string) (any, error)
}

// NotFound reports a selector that matched no usable element.
func NotFound(selector string) error {
	return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
}
