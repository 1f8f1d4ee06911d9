// Package discovery inventories the interactive elements of a live page and
// attaches a resolved selector to each of them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/driver"
	"github.com/taku10101/playwright-secretary/internal/selector"
)

type ElementType string

const (
	TypeButton   ElementType = "button"
	TypeLink     ElementType = "link"
	TypeInput    ElementType = "input"
	TypeSelect   ElementType = "select"
	TypeTextarea ElementType = "textarea"
	TypeCheckbox ElementType = "checkbox"
	TypeRadio    ElementType = "radio"
	TypeSubmit   ElementType = "submit"
	TypeCustom   ElementType = "custom"
)

// CategorySelectors are scanned in this order; earlier categories win when a
// node matches several.
var CategorySelectors = []string{
	"button",
	"a[href]",
	"input",
	"select",
	"textarea",
	`[role="button"]`,
	`[role="link"]`,
	`[role="textbox"]`,
	`[role="checkbox"]`,
	`[role="radio"]`,
	"[onclick]",
	`[type="submit"]`,
}

var extractedAttributes = []string{
	"id", "name", "class", "type", "role",
	"aria-label", "aria-labelledby", "aria-describedby",
	"placeholder", "title", "href", "data-testid",
	"disabled", "readonly", "required",
}

type Options struct {
	IncludeHidden   bool `json:"include_hidden"`
	IncludeDisabled bool `json:"include_disabled"`
	MaxElements     int  `json:"max_elements"`
}

func DefaultOptions() Options {
	return Options{IncludeHidden: false, IncludeDisabled: true, MaxElements: 100}
}

type Element struct {
	ID          string            `json:"id"`
	Type        ElementType       `json:"type"`
	Selector    selector.Info     `json:"selector"`
	Text        string            `json:"text"`
	Attributes  map[string]string `json:"attributes"`
	Position    driver.Box        `json:"position"`
	Visible     bool              `json:"visible"`
	Enabled     bool              `json:"enabled"`
	Role        string            `json:"role,omitempty"`
	Label       string            `json:"label,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
}

// Page is the subset of driver.Page discovery needs.
type Page interface {
	selector.Counter
	Elements(ctx context.Context, selector string) ([]driver.ElementSnapshot, error)
}

type Discoverer struct {
	resolver *selector.Resolver
	logger   *zap.Logger
}

func New(resolver *selector.Resolver, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = selector.NewResolver(logger)
	}
	return &Discoverer{resolver: resolver, logger: logger}
}

// Discover returns at most opts.MaxElements distinct interactive elements.
// Failures on individual nodes or categories are logged and skipped.
func (d *Discoverer) Discover(ctx context.Context, page Page, opts Options) ([]Element, error) {
	if opts.MaxElements <= 0 {
		opts.MaxElements = DefaultOptions().MaxElements
	}

	elements := make([]Element, 0, opts.MaxElements)
	seen := make(map[string]struct{})
	failedCategories := 0
	var lastErr error

	for _, category := range CategorySelectors {
		if len(elements) >= opts.MaxElements {
			break
		}
		if err := ctx.Err(); err != nil {
			return elements, err
		}

		snapshots, err := page.Elements(ctx, category)
		if err != nil {
			failedCategories++
			lastErr = err
			d.logger.Debug("element category query failed", zap.String("category", category), zap.Error(err))
			continue
		}

		for _, snap := range snapshots {
			if len(elements) >= opts.MaxElements {
				break
			}
			if snap.Path != "" {
				if _, dup := seen[snap.Path]; dup {
					continue
				}
			}
			if !snap.Visible && !opts.IncludeHidden {
				continue
			}
			if !snap.Enabled && !opts.IncludeDisabled {
				continue
			}

			element, err := d.describe(ctx, page, snap)
			if err != nil {
				d.logger.Debug("skipping element", zap.String("category", category), zap.String("path", snap.Path), zap.Error(err))
				continue
			}
			if snap.Path != "" {
				seen[snap.Path] = struct{}{}
			}
			elements = append(elements, element)
		}
	}

	if failedCategories == len(CategorySelectors) {
		return nil, fmt.Errorf("discover elements: %w", lastErr)
	}
	return elements, nil
}

func (d *Discoverer) describe(ctx context.Context, page Page, snap driver.ElementSnapshot) (Element, error) {
	if strings.TrimSpace(snap.Tag) == "" {
		return Element{}, errors.New("element has no tag")
	}
	info, err := d.resolver.Resolve(ctx, page, selector.FromSnapshot(snap))
	if err != nil {
		return Element{}, err
	}

	attrs := make(map[string]string)
	for _, name := range extractedAttributes {
		if v, ok := snap.Attributes[name]; ok {
			attrs[name] = v
		}
	}

	return Element{
		ID:          ElementID(info.Primary),
		Type:        TypeOf(snap),
		Selector:    info,
		Text:        strings.TrimSpace(snap.Text),
		Attributes:  attrs,
		Position:    snap.Box,
		Visible:     snap.Visible,
		Enabled:     snap.Enabled,
		Role:        snap.Attributes["role"],
		Label:       firstNonEmpty(snap.Attributes["aria-label"], snap.Attributes["aria-labelledby"], snap.Attributes["title"]),
		Placeholder: snap.Attributes["placeholder"],
	}, nil
}

// TypeOf classifies a node by tag, role and input type.
func TypeOf(snap driver.ElementSnapshot) ElementType {
	tag := strings.ToLower(snap.Tag)
	role := snap.Attributes["role"]
	switch {
	case tag == "button" || role == "button":
		return TypeButton
	case tag == "a" || role == "link":
		return TypeLink
	case tag == "input":
		switch strings.ToLower(snap.Attributes["type"]) {
		case "checkbox":
			return TypeCheckbox
		case "radio":
			return TypeRadio
		case "submit":
			return TypeSubmit
		}
		return TypeInput
	case tag == "select":
		return TypeSelect
	case tag == "textarea" || role == "textbox":
		return TypeTextarea
	}
	return TypeCustom
}

// ElementID derives a deterministic id from the primary selector.
func ElementID(primary string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(primary))
	return fmt.Sprintf("el_%08x", hasher.Sum32())
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// PageStructure is a point-in-time inventory of a page.
type PageStructure struct {
	URL        string        `json:"url"`
	Title      string        `json:"title"`
	Elements   []Element     `json:"elements"`
	AnalyzedAt time.Time     `json:"analyzed_at"`
	Duration   time.Duration `json:"duration"`
}

func (d *Discoverer) Analyze(ctx context.Context, page driver.Page, opts Options) (PageStructure, error) {
	started := time.Now()
	url, err := page.URL(ctx)
	if err != nil {
		return PageStructure{}, fmt.Errorf("read page url: %w", err)
	}
	title, err := page.Title(ctx)
	if err != nil {
		return PageStructure{}, fmt.Errorf("read page title: %w", err)
	}
	elements, err := d.Discover(ctx, page, opts)
	if err != nil {
		return PageStructure{}, err
	}
	return PageStructure{
		URL:        url,
		Title:      title,
		Elements:   elements,
		AnalyzedAt: started.UTC(),
		Duration:   time.Since(started),
	}, nil
}

// FindByText returns elements whose text or label contains text, case-insensitively.
func FindByText(elements []Element, text string) []Element {
	needle := strings.ToLower(strings.TrimSpace(text))
	var out []Element
	for _, el := range elements {
		if strings.Contains(strings.ToLower(el.Text), needle) || strings.Contains(strings.ToLower(el.Label), needle) {
			out = append(out, el)
		}
	}
	return out
}

// FindByRole matches the explicit role attribute first and falls back to the
// element type, so "button" also finds plain <button> nodes.
func FindByRole(elements []Element, role string) []Element {
	var out []Element
	for _, el := range elements {
		if strings.EqualFold(el.Role, role) || (el.Role == "" && strings.EqualFold(string(el.Type), role)) {
			out = append(out, el)
		}
	}
	return out
}

func FindByType(elements []Element, typ ElementType) []Element {
	var out []Element
	for _, el := range elements {
		if el.Type == typ {
			out = append(out, el)
		}
	}
	return out
}
