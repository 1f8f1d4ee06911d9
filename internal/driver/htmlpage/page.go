// Package htmlpage implements driver.Page over a parsed HTML document. It has no
// script engine or layout, so it serves offline discovery, selector analysis and
// dry runs of patterns against saved pages.
package htmlpage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/taku10101/playwright-secretary/internal/driver"
)

var (
	hasTextDouble = regexp.MustCompile(`^(.*?):has-text\("((?:[^"\\]|\\.)*)"\)$`)
	hasTextSingle = regexp.MustCompile(`^(.*?):has-text\('((?:[^'\\]|\\.)*)'\)$`)
	unescapeText  = regexp.MustCompile(`\\(.)`)
	hiddenStyle   = regexp.MustCompile(`(?i)(display\s*:\s*none|visibility\s*:\s*hidden)`)
)

type Page struct {
	mu     sync.Mutex
	client *http.Client
	doc    *goquery.Document
	url    string
}

var _ driver.Page = (*Page)(nil)

// New returns an empty page; client is used by Navigate for http(s) URLs.
func New(client *http.Client) *Page {
	if client == nil {
		client = http.DefaultClient
	}
	return &Page{client: client}
}

// Load replaces the current document with HTML read from r.
func (p *Page) Load(r io.Reader, pageURL string) error {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	p.mu.Lock()
	p.doc = doc
	p.url = pageURL
	p.mu.Unlock()
	return nil
}

// FromString is a convenience for tests and fixtures.
func FromString(markup, pageURL string) (*Page, error) {
	p := New(nil)
	if err := p.Load(strings.NewReader(markup), pageURL); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Page) Navigate(ctx context.Context, target string) error {
	target = p.resolve(target)
	parsed, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", target, err)
	}

	switch parsed.Scheme {
	case "file":
		f, err := os.Open(parsed.Path)
		if err != nil {
			return fmt.Errorf("open %s: %w", parsed.Path, err)
		}
		defer f.Close()
		return p.Load(f, target)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", target, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
		}
		return p.Load(resp.Body, resp.Request.URL.String())
	default:
		return fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
}

func (p *Page) resolve(target string) string {
	p.mu.Lock()
	base := p.url
	p.mu.Unlock()
	if base == "" {
		return target
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return baseURL.ResolveReference(ref).String()
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Title(context.Context) (string, error) {
	doc, err := p.document()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find("title").First().Text()), nil
}

func (p *Page) TextContent(_ context.Context, selector string) (string, error) {
	sel, err := p.first(selector)
	if err != nil {
		return "", err
	}
	return sel.Text(), nil
}

// Click follows links; other elements only need to exist.
func (p *Page) Click(ctx context.Context, selector string) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	if goquery.NodeName(sel) == "a" {
		if href, ok := sel.Attr("href"); ok && href != "" && !strings.HasPrefix(href, "#") && !strings.HasPrefix(href, "javascript:") {
			return p.Navigate(ctx, href)
		}
	}
	return nil
}

func (p *Page) Fill(_ context.Context, selector, text string) error {
	return p.mutate(selector, func(sel *goquery.Selection) error {
		return setValue(sel, text)
	})
}

func (p *Page) Type(_ context.Context, selector, text string) error {
	return p.mutate(selector, func(sel *goquery.Selection) error {
		current, _ := currentValue(sel)
		return setValue(sel, current+text)
	})
}

func (p *Page) SelectOption(_ context.Context, selector, option string) error {
	return p.mutate(selector, func(sel *goquery.Selection) error {
		if goquery.NodeName(sel) != "select" {
			return errors.New("element is not a select")
		}
		var match *goquery.Selection
		sel.Find("option").EachWithBreak(func(_ int, opt *goquery.Selection) bool {
			val, ok := opt.Attr("value")
			if !ok {
				val = strings.TrimSpace(opt.Text())
			}
			label, _ := opt.Attr("label")
			if val == option || label == option || strings.TrimSpace(opt.Text()) == option {
				match = opt
				return false
			}
			return true
		})
		if match == nil {
			return fmt.Errorf("option %s not found", option)
		}
		sel.Find("option").RemoveAttr("selected")
		match.SetAttr("selected", "selected")
		return nil
	})
}

func (p *Page) SetChecked(_ context.Context, selector string, checked bool) error {
	return p.mutate(selector, func(sel *goquery.Selection) error {
		if goquery.NodeName(sel) != "input" {
			return errors.New("element is not checkable")
		}
		if checked {
			sel.SetAttr("checked", "checked")
		} else {
			sel.RemoveAttr("checked")
		}
		return nil
	})
}

func (p *Page) Hover(_ context.Context, selector string) error {
	_, err := p.first(selector)
	return err
}

func (p *Page) Press(context.Context, string) error { return nil }

func (p *Page) ScrollIntoView(_ context.Context, selector string) error {
	if strings.TrimSpace(selector) == "" {
		return nil
	}
	_, err := p.first(selector)
	return err
}

// WaitForSelector never blocks: a static document cannot change on its own.
func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	visible, err := p.IsVisible(ctx, selector)
	if err != nil {
		return err
	}
	if !visible {
		return driver.NotFound(selector)
	}
	return nil
}

func (p *Page) WaitForLoadState(context.Context) error {
	_, err := p.document()
	return err
}

func (p *Page) IsVisible(_ context.Context, selector string) (bool, error) {
	sel, err := p.query(selector)
	if err != nil {
		return false, err
	}
	visible := false
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		visible = isVisible(s)
		return !visible
	})
	return visible, nil
}

func (p *Page) Count(_ context.Context, selector string) (int, error) {
	sel, err := p.query(selector)
	if err != nil {
		return 0, err
	}
	return sel.Length(), nil
}

func (p *Page) Attribute(_ context.Context, selector, name string) (string, bool, error) {
	sel, err := p.first(selector)
	if err != nil {
		return "", false, err
	}
	val, ok := sel.Attr(name)
	return val, ok, nil
}

func (p *Page) Elements(_ context.Context, selector string) ([]driver.ElementSnapshot, error) {
	sel, err := p.query(selector)
	if err != nil {
		return nil, err
	}
	out := make([]driver.ElementSnapshot, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		attrs := make(map[string]string)
		if node := s.Get(0); node != nil {
			for _, attr := range node.Attr {
				attrs[attr.Key] = attr.Val
			}
		}
		_, disabled := s.Attr("disabled")
		text := strings.Join(strings.Fields(s.Text()), " ")
		if len(text) > 200 {
			text = text[:200]
		}
		out = append(out, driver.ElementSnapshot{
			Path:       pathOf(s),
			Tag:        goquery.NodeName(s),
			Attributes: attrs,
			Text:       text,
			Visible:    isVisible(s),
			Enabled:    !disabled && attrs["aria-disabled"] != "true",
		})
	})
	return out, nil
}

func (p *Page) Screenshot(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("screenshot: %w", driver.ErrUnsupported)
}

func (p *Page) Evaluate(context.Context, string) (any, error) {
	return nil, fmt.Errorf("evaluate: %w", driver.ErrUnsupported)
}

// HTML renders the current, possibly mutated, document.
func (p *Page) HTML() (string, error) {
	doc, err := p.document()
	if err != nil {
		return "", err
	}
	return doc.Html()
}

func (p *Page) document() (*goquery.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil, errors.New("no document loaded")
	}
	return p.doc, nil
}

func (p *Page) query(selector string) (*goquery.Selection, error) {
	doc, err := p.document()
	if err != nil {
		return nil, err
	}
	base, needle, hasText := splitHasText(strings.TrimSpace(selector))
	if base == "" {
		base = "*"
	}
	sel, err := safeFind(doc, base)
	if err != nil {
		return nil, err
	}
	if !hasText {
		return sel, nil
	}
	needle = strings.ToLower(needle)
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(strings.ToLower(s.Text()), needle)
	}), nil
}

func (p *Page) first(selector string) (*goquery.Selection, error) {
	sel, err := p.query(selector)
	if err != nil {
		return nil, err
	}
	if sel.Length() == 0 {
		return nil, driver.NotFound(selector)
	}
	visible := sel.FilterFunction(func(_ int, s *goquery.Selection) bool { return isVisible(s) })
	if visible.Length() > 0 {
		return visible.First(), nil
	}
	return sel.First(), nil
}

func (p *Page) mutate(selector string, fn func(*goquery.Selection) error) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := fn(sel); err != nil {
		return fmt.Errorf("operation on %q failed: %w", selector, err)
	}
	return nil
}

// safeFind turns cascadia's panic on malformed selectors into an error.
func safeFind(doc *goquery.Document, selector string) (sel *goquery.Selection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid selector %q: %v", selector, r)
		}
	}()
	return doc.Find(selector), nil
}

func splitHasText(selector string) (base, needle string, ok bool) {
	for _, re := range []*regexp.Regexp{hasTextDouble, hasTextSingle} {
		if m := re.FindStringSubmatch(selector); m != nil {
			return strings.TrimSpace(m[1]), unescapeText.ReplaceAllString(m[2], "$1"), true
		}
	}
	return selector, "", false
}

func isVisible(s *goquery.Selection) bool {
	if goquery.NodeName(s) == "input" {
		if typ, _ := s.Attr("type"); strings.EqualFold(typ, "hidden") {
			return false
		}
	}
	for node := s; node.Length() > 0; node = node.Parent() {
		if _, hidden := node.Attr("hidden"); hidden {
			return false
		}
		if style, ok := node.Attr("style"); ok && hiddenStyle.MatchString(style) {
			return false
		}
		if strings.HasPrefix(goquery.NodeName(node.Parent()), "#") {
			break
		}
	}
	return true
}

func currentValue(sel *goquery.Selection) (string, bool) {
	if goquery.NodeName(sel) == "textarea" {
		return sel.Text(), true
	}
	return sel.Attr("value")
}

func setValue(sel *goquery.Selection, text string) error {
	switch goquery.NodeName(sel) {
	case "textarea":
		sel.SetText(text)
	case "input", "select":
		sel.SetAttr("value", text)
	default:
		if _, ok := sel.Attr("contenteditable"); !ok {
			return errors.New("element is not fillable")
		}
		sel.SetText(text)
	}
	return nil
}

func pathOf(s *goquery.Selection) string {
	var parts []string
	for node := s; node.Length() > 0; node = node.Parent() {
		name := goquery.NodeName(node)
		if name == "html" || strings.HasPrefix(name, "#") {
			break
		}
		parts = append([]string{name + ":nth-child(" + strconv.Itoa(node.Index()+1) + ")"}, parts...)
	}
	return strings.Join(parts, " > ")
}
