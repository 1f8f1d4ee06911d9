// Package cdp drives an already running Chrome over the DevTools protocol.
package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/taku10101/playwright-secretary/internal/driver"
)

type Client struct {
	conn      *websocket.Conn
	idCounter int64
	mu        sync.Mutex
	enabled   map[string]bool
}

var _ driver.Page = (*Client)(nil)

type targetResponse struct {
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type envelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	DefaultBaseURL     = "http://127.0.0.1:9222"
	defaultCallTimeout = 20 * time.Second
	pollInterval       = 150 * time.Millisecond
)

// Dial attaches to the first page target exposed at baseURL.
func Dial(ctx context.Context, baseURL string) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	trimmed = strings.TrimSuffix(trimmed, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trimmed+"/json/list", nil)
	if err != nil {
		return nil, fmt.Errorf("build target request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query cdp target endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp target endpoint returned status %d", resp.StatusCode)
	}

	var targets []targetResponse
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decode cdp target response: %w", err)
	}

	var pageSocketURL string
	for _, target := range targets {
		if target.Type == "page" && strings.TrimSpace(target.WebSocketDebuggerURL) != "" {
			pageSocketURL = target.WebSocketDebuggerURL
			break
		}
	}
	if pageSocketURL == "" {
		return nil, errors.New("no page target websocket found")
	}

	conn, _, err := websocket.Dial(ctx, pageSocketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial cdp websocket: %w", err)
	}
	conn.SetReadLimit(32 << 20)

	return &Client{conn: conn, enabled: make(map[string]bool)}, nil
}

// DialWithRetry keeps dialing until Chrome answers or attempts run out.
func DialWithRetry(ctx context.Context, baseURL string, attempts int, delay time.Duration) (*Client, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := Dial(ctx, baseURL)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("dial cdp after %d attempts: %w", attempts, lastErr)
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (c *Client) enable(ctx context.Context, domain string) error {
	c.mu.Lock()
	done := c.enabled[domain]
	c.mu.Unlock()
	if done {
		return nil
	}
	if err := c.Call(ctx, domain+".enable", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.enabled[domain] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Navigate(ctx context.Context, targetURL string) error {
	if err := c.enable(ctx, "Page"); err != nil {
		return err
	}
	var response struct {
		ErrorText string `json:"errorText"`
	}
	if err := c.Call(ctx, "Page.navigate", map[string]any{"url": targetURL}, &response); err != nil {
		return err
	}
	if response.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %s", targetURL, response.ErrorText)
	}
	return c.WaitForLoadState(ctx)
}

func (c *Client) URL(ctx context.Context) (string, error) {
	return c.evalString(ctx, driver.LocationScript)
}

func (c *Client) Title(ctx context.Context) (string, error) {
	return c.evalString(ctx, driver.TitleScript)
}

func (c *Client) TextContent(ctx context.Context, selector string) (string, error) {
	result, err := c.run(ctx, selector, driver.TextScript(selector))
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (c *Client) Click(ctx context.Context, selector string) error {
	_, err := c.run(ctx, selector, driver.ClickScript(selector))
	return err
}

func (c *Client) Fill(ctx context.Context, selector, text string) error {
	_, err := c.run(ctx, selector, driver.FillScript(selector, text))
	return err
}

// Type focuses the element and inserts text one character at a time.
func (c *Client) Type(ctx context.Context, selector, text string) error {
	if _, err := c.run(ctx, selector, driver.FocusScript(selector)); err != nil {
		return err
	}
	for _, r := range text {
		if err := c.Call(ctx, "Input.insertText", map[string]any{"text": string(r)}, nil); err != nil {
			return fmt.Errorf("type into %s: %w", selector, err)
		}
	}
	return nil
}

func (c *Client) SelectOption(ctx context.Context, selector, option string) error {
	_, err := c.run(ctx, selector, driver.SelectScript(selector, option))
	return err
}

func (c *Client) SetChecked(ctx context.Context, selector string, checked bool) error {
	_, err := c.run(ctx, selector, driver.CheckScript(selector, checked))
	return err
}

func (c *Client) Hover(ctx context.Context, selector string) error {
	result, err := c.run(ctx, selector, driver.HoverScript(selector))
	if err != nil {
		return err
	}
	return c.Call(ctx, "Input.dispatchMouseEvent", map[string]any{
		"type": "mouseMoved",
		"x":    result.X,
		"y":    result.Y,
	}, nil)
}

func (c *Client) Press(ctx context.Context, name string) error {
	key, ok := driver.LookupKey(name)
	if !ok {
		return fmt.Errorf("unknown key %q", name)
	}
	for _, eventType := range []string{"keyDown", "char", "keyUp"} {
		if eventType == "char" && key.Text == "" {
			continue
		}
		payload := map[string]any{
			"type":                  eventType,
			"key":                   key.Key,
			"code":                  key.Code,
			"windowsVirtualKeyCode": key.KeyCode,
			"nativeVirtualKeyCode":  key.KeyCode,
		}
		if eventType == "char" {
			payload["text"] = key.Text
			payload["unmodifiedText"] = key.Text
		}
		if err := c.Call(ctx, "Input.dispatchKeyEvent", payload, nil); err != nil {
			return fmt.Errorf("dispatch %s %s: %w", key.Key, eventType, err)
		}
	}
	return nil
}

func (c *Client) ScrollIntoView(ctx context.Context, selector string) error {
	_, err := c.run(ctx, selector, driver.ScrollScript(selector))
	return err
}

// WaitForSelector polls until a visible element matches or ctx expires.
func (c *Client) WaitForSelector(ctx context.Context, selector string) error {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return errors.New("selector is required")
	}
	for {
		visible, err := c.IsVisible(ctx, selector)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("timeout waiting for selector %q", selector)
			}
			return err
		}
		if visible {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for selector %q", selector)
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) WaitForLoadState(ctx context.Context) error {
	for {
		state, err := c.evalString(ctx, driver.ReadyStateScript)
		if err == nil && state == "complete" {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("timeout waiting for load: %w", err)
			}
			return fmt.Errorf("timeout waiting for load (readyState=%s)", state)
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) IsVisible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	if err := c.evalInto(ctx, driver.VisibleScript(selector), &visible); err != nil {
		return false, err
	}
	return visible, nil
}

func (c *Client) Count(ctx context.Context, selector string) (int, error) {
	var count int
	if err := c.evalInto(ctx, driver.CountScript(selector), &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *Client) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	result, err := c.run(ctx, selector, driver.AttributeScript(selector, name))
	if err != nil {
		return "", false, err
	}
	return result.Text, result.Has, nil
}

func (c *Client) Elements(ctx context.Context, selector string) ([]driver.ElementSnapshot, error) {
	var snapshots []driver.ElementSnapshot
	if err := c.evalInto(ctx, driver.ElementsScript(selector), &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	if err := c.enable(ctx, "Page"); err != nil {
		return nil, err
	}
	var response struct {
		Data string `json:"data"`
	}
	if err := c.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "jpeg", "quality": 80}, &response); err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(response.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return decoded, nil
}

func (c *Client) Evaluate(ctx context.Context, script string) (any, error) {
	var out any
	if err := c.evalInto(ctx, driver.UserScript(script), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) run(ctx context.Context, selector, script string) (driver.Result, error) {
	var result driver.Result
	if err := c.evalInto(ctx, script, &result); err != nil {
		return driver.Result{}, err
	}
	return result, result.Err(selector)
}

func (c *Client) evalString(ctx context.Context, script string) (string, error) {
	var out string
	err := c.evalInto(ctx, script, &out)
	return out, err
}

func (c *Client) evalInto(ctx context.Context, script string, out any) error {
	if err := c.enable(ctx, "Runtime"); err != nil {
		return err
	}
	var response struct {
		Result struct {
			Value any `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := c.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    script,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &response); err != nil {
		return err
	}
	if details := response.ExceptionDetails; details != nil {
		message := details.Exception.Description
		if message == "" {
			message = details.Text
		}
		return fmt.Errorf("script error: %s", message)
	}
	raw, ok := response.Result.Value.(string)
	if !ok {
		return fmt.Errorf("unexpected script result %T", response.Result.Value)
	}
	return driver.Decode(raw, out)
}

// Call sends one CDP command and waits for its response, skipping events.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.idCounter++
	requestID := c.idCounter

	payload := map[string]any{
		"id":     requestID,
		"method": method,
	}
	if params != nil {
		payload["params"] = params
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	deadline := time.Now().Add(defaultCallTimeout)
	if explicit, ok := ctx.Deadline(); ok {
		deadline = explicit
	}
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := c.conn.Write(callCtx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("write cdp request: %w", err)
	}

	for {
		_, message, err := c.conn.Read(callCtx)
		if err != nil {
			return fmt.Errorf("read cdp response: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.ID != requestID {
			continue
		}
		if env.Error != nil {
			return fmt.Errorf("cdp %s failed (%d): %s", method, env.Error.Code, env.Error.Message)
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	}
}
