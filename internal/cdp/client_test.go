package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/taku10101/playwright-secretary/internal/driver"
)

type fakeBrowser struct {
	mu       sync.Mutex
	methods  []string
	evaluate func(expression string) any
}

func (f *fakeBrowser) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
}

func (f *fakeBrowser) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func newFakeBrowser(t *testing.T, evaluate func(expression string) any) (*fakeBrowser, string) {
	t.Helper()
	fake := &fakeBrowser{evaluate: evaluate}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools/page/1"
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"type": "service_worker", "webSocketDebuggerUrl": "ws://ignored"},
			{"type": "page", "webSocketDebuggerUrl": wsURL},
		})
	})
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, message, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req struct {
				ID     int64          `json:"id"`
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
			}
			if err := json.Unmarshal(message, &req); err != nil {
				return
			}
			fake.record(req.Method)

			result := map[string]any{}
			if req.Method == "Runtime.evaluate" {
				expression, _ := req.Params["expression"].(string)
				raw, _ := json.Marshal(fake.evaluate(expression))
				result["result"] = map[string]any{"type": "string", "value": string(raw)}
			}
			// An unrelated event is interleaved before every response.
			event, _ := json.Marshal(map[string]any{"method": "Page.frameNavigated", "params": map[string]any{}})
			_ = conn.Write(ctx, websocket.MessageText, event)
			resp, _ := json.Marshal(map[string]any{"id": req.ID, "result": result})
			if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
				return
			}
		}
	})
	return fake, srv.URL
}

func TestClientCountAndClick(t *testing.T) {
	fake, baseURL := newFakeBrowser(t, func(expression string) any {
		switch {
		case strings.Contains(expression, ".length;"):
			return 3
		case strings.Contains(expression, "el.click()"):
			return driver.Result{OK: true}
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, baseURL)
	require.NoError(t, err)
	defer client.Close()

	count, err := client.Count(ctx, "button")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, client.Click(ctx, "#go"))

	calls := fake.calls()
	assert.Equal(t, "Runtime.enable", calls[0])
	assert.Equal(t, 1, strings.Count(strings.Join(calls, ","), "Runtime.enable"))
}

func TestClientClickReportsMissingElement(t *testing.T) {
	_, baseURL := newFakeBrowser(t, func(string) any {
		return driver.Result{Error: "not_found"}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, baseURL)
	require.NoError(t, err)
	defer client.Close()

	err = client.Click(ctx, "#missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrElementNotFound))
}

func TestClientWaitForSelectorTimesOut(t *testing.T) {
	_, baseURL := newFakeBrowser(t, func(string) any { return false })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, baseURL)
	require.NoError(t, err)
	defer client.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer waitCancel()
	err = client.WaitForSelector(waitCtx, "#never")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for selector")
}

func TestClientPressDispatchesKeyEvents(t *testing.T) {
	fake, baseURL := newFakeBrowser(t, func(string) any { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, baseURL)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Press(ctx, "Enter"))
	require.NoError(t, client.Press(ctx, "Tab"))
	// Enter sends keyDown/char/keyUp, Tab has no char event.
	assert.Equal(t, 5, strings.Count(strings.Join(fake.calls(), ","), "Input.dispatchKeyEvent"))

	require.Error(t, client.Press(ctx, "Hyper"))
}

func TestDialWithoutPageTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"type":"background_page","webSocketDebuggerUrl":"ws://x"}]`))
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no page target")
}
