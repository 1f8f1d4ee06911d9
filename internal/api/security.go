package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

// withAPISecurity applies the API key and the per-client rate limit to
// requests that change state.
func (s *Server) withAPISecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutatingAPIRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.APIKey != "" && !requestHasAPIKey(r, s.cfg.APIKey) {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}

		if s.rateLimiter != nil && !s.rateLimiter.Allow(requestClientIdentity(r), time.Now().UTC()) {
			w.Header().Set("Retry-After", "60")
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isMutatingAPIRequest(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return strings.HasPrefix(r.URL.Path, "/v1/")
	}
	return false
}

func requestHasAPIKey(r *http.Request, expected string) bool {
	want := strings.TrimSpace(expected)
	if want == "" {
		return true
	}
	candidates := []string{strings.TrimSpace(r.Header.Get("X-API-Key"))}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}
	for _, candidate := range candidates {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

func requestClientIdentity(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if raw := strings.TrimSpace(r.RemoteAddr); raw != "" {
		return raw
	}
	return "unknown"
}

const maxTrackedClients = 10000

// fixedWindowLimiter counts requests per client in aligned windows. Idle
// clients age out of the LRU after two windows.
type fixedWindowLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients *expirable.LRU[string, rateBucket]
}

type rateBucket struct {
	windowStart time.Time
	count       int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &fixedWindowLimiter{
		limit:   limit,
		window:  window,
		clients: expirable.NewLRU[string, rateBucket](maxTrackedClients, nil, 2*window),
	}
}

func (l *fixedWindowLimiter) Allow(client string, now time.Time) bool {
	key := strings.TrimSpace(client)
	if key == "" {
		key = "unknown"
	}
	windowStart := now.UTC().Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.clients.Get(key)
	if !ok || !bucket.windowStart.Equal(windowStart) {
		bucket = rateBucket{windowStart: windowStart}
	}
	if bucket.count >= l.limit {
		return false
	}
	bucket.count++
	l.clients.Add(key, bucket)
	return true
}
