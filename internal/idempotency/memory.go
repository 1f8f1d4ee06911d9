package idempotency

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultRetention = 24 * time.Hour
	defaultCapacity  = 10_000
)

// Memory keeps responses in a bounded, expiring LRU.
type Memory struct {
	cache *expirable.LRU[string, Response]
}

func NewMemory(capacity int, retention time.Duration) *Memory {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{cache: expirable.NewLRU[string, Response](capacity, nil, retention)}
}

func (m *Memory) Get(_ context.Context, key string) (Response, bool, error) {
	resp, ok := m.cache.Get(key)
	if !ok {
		return Response{}, false, nil
	}
	resp.Body = append([]byte(nil), resp.Body...)
	return resp, true, nil
}

func (m *Memory) Save(_ context.Context, key string, resp Response) error {
	resp.Body = append([]byte(nil), resp.Body...)
	m.cache.Add(key, resp)
	return nil
}
