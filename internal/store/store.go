// Package store persists action patterns keyed by (service, id).
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/taku10101/playwright-secretary/internal/pattern"
)

var ErrNotFound = errors.New("pattern not found in store")

type Store interface {
	// Save inserts or replaces the pattern stored under p.Ref().
	Save(ctx context.Context, p pattern.Pattern) error
	Load(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error)
	// Delete reports whether a pattern was removed.
	Delete(ctx context.Context, ref pattern.Ref) (bool, error)
	// List returns every pattern ordered by service then id.
	List(ctx context.Context) ([]pattern.Pattern, error)
	Close() error
}

type Memory struct {
	mu    sync.RWMutex
	items map[pattern.Ref]pattern.Pattern
}

func NewMemory() *Memory {
	return &Memory{items: make(map[pattern.Ref]pattern.Pattern)}
}

func (m *Memory) Save(ctx context.Context, p pattern.Pattern) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.items[p.Ref()] = p.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return pattern.Pattern{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	found, ok := m.items[ref]
	if !ok {
		return pattern.Pattern{}, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, ref pattern.Ref) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[ref]; !ok {
		return false, nil
	}
	delete(m.items, ref)
	return true, nil
}

func (m *Memory) List(ctx context.Context) ([]pattern.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]pattern.Pattern, 0, len(m.items))
	for _, p := range m.items {
		out = append(out, p.Clone())
	}
	m.mu.RUnlock()
	sortPatterns(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortPatterns(items []pattern.Pattern) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Service != items[j].Service {
			return items[i].Service < items[j].Service
		}
		return items[i].ID < items[j].ID
	})
}
