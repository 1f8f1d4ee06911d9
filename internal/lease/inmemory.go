package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

type holder struct {
	owner     string
	token     uint64
	expiresAt time.Time
}

// InMemoryManager serializes writers inside one process.
type InMemoryManager struct {
	mu      sync.Mutex
	seq     uint64
	holders map[string]holder
	now     func() time.Time
}

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		holders: make(map[string]holder),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *InMemoryManager) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return Lease{}, false, err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.holders[resource]; ok && now.Before(current.expiresAt) {
		return Lease{}, false, nil
	}
	m.seq++
	granted := Lease{Token: m.seq, ExpiresAt: now.Add(ttlOrDefault(ttl))}
	m.holders[resource] = holder{owner: owner, token: granted.Token, expiresAt: granted.ExpiresAt}
	return granted, true, nil
}

func (m *InMemoryManager) Renew(_ context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return Lease{}, false, err
	}
	if token == 0 {
		return Lease{}, false, errors.New("token is required")
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.holders[resource]
	if !ok {
		return Lease{}, false, nil
	}
	if !now.Before(current.expiresAt) {
		delete(m.holders, resource)
		return Lease{}, false, nil
	}
	if current.owner != owner || current.token != token {
		return Lease{}, false, nil
	}
	current.expiresAt = now.Add(ttlOrDefault(ttl))
	m.holders[resource] = current
	return Lease{Token: token, ExpiresAt: current.expiresAt}, true, nil
}

// Release is a no-op unless owner still holds the lease under token.
func (m *InMemoryManager) Release(_ context.Context, resource, owner string, token uint64) error {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return err
	}
	if token == 0 {
		return errors.New("token is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.holders[resource]; ok && current.owner == owner && current.token == token {
		delete(m.holders, resource)
	}
	return nil
}
