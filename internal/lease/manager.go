// Package lease serializes writers of a shared resource, such as the usage
// statistics of one pattern, across goroutines or processes.
package lease

import (
	"context"
	"errors"
	"strings"
	"time"
)

const DefaultTTL = 30 * time.Second

var ErrBusy = errors.New("lease is held by another owner")

type Lease struct {
	Token     uint64
	ExpiresAt time.Time
}

type Manager interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, resource, owner string, token uint64) error
}

// Do waits for the lease on resource, runs fn while holding it and releases it
// afterwards. Waiting polls every retry interval until ctx is done. fn runs on a
// context that ignores cancellation of ctx so a started critical section always
// completes. The lease is renewed every half ttl until fn returns.
func Do(ctx context.Context, m Manager, resource, owner string, ttl, retry time.Duration, fn func(context.Context) error) error {
	if retry <= 0 {
		retry = 10 * time.Millisecond
	}
	var held Lease
	for {
		lease, ok, err := m.Acquire(ctx, resource, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			held = lease
			break
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ErrBusy, ctx.Err())
		case <-timer.C:
		}
	}

	detached := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		keepAlive(detached, m, resource, owner, held.Token, ttlOrDefault(ttl), stop)
	}()
	defer func() {
		close(stop)
		<-renewed
		_ = m.Release(detached, resource, owner, held.Token)
	}()
	return fn(detached)
}

// keepAlive renews the lease every ttl/2 until stop closes or a renewal is refused.
func keepAlive(ctx context.Context, m Manager, resource, owner string, token uint64, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, ok, err := m.Renew(ctx, resource, owner, token, ttl); err != nil || !ok {
				return
			}
		}
	}
}

func normalize(resource, owner string) (string, string, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" {
		return "", "", errors.New("resource is required")
	}
	if owner == "" {
		return "", "", errors.New("owner is required")
	}
	return resource, owner, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
