// Package idempotency replays the stored response of a request retried with
// the same Idempotency-Key instead of running it twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taku10101/playwright-secretary/internal/lease"
)

var ErrInProgress = errors.New("another request with this idempotency key is still in progress")

type Response struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store keeps completed responses for the configured retention.
type Store interface {
	Get(ctx context.Context, key string) (Response, bool, error)
	Save(ctx context.Context, key string, resp Response) error
}

// Key folds a scope and a client-supplied key into one bounded store key.
func Key(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if key == "" {
		return "", errors.New("key is required")
	}
	sum := sha256.Sum256([]byte(scope + "|" + key))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

type Config struct {
	// ClaimTTL bounds how long one request may hold a key.
	ClaimTTL time.Duration
	// Wait is how long a concurrent duplicate waits for the first response.
	Wait         time.Duration
	PollInterval time.Duration
}

// Guard serializes requests sharing a key through lease claims and replays
// stored responses.
type Guard struct {
	store  Store
	leases lease.Manager
	cfg    Config
}

func NewGuard(store Store, leases lease.Manager, cfg Config) *Guard {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 4 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Guard{store: store, leases: leases, cfg: cfg}
}

// Do runs fn once per (scope, key). Later calls get the stored response with
// replayed set. Responses with a 5xx status are not stored.
func (g *Guard) Do(ctx context.Context, scope, key string, fn func() Response) (resp Response, replayed bool, err error) {
	compound, err := Key(scope, key)
	if err != nil {
		return Response{}, false, err
	}
	if cached, ok, err := g.store.Get(ctx, compound); err != nil {
		return Response{}, false, err
	} else if ok {
		return cached, true, nil
	}

	owner := "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	resource := "idempotency:" + compound
	claim, claimed, err := g.leases.Acquire(ctx, resource, owner, g.cfg.ClaimTTL)
	if err != nil {
		return Response{}, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		cached, ok := g.waitFor(ctx, compound)
		if ok {
			return cached, true, nil
		}
		return Response{}, false, ErrInProgress
	}
	defer func() {
		_ = g.leases.Release(context.WithoutCancel(ctx), resource, owner, claim.Token)
	}()

	// The previous holder may have finished between Get and Acquire.
	if cached, ok, err := g.store.Get(ctx, compound); err == nil && ok {
		return cached, true, nil
	}

	resp = fn()
	if resp.StatusCode < 500 {
		if err := g.store.Save(context.WithoutCancel(ctx), compound, resp); err != nil {
			return resp, false, fmt.Errorf("save idempotent response: %w", err)
		}
	}
	return resp, false, nil
}

func (g *Guard) waitFor(ctx context.Context, compound string) (Response, bool) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.Wait)
	defer cancel()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if cached, ok, err := g.store.Get(waitCtx, compound); err == nil && ok {
			return cached, true
		}
		select {
		case <-waitCtx.Done():
			return Response{}, false
		case <-ticker.C:
		}
	}
}
