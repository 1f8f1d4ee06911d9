// Package pool keeps a bounded set of browser pages that executions lease one
// at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/driver"
)

type State string

const (
	StateWarming State = "warming"
	StateReady   State = "ready"
	StateLeased  State = "leased"
)

var (
	ErrExhausted = errors.New("no browser page available")
	ErrClosed    = errors.New("page pool is closed")
)

type Opener interface {
	Open(ctx context.Context) (driver.Page, error)
}

type OpenerFunc func(ctx context.Context) (driver.Page, error)

func (f OpenerFunc) Open(ctx context.Context) (driver.Page, error) { return f(ctx) }

// Slot describes one pooled page.
type Slot struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Uses      int       `json:"uses"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type slot struct {
	Slot
	page driver.Page
}

type Lease struct {
	SlotID string
	Page   driver.Page
}

type Config struct {
	Size int
	// MaxUses retires a page after that many executions; zero keeps it forever.
	MaxUses int
	// MaxAge retires idle pages older than this; zero keeps them forever.
	MaxAge       time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

type Pool struct {
	opener Opener
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	slots   map[string]*slot
	counter int
	closed  bool
}

func New(opener Opener, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		opener: opener,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		slots:  make(map[string]*slot),
	}
}

// Acquire leases a ready page, opening a new one while under Size, and waits
// up to WaitTimeout for another execution to release one otherwise.
func (p *Pool) Acquire(ctx context.Context) (Lease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
	defer cancel()

	for {
		lease, ok, err := p.tryAcquire(waitCtx)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-waitCtx.Done():
			return Lease{}, fmt.Errorf("%w: %w", ErrExhausted, waitCtx.Err())
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) tryAcquire(ctx context.Context) (Lease, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Lease{}, false, ErrClosed
	}
	now := p.now()
	var retired []driver.Page
	for _, s := range p.sortedLocked() {
		if s.State != StateReady {
			continue
		}
		if p.cfg.MaxAge > 0 && now.Sub(s.CreatedAt) > p.cfg.MaxAge {
			delete(p.slots, s.ID)
			retired = append(retired, s.page)
			continue
		}
		s.State = StateLeased
		s.UpdatedAt = now
		p.mu.Unlock()
		p.closePages(retired)
		return Lease{SlotID: s.ID, Page: s.page}, true, nil
	}
	if len(p.slots) >= p.cfg.Size {
		p.mu.Unlock()
		p.closePages(retired)
		return Lease{}, false, nil
	}
	p.counter++
	warming := &slot{Slot: Slot{ID: fmt.Sprintf("page-%d", p.counter), State: StateWarming, CreatedAt: now, UpdatedAt: now}}
	p.slots[warming.ID] = warming
	p.mu.Unlock()
	p.closePages(retired)

	page, err := p.opener.Open(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		delete(p.slots, warming.ID)
		return Lease{}, false, fmt.Errorf("open browser page: %w", err)
	}
	warming.page = page
	warming.State = StateLeased
	warming.UpdatedAt = p.now()
	p.logger.Debug("browser page opened", zap.String("slot", warming.ID))
	return Lease{SlotID: warming.ID, Page: page}, true, nil
}

// Release returns a leased page. Unhealthy pages and pages past MaxUses are closed.
func (p *Pool) Release(lease Lease, healthy bool) {
	p.mu.Lock()
	s, ok := p.slots[lease.SlotID]
	if !ok {
		p.mu.Unlock()
		return
	}
	s.Uses++
	s.UpdatedAt = p.now()
	retire := p.closed || !healthy || (p.cfg.MaxUses > 0 && s.Uses >= p.cfg.MaxUses)
	if retire {
		delete(p.slots, s.ID)
	} else {
		s.State = StateReady
	}
	p.mu.Unlock()

	if retire {
		p.logger.Debug("browser page retired", zap.String("slot", s.ID), zap.Int("uses", s.Uses), zap.Bool("healthy", healthy))
		p.closePages([]driver.Page{s.page})
	}
}

// Warm opens pages until n are ready, bounded by Size.
func (p *Pool) Warm(ctx context.Context, n int) error {
	var leases []Lease
	defer func() {
		for _, lease := range leases {
			p.Release(lease, true)
		}
	}()
	for i := 0; i < n; i++ {
		lease, ok, err := p.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		leases = append(leases, lease)
	}
	return nil
}

func (p *Pool) List() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	sorted := p.sortedLocked()
	out := make([]Slot, 0, len(sorted))
	for _, s := range sorted {
		out = append(out, s.Slot)
	}
	return out
}

// Close closes every page not currently leased; leased pages close on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var idle []driver.Page
	for id, s := range p.slots {
		if s.State == StateReady {
			idle = append(idle, s.page)
			delete(p.slots, id)
		}
	}
	p.mu.Unlock()
	return p.closePages(idle)
}

func (p *Pool) sortedLocked() []*slot {
	out := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (p *Pool) closePages(pages []driver.Page) error {
	var errs []error
	for _, page := range pages {
		if closer, ok := page.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				p.logger.Warn("close browser page", zap.Error(err))
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
