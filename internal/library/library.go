// Package library owns the catalogue of action patterns: authoring, lookup,
// search and the usage statistics that executions feed back.
package library

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/taku10101/playwright-secretary/internal/lease"
	"github.com/taku10101/playwright-secretary/internal/metrics"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/store"
)

var (
	ErrPatternNotFound = errors.New("pattern not found")
	ErrPatternExists   = errors.New("pattern already exists")
)

type Config struct {
	CacheSize  int
	LeaseTTL   time.Duration
	LeaseRetry time.Duration
	// Owner identifies this process to the lease manager.
	Owner   string
	Metrics *metrics.Metrics
}

type Library struct {
	store   store.Store
	leases  lease.Manager
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cache *lru.Cache[pattern.Ref, pattern.Pattern]
	loads singleflight.Group
	// generation moves on every invalidation so a load that raced a write
	// does not repopulate the cache with the old record.
	generation atomic.Uint64
}

func New(st store.Store, leases lease.Manager, cfg Config, logger *zap.Logger) (*Library, error) {
	if st == nil {
		return nil, errors.New("pattern store is required")
	}
	if leases == nil {
		leases = lease.NewInMemoryManager()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	if cfg.LeaseRetry <= 0 {
		cfg.LeaseRetry = 20 * time.Millisecond
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		cfg.Owner = "library-" + uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[pattern.Ref, pattern.Pattern](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create pattern cache: %w", err)
	}
	return &Library{
		store:   st,
		leases:  leases,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		cache:   cache,
	}, nil
}

// Add stores a new pattern with zeroed statistics. Tags and version are kept;
// an empty version becomes pattern.DefaultVersion.
func (l *Library) Add(ctx context.Context, p pattern.Pattern) (pattern.Pattern, error) {
	if err := pattern.Validate(p); err != nil {
		return pattern.Pattern{}, err
	}
	p = p.Clone()
	p.SortSteps()
	now := l.now()
	p.Metadata.ResetStats()
	p.Metadata.CreatedAt = now
	p.Metadata.UpdatedAt = now
	if strings.TrimSpace(p.Metadata.Version) == "" {
		p.Metadata.Version = pattern.DefaultVersion
	}

	err := l.withLease(ctx, p.Ref(), func(ctx context.Context) error {
		_, err := l.store.Load(ctx, p.Ref())
		if err == nil {
			return fmt.Errorf("%w: %s", ErrPatternExists, p.Ref())
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return l.store.Save(ctx, p)
	})
	if err != nil {
		return pattern.Pattern{}, err
	}
	l.invalidate(p.Ref())
	l.logger.Info("pattern added", zap.String("service", p.Service), zap.String("pattern", p.ID))
	return p.Clone(), nil
}

// Get returns the pattern addressed by ref. An empty ref.Service searches
// every service and returns the first match in service order.
func (l *Library) Get(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return pattern.Pattern{}, fmt.Errorf("%w: empty id", ErrPatternNotFound)
	}
	if ref.Service == "" {
		return l.findAnyService(ctx, ref.ID)
	}

	if cached, ok := l.cache.Get(ref); ok {
		l.metrics.CacheHit()
		return cached.Clone(), nil
	}
	l.metrics.CacheMiss()

	generation := l.generation.Load()
	// Loads started before a write never serve callers that arrive after it.
	key := fmt.Sprintf("%s@%d", ref, generation)
	loaded, err, _ := l.loads.Do(key, func() (any, error) {
		p, err := l.store.Load(ctx, ref)
		if err != nil {
			return nil, err
		}
		if l.generation.Load() == generation {
			l.cache.Add(ref, p)
		}
		return p, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return pattern.Pattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, ref)
	}
	if err != nil {
		return pattern.Pattern{}, fmt.Errorf("load pattern %s: %w", ref, err)
	}
	return loaded.(pattern.Pattern).Clone(), nil
}

func (l *Library) findAnyService(ctx context.Context, id string) (pattern.Pattern, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return pattern.Pattern{}, fmt.Errorf("list patterns: %w", err)
	}
	for _, p := range all {
		if p.ID == id {
			return p, nil
		}
	}
	return pattern.Pattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
}

// Update replaces the authored content of an existing pattern. Usage
// statistics and creation data always come from the stored record.
func (l *Library) Update(ctx context.Context, p pattern.Pattern) (pattern.Pattern, error) {
	if err := pattern.Validate(p); err != nil {
		return pattern.Pattern{}, err
	}
	p = p.Clone()
	p.SortSteps()

	err := l.withLease(ctx, p.Ref(), func(ctx context.Context) error {
		existing, err := l.store.Load(ctx, p.Ref())
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrPatternNotFound, p.Ref())
		}
		if err != nil {
			return err
		}
		meta := existing.Metadata
		if p.Metadata.Tags != nil {
			meta.Tags = p.Metadata.Tags
		}
		if v := strings.TrimSpace(p.Metadata.Version); v != "" {
			meta.Version = v
		}
		if meta.CreatedBy == "" {
			meta.CreatedBy = p.Metadata.CreatedBy
		}
		meta.UpdatedAt = l.now()
		p.Metadata = meta
		return l.store.Save(ctx, p)
	})
	if err != nil {
		return pattern.Pattern{}, err
	}
	l.invalidate(p.Ref())
	l.logger.Info("pattern updated", zap.String("service", p.Service), zap.String("pattern", p.ID))
	return p.Clone(), nil
}

// Delete reports whether a pattern was removed. A missing pattern is not an error.
func (l *Library) Delete(ctx context.Context, ref pattern.Ref) (bool, error) {
	if ref.Service == "" {
		found, err := l.findAnyService(ctx, ref.ID)
		if errors.Is(err, ErrPatternNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		ref = found.Ref()
	}
	var removed bool
	err := l.withLease(ctx, ref, func(ctx context.Context) error {
		var err error
		removed, err = l.store.Delete(ctx, ref)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete pattern %s: %w", ref, err)
	}
	l.invalidate(ref)
	if removed {
		l.logger.Info("pattern deleted", zap.String("service", ref.Service), zap.String("pattern", ref.ID))
	}
	return removed, nil
}

// RecordUsage folds one execution outcome into the pattern's statistics.
// Updates to one pattern are serialized through the lease manager, and once
// the lease is held cancellation of ctx no longer interrupts the update.
func (l *Library) RecordUsage(ctx context.Context, ref pattern.Ref, success bool, duration time.Duration) error {
	if ref.Service == "" {
		found, err := l.findAnyService(ctx, ref.ID)
		if err != nil {
			return err
		}
		ref = found.Ref()
	}
	err := l.withLease(ctx, ref, func(ctx context.Context) error {
		p, err := l.store.Load(ctx, ref)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrPatternNotFound, ref)
		}
		if err != nil {
			return err
		}
		p.Metadata.Record(success, duration)
		p.Metadata.UpdatedAt = l.now()
		return l.store.Save(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("record usage of %s: %w", ref, err)
	}
	l.invalidate(ref)
	l.logger.Debug("pattern usage recorded",
		zap.String("service", ref.Service),
		zap.String("pattern", ref.ID),
		zap.Bool("success", success),
		zap.Duration("duration", duration),
	)
	return nil
}

// ClearCache drops every cached pattern. Safe to call at any time.
func (l *Library) ClearCache() {
	l.generation.Add(1)
	l.cache.Purge()
}

func (l *Library) invalidate(ref pattern.Ref) {
	l.generation.Add(1)
	l.cache.Remove(ref)
}

func (l *Library) withLease(ctx context.Context, ref pattern.Ref, fn func(context.Context) error) error {
	return lease.Do(ctx, l.leases, "pattern:"+ref.String(), l.cfg.Owner, l.cfg.LeaseTTL, l.cfg.LeaseRetry, fn)
}

// Filter narrows Search. Zero fields do not constrain; Tags match any-of.
type Filter struct {
	Service        string           `json:"service,omitempty"`
	Category       pattern.Category `json:"category,omitempty"`
	Tags           []string         `json:"tags,omitempty"`
	MinSuccessRate *float64         `json:"min_success_rate,omitempty"`
	Search         string           `json:"search,omitempty"`
}

func (f Filter) matches(p pattern.Pattern) bool {
	if f.Service != "" && p.Service != f.Service {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if len(f.Tags) > 0 {
		tagged := false
		for _, tag := range f.Tags {
			if p.HasTag(tag) {
				tagged = true
				break
			}
		}
		if !tagged {
			return false
		}
	}
	if f.MinSuccessRate != nil && p.Metadata.SuccessRate < *f.MinSuccessRate {
		return false
	}
	if needle := strings.ToLower(strings.TrimSpace(f.Search)); needle != "" {
		if !strings.Contains(strings.ToLower(p.Name), needle) && !strings.Contains(strings.ToLower(p.Description), needle) {
			return false
		}
	}
	return true
}

func (l *Library) Search(ctx context.Context, filter Filter) ([]pattern.Pattern, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	out := make([]pattern.Pattern, 0, len(all))
	for _, p := range all {
		if filter.matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (l *Library) ByService(ctx context.Context, service string) ([]pattern.Pattern, error) {
	return l.Search(ctx, Filter{Service: service})
}

func (l *Library) ByCategory(ctx context.Context, category pattern.Category) ([]pattern.Pattern, error) {
	return l.Search(ctx, Filter{Category: category})
}

// MostUsed orders patterns by usage count, highest first.
func (l *Library) MostUsed(ctx context.Context, limit int) ([]pattern.Pattern, error) {
	all, err := l.Search(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Metadata.UsageCount > all[j].Metadata.UsageCount
	})
	return truncate(all, limit), nil
}

// MostSuccessful orders used patterns by success rate, highest first.
func (l *Library) MostSuccessful(ctx context.Context, limit int) ([]pattern.Pattern, error) {
	all, err := l.Search(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	used := all[:0]
	for _, p := range all {
		if p.Metadata.UsageCount > 0 {
			used = append(used, p)
		}
	}
	sort.SliceStable(used, func(i, j int) bool {
		return used[i].Metadata.SuccessRate > used[j].Metadata.SuccessRate
	})
	return truncate(used, limit), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit <= 0 {
		limit = 10
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
