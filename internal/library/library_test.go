package library

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taku10101/playwright-secretary/internal/lease"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/store"
	"github.com/taku10101/playwright-secretary/internal/value"
)

type countingStore struct {
	store.Store
	loads atomic.Int64
}

func (c *countingStore) Load(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error) {
	c.loads.Add(1)
	return c.Store.Load(ctx, ref)
}

// gatedStore parks the first Load after arm() until release is closed.
type gatedStore struct {
	store.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{Store: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) arm() { g.armed.Store(true) }

func (g *gatedStore) Load(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error) {
	p, err := g.Store.Load(ctx, ref)
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return p, err
}

func newGatedLibrary(t *testing.T) (*Library, *gatedStore) {
	t.Helper()
	st := newGatedStore()
	lib, err := New(st, lease.NewInMemoryManager(), Config{CacheSize: 16, LeaseRetry: time.Millisecond}, nil)
	require.NoError(t, err)
	return lib, st
}

func newLibrary(t *testing.T) (*Library, *countingStore) {
	t.Helper()
	st := &countingStore{Store: store.NewMemory()}
	lib, err := New(st, lease.NewInMemoryManager(), Config{CacheSize: 16, LeaseRetry: time.Millisecond}, nil)
	require.NoError(t, err)
	return lib, st
}

func newPattern(service, id, name string, params ...string) pattern.Pattern {
	p := pattern.Pattern{
		ID:          id,
		Name:        name,
		Service:     service,
		Category:    pattern.CategoryCommunication,
		Description: name + " on " + service,
		Steps: []pattern.Step{
			{Order: 2, Type: pattern.StepClick, Selector: "#send"},
			{Order: 1, Type: pattern.StepNavigate, Value: value.String("https://" + service + ".example.com")},
		},
	}
	for _, name := range params {
		p.Parameters = append(p.Parameters, pattern.Parameter{Name: name, Type: pattern.ParamString, Required: true})
	}
	return p
}

func TestAddResetsStatisticsAndKeepsAuthoringData(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()

	p := newPattern("slack", "send", "Send message")
	p.Metadata.UsageCount = 99
	p.Metadata.SuccessRate = 1
	p.Metadata.Tags = []string{"chat"}

	added, err := lib.Add(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, added.Metadata.UsageCount)
	assert.Zero(t, added.Metadata.SuccessRate)
	assert.Equal(t, []string{"chat"}, added.Metadata.Tags)
	assert.Equal(t, pattern.DefaultVersion, added.Metadata.Version)
	assert.False(t, added.Metadata.CreatedAt.IsZero())
	assert.Equal(t, 1, added.Steps[0].Order, "steps are stored in order")

	_, err = lib.Add(ctx, p)
	assert.True(t, errors.Is(err, ErrPatternExists))

	_, err = lib.Add(ctx, pattern.Pattern{ID: "x", Service: "slack"})
	assert.True(t, errors.Is(err, pattern.ErrInvalid))
}

func TestGetTypedNotFoundAndUnscopedLookup(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()

	_, err := lib.Get(ctx, pattern.Ref{Service: "slack", ID: "missing"})
	assert.True(t, errors.Is(err, ErrPatternNotFound))

	_, err = lib.Add(ctx, newPattern("teams", "send", "Send"))
	require.NoError(t, err)
	_, err = lib.Add(ctx, newPattern("discord", "send", "Send"))
	require.NoError(t, err)

	found, err := lib.Get(ctx, pattern.Ref{ID: "send"})
	require.NoError(t, err)
	assert.Equal(t, "discord", found.Service, "unscoped lookups resolve in service order")

	_, err = lib.Get(ctx, pattern.Ref{ID: "nope"})
	assert.True(t, errors.Is(err, ErrPatternNotFound))
}

func TestGetIsReadThroughCached(t *testing.T) {
	lib, st := newLibrary(t)
	ctx := context.Background()
	_, err := lib.Add(ctx, newPattern("slack", "send", "Send"))
	require.NoError(t, err)
	st.loads.Store(0)

	ref := pattern.Ref{Service: "slack", ID: "send"}
	for i := 0; i < 5; i++ {
		_, err := lib.Get(ctx, ref)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, st.loads.Load())

	require.NoError(t, lib.RecordUsage(ctx, ref, true, time.Second))
	got, err := lib.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Metadata.UsageCount, "writes invalidate the cache")

	lib.ClearCache()
	loadsBefore := st.loads.Load()
	_, err = lib.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, loadsBefore+1, st.loads.Load())
}

func TestCachedCopiesAreIsolated(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()
	_, err := lib.Add(ctx, newPattern("slack", "send", "Send"))
	require.NoError(t, err)

	ref := pattern.Ref{Service: "slack", ID: "send"}
	first, err := lib.Get(ctx, ref)
	require.NoError(t, err)
	first.Steps[0].Selector = "mutated"

	second, err := lib.Get(ctx, ref)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", second.Steps[0].Selector)
}

func TestUpdatePreservesStatistics(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()
	added, err := lib.Add(ctx, newPattern("slack", "send", "Send"))
	require.NoError(t, err)
	require.NoError(t, lib.RecordUsage(ctx, added.Ref(), true, 2*time.Second))

	changed := added
	changed.Description = "new description"
	changed.Metadata = pattern.Metadata{Version: "2.0.0"}
	updated, err := lib.Update(ctx, changed)
	require.NoError(t, err)

	assert.Equal(t, "new description", updated.Description)
	assert.Equal(t, 1, updated.Metadata.UsageCount)
	assert.Equal(t, "2.0.0", updated.Metadata.Version)
	assert.Equal(t, added.Metadata.CreatedAt, updated.Metadata.CreatedAt)
	assert.False(t, updated.Metadata.UpdatedAt.Before(added.Metadata.UpdatedAt))

	_, err = lib.Update(ctx, newPattern("slack", "ghost", "Ghost"))
	assert.True(t, errors.Is(err, ErrPatternNotFound))
}

func TestDeleteIsIdempotent(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()
	_, err := lib.Add(ctx, newPattern("slack", "send", "Send"))
	require.NoError(t, err)

	ref := pattern.Ref{Service: "slack", ID: "send"}
	_, err = lib.Get(ctx, ref)
	require.NoError(t, err)

	removed, err := lib.Delete(ctx, ref)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = lib.Delete(ctx, ref)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = lib.Get(ctx, ref)
	assert.True(t, errors.Is(err, ErrPatternNotFound), "cache entry must be gone")

	removed, err = lib.Delete(ctx, pattern.Ref{ID: "never"})
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDeleteWaitsForInFlightUsageUpdate(t *testing.T) {
	lib, st := newGatedLibrary(t)
	ctx := context.Background()
	added, err := lib.Add(ctx, newPattern("slack", "send", "Send"))
	require.NoError(t, err)
	ref := added.Ref()

	st.arm()
	recorded := make(chan error, 1)
	go func() { recorded <- lib.RecordUsage(ctx, ref, true, time.Second) }()
	<-st.entered

	deleted := make(chan bool, 1)
	go func() {
		removed, err := lib.Delete(ctx, ref)
		assert.NoError(t, err)
		deleted <- removed
	}()

	select {
	case <-deleted:
		t.Fatal("delete finished while a usage update held the pattern")
	case <-time.After(50 * time.Millisecond):
	}

	close(st.release)
	require.NoError(t, <-recorded)
	assert.True(t, <-deleted)

	_, err = lib.Get(ctx, ref)
	assert.True(t, errors.Is(err, ErrPatternNotFound), "deleted pattern must stay deleted")
	all, err := lib.Search(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetAfterUpdateDoesNotJoinStaleLoad(t *testing.T) {
	lib, st := newGatedLibrary(t)
	ctx := context.Background()
	added, err := lib.Add(ctx, newPattern("slack", "send", "Send"))
	require.NoError(t, err)
	ref := added.Ref()

	st.arm()
	stale := make(chan pattern.Pattern, 1)
	go func() {
		p, err := lib.Get(ctx, ref)
		assert.NoError(t, err)
		stale <- p
	}()
	<-st.entered

	changed := added
	changed.Description = "rewritten"
	_, err = lib.Update(ctx, changed)
	require.NoError(t, err)

	fresh, err := lib.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", fresh.Description)

	close(st.release)
	assert.Equal(t, added.Description, (<-stale).Description)

	cached, err := lib.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", cached.Description, "a load that raced a write must not fill the cache")
}

func TestRecordUsageRunningMeanMatchesBatchMean(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()
	added, err := lib.Add(ctx, newPattern("slack", "send", "Send"))
	require.NoError(t, err)

	durations := []time.Duration{1200 * time.Millisecond, 800 * time.Millisecond, 3 * time.Second, 500 * time.Millisecond, 2500 * time.Millisecond}
	outcomes := []bool{true, false, true, true, false}
	var sum float64
	for i, d := range durations {
		require.NoError(t, lib.RecordUsage(ctx, added.Ref(), outcomes[i], d))
		sum += d.Seconds()
	}

	got, err := lib.Get(ctx, added.Ref())
	require.NoError(t, err)
	assert.Equal(t, 5, got.Metadata.UsageCount)
	assert.Equal(t, 3, got.Metadata.SuccessCount)
	assert.Equal(t, 2, got.Metadata.FailureCount)
	assert.InDelta(t, 0.6, got.Metadata.SuccessRate, 1e-9)
	assert.InDelta(t, sum/5, got.Metadata.AverageDuration, 1e-9)
}

func TestRecordUsageConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()
	added, err := lib.Add(ctx, newPattern("slack", "send", "Send"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, lib.RecordUsage(ctx, added.Ref(), i%5 != 0, time.Second))
		}(i)
	}
	wg.Wait()

	got, err := lib.Get(ctx, added.Ref())
	require.NoError(t, err)
	assert.Equal(t, 25, got.Metadata.UsageCount)
	assert.Equal(t, 20, got.Metadata.SuccessCount)
	assert.InDelta(t, 1.0, got.Metadata.AverageDuration, 1e-9)
}

func TestRecordUsageUnknownPattern(t *testing.T) {
	lib, _ := newLibrary(t)
	err := lib.RecordUsage(context.Background(), pattern.Ref{Service: "slack", ID: "nope"}, true, time.Second)
	assert.True(t, errors.Is(err, ErrPatternNotFound))
}

func TestSearchFiltersAreConjunctive(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()

	send := newPattern("slack", "send", "Send message")
	send.Metadata.Tags = []string{"chat", "write"}
	search := newPattern("slack", "search", "Search messages")
	search.Category = pattern.CategorySearch
	search.Metadata.Tags = []string{"read"}
	teams := newPattern("teams", "send", "Send message")
	for _, p := range []pattern.Pattern{send, search, teams} {
		_, err := lib.Add(ctx, p)
		require.NoError(t, err)
	}
	require.NoError(t, lib.RecordUsage(ctx, send.Ref(), true, time.Second))

	refs := func(items []pattern.Pattern) []string {
		out := make([]string, 0, len(items))
		for _, p := range items {
			out = append(out, p.Ref().String())
		}
		return out
	}

	got, err := lib.Search(ctx, Filter{Service: "slack"})
	require.NoError(t, err)
	assert.Equal(t, []string{"slack/search", "slack/send"}, refs(got))

	got, err = lib.Search(ctx, Filter{Tags: []string{"read", "write"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"slack/search", "slack/send"}, refs(got))

	got, err = lib.Search(ctx, Filter{Search: "MESSAGE", Category: pattern.CategoryCommunication})
	require.NoError(t, err)
	assert.Equal(t, []string{"slack/send", "teams/send"}, refs(got))

	half := 0.5
	got, err = lib.Search(ctx, Filter{MinSuccessRate: &half})
	require.NoError(t, err)
	assert.Equal(t, []string{"slack/send"}, refs(got))

	got, err = lib.ByCategory(ctx, pattern.CategorySearch)
	require.NoError(t, err)
	assert.Equal(t, []string{"slack/search"}, refs(got))

	got, err = lib.ByService(ctx, "teams")
	require.NoError(t, err)
	assert.Equal(t, []string{"teams/send"}, refs(got))
}

func TestRankingsAndStats(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()
	a, _ := lib.Add(ctx, newPattern("slack", "a", "A"))
	b, _ := lib.Add(ctx, newPattern("slack", "b", "B"))
	c, _ := lib.Add(ctx, newPattern("teams", "c", "C"))
	_ = c

	for i := 0; i < 3; i++ {
		require.NoError(t, lib.RecordUsage(ctx, a.Ref(), i == 0, time.Second))
	}
	require.NoError(t, lib.RecordUsage(ctx, b.Ref(), true, time.Second))

	used, err := lib.MostUsed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, used, 2)
	assert.Equal(t, "a", used[0].ID)
	assert.Equal(t, "b", used[1].ID)

	successful, err := lib.MostSuccessful(ctx, 10)
	require.NoError(t, err)
	require.Len(t, successful, 2, "unused patterns are excluded")
	assert.Equal(t, "b", successful[0].ID)

	stats, err := lib.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalPatterns)
	assert.Equal(t, map[string]int{"slack": 2, "teams": 1}, stats.ByService)
	assert.Equal(t, map[string]int{"communication": 3}, stats.ByCategory)
	assert.Equal(t, 4, stats.TotalUsage)
	assert.InDelta(t, (1.0/3.0+1.0)/2, stats.AverageSuccessRate, 1e-9)
}

func TestSuggestSimilar(t *testing.T) {
	lib, _ := newLibrary(t)
	ctx := context.Background()
	_, _ = lib.Add(ctx, newPattern("slack", "send", "Send message", "channel", "message"))
	_, _ = lib.Add(ctx, newPattern("slack", "archive", "Archive channel", "channel"))
	_, _ = lib.Add(ctx, newPattern("teams", "post", "Post", "message"))

	partial := pattern.Pattern{Service: "slack", Category: pattern.CategoryCommunication, Name: "send", Parameters: []pattern.Parameter{{Name: "channel"}, {Name: "message"}}}
	got, err := lib.SuggestSimilar(ctx, partial, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "send", got[0].Pattern.ID)
	assert.InDelta(t, 100, got[0].Score, 1e-9)
	assert.Equal(t, "archive", got[1].Pattern.ID)
	assert.InDelta(t, 70, got[1].Score, 1e-9)
}

func TestOverlapHandlesEmptyLists(t *testing.T) {
	assert.Zero(t, Overlap(nil, nil))
	assert.False(t, math.IsNaN(Similarity(pattern.Pattern{}, pattern.Pattern{})))
	assert.InDelta(t, 0.5, Overlap([]string{"a"}, []string{"a", "b"}), 1e-9)
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			src, _ := newLibrary(t)
			ctx := context.Background()
			p := newPattern("slack", "send", "Send", "channel")
			p.Parameters[0].Default = value.String("general")
			p.Metadata.Tags = []string{"chat"}
			added, err := src.Add(ctx, p)
			require.NoError(t, err)
			require.NoError(t, src.RecordUsage(ctx, added.Ref(), true, 4*time.Second))

			var buf bytes.Buffer
			n, err := src.Export(ctx, &buf, format)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			dst, _ := newLibrary(t)
			n, err = dst.Import(ctx, &buf, format)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := dst.Get(ctx, added.Ref())
			require.NoError(t, err)
			assert.Equal(t, 1, got.Metadata.UsageCount, "imports keep statistics")
			assert.InDelta(t, 4.0, got.Metadata.AverageDuration, 1e-9)
			assert.Equal(t, []string{"chat"}, got.Metadata.Tags)
			assert.True(t, value.Equal(value.String("general"), got.Parameters[0].Default))
			assert.Len(t, got.Steps, 2)
		})
	}
}

func TestImportRejectsInvalidDocumentAtomically(t *testing.T) {
	lib, _ := newLibrary(t)
	doc := `[{"id":"ok","name":"Ok","service":"s","category":"custom","steps":[{"order":1,"type":"click","selector":"#a"}]},
{"id":"bad","name":"Bad","service":"s","category":"custom","steps":[]}]`
	_, err := lib.Import(context.Background(), bytes.NewBufferString(doc), FormatJSON)
	require.Error(t, err)

	all, err := lib.Search(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
