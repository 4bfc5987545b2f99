package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/medium"
	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/pkg/serialization"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type star struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
	Mag float64 `json:"mag"`
}

func newTestStore(t *testing.T, m medium.Medium) (*Store, *fakeClock) {
	t.Helper()
	if m == nil {
		var err error
		m, err = medium.NewBadger("", zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close() })
	}

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := config.NewConfig()
	cfg.Clock = clock

	s, err := New(context.Background(), m, cfg, models.NewMetrics())
	require.NoError(t, err)
	return s, clock
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "greeting", map[string]any{"hello": "world", "n": 3})

	var got map[string]any
	require.True(t, s.Get(ctx, "greeting", &got))
	assert.Equal(t, map[string]any{"hello": "world", "n": float64(3)}, got)
}

func TestGetMissingKey(t *testing.T) {
	s, _ := newTestStore(t, nil)

	var got string
	assert.False(t, s.Get(context.Background(), "never-set", &got))
	assert.False(t, s.Has(context.Background(), "never-set"))
}

func TestExpiryBoundary(t *testing.T) {
	s, clock := newTestStore(t, nil)
	ctx := context.Background()

	stars := []star{{RA: 1, Dec: 2, Mag: 3}}
	s.Set(ctx, "stars_12", stars, 3600000*time.Millisecond)

	clock.Advance(59 * time.Minute)
	var got []star
	require.True(t, s.Get(ctx, "stars_12", &got))
	assert.Equal(t, stars, got)

	clock.Advance(2 * time.Minute)
	assert.False(t, s.Get(ctx, "stars_12", &got))

	_, err := s.medium.Get(ctx, "cache_stars_12")
	assert.ErrorIs(t, err, medium.ErrNotFound, "expired entry is removed on read")
}

func TestExpiryIsStrict(t *testing.T) {
	s, clock := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "k", "v", time.Minute)
	clock.Advance(time.Minute)
	assert.True(t, s.Has(ctx, "k"), "age equal to ttl is still live")

	clock.Advance(time.Millisecond)
	assert.False(t, s.Has(ctx, "k"))
}

func TestDefaultAndNoExpiration(t *testing.T) {
	s, clock := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "default", 1)
	s.Set(ctx, "zero", 2, 0)
	s.Set(ctx, "forever", 3, NoExpiration)

	entry, ok := s.Entry(ctx, "default")
	require.True(t, ok)
	lifetime, set := entry.Lifetime()
	require.True(t, set)
	assert.Equal(t, time.Hour, lifetime)

	clock.Advance(time.Hour + time.Second)
	assert.False(t, s.Has(ctx, "default"))
	assert.False(t, s.Has(ctx, "zero"))

	clock.Advance(24 * 365 * time.Hour)
	var got int
	require.True(t, s.Get(ctx, "forever", &got))
	assert.Equal(t, 3, got)
}

func TestEntryTimestamp(t *testing.T) {
	s, clock := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "k", "v")
	entry, ok := s.Entry(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, clock.Now().UnixMilli(), entry.Timestamp)
}

func TestOverwriteAndInvalidate(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "k", "first")
	s.Set(ctx, "k", "second")

	var got string
	require.True(t, s.Get(ctx, "k", &got))
	assert.Equal(t, "second", got)

	s.Invalidate(ctx, "k")
	assert.False(t, s.Get(ctx, "k", &got))

	s.Invalidate(ctx, "k")
}

func TestCorruptedEntryIsAbsent(t *testing.T) {
	m, err := medium.NewMemory(1<<20, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "cache_broken", []byte("{not json")))
	require.NoError(t, m.Set(ctx, "cache_novalue", []byte(`{"timestamp":1700000000000,"ttl":null}`)))

	s, _ := newTestStore(t, m)

	var got any
	assert.False(t, s.Get(ctx, "broken", &got))
	assert.False(t, s.Get(ctx, "novalue", &got), "entry without a value is corrupted")

	_, err = m.Get(ctx, "cache_broken")
	assert.ErrorIs(t, err, medium.ErrNotFound)
	_, err = m.Get(ctx, "cache_novalue")
	assert.ErrorIs(t, err, medium.ErrNotFound)
}

func TestEntryWrittenAtEpochIsLive(t *testing.T) {
	s, clock := newTestStore(t, nil)
	ctx := context.Background()
	clock.Advance(time.UnixMilli(0).Sub(clock.Now()))

	s.Set(ctx, "k", "v", time.Hour)

	var got string
	require.True(t, s.Get(ctx, "k", &got))
	assert.Equal(t, "v", got)

	clock.Advance(time.Hour + time.Millisecond)
	assert.False(t, s.Get(ctx, "k", &got))
}

func TestUndecodableValueIsAbsent(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "k", "a string")

	var got int
	assert.False(t, s.Get(ctx, "k", &got))
	assert.False(t, s.Has(ctx, "k"))
}

func TestUnencodableValueIsNotStored(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "k", make(chan int))
	assert.False(t, s.Has(ctx, "k"))
	assert.Equal(t, int64(1), s.metrics.WriteFailures.Load())
}

func TestClearOnlyTouchesPrefix(t *testing.T) {
	m, err := medium.NewBadger("", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "visit_logs", []byte("[]")))

	s, _ := newTestStore(t, m)
	s.Set(ctx, "a", 1)
	s.Set(ctx, "b", 2)

	assert.Equal(t, 2, s.Stats(ctx).Count)
	s.Clear(ctx)
	assert.Equal(t, 0, s.Stats(ctx).Count)

	data, err := m.Get(ctx, "visit_logs")
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), data)
}

func TestClearExpired(t *testing.T) {
	s, clock := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "short", 1, time.Minute)
	s.Set(ctx, "long", 2, time.Hour)
	s.Set(ctx, "forever", 3, NoExpiration)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.ClearExpired(ctx))

	stats := s.Stats(ctx)
	assert.Equal(t, 2, stats.Count)
	assert.Positive(t, stats.Size)
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	s.Set(ctx, "k", 1)
	var got int
	s.Get(ctx, "k", &got)
	s.Get(ctx, "missing", &got)

	stats := s.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGobSerialization(t *testing.T) {
	m, err := medium.NewBadger("", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	cfg := config.NewConfig()
	cfg.Serialization = serialization.GobType

	s, err := New(context.Background(), m, cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	s.Set(ctx, "k", []string{"a", "b"})
	s.Set(ctx, "forever", true, NoExpiration)

	var got []string
	require.True(t, s.Get(ctx, "k", &got))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.True(t, s.Has(ctx, "forever"))
}

func TestFilterSeededFromMedium(t *testing.T) {
	m, err := medium.NewBadger("", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	first, _ := newTestStore(t, m)
	first.Set(ctx, "persisted", "yes")

	second, _ := newTestStore(t, m)
	var got string
	require.True(t, second.Get(ctx, "persisted", &got))
	assert.Equal(t, "yes", got)
}

// quotaMedium refuses the first write of every key until it is reset.
type quotaMedium struct {
	medium.Medium
	mu      sync.Mutex
	refused int
	limit   int
}

func (q *quotaMedium) Set(ctx context.Context, key string, value []byte) error {
	q.mu.Lock()
	if q.refused < q.limit {
		q.refused++
		q.mu.Unlock()
		return medium.ErrQuotaExceeded
	}
	q.mu.Unlock()
	return q.Medium.Set(ctx, key, value)
}

func TestQuotaExceededRetriesOnceAfterPurge(t *testing.T) {
	inner, err := medium.NewBadger("", zap.NewNop())
	require.NoError(t, err)
	defer inner.Close()

	q := &quotaMedium{Medium: inner}
	s, clock := newTestStore(t, q)
	ctx := context.Background()

	s.Set(ctx, "old", 1, time.Minute)
	clock.Advance(2 * time.Minute)

	q.limit = 1
	s.Set(ctx, "new", 2)
	assert.True(t, s.Has(ctx, "new"))
	_, err = inner.Get(ctx, "cache_old")
	assert.ErrorIs(t, err, medium.ErrNotFound, "expired entries are purged before the retry")

	q.limit = 3
	s.Set(ctx, "dropped", 3)
	assert.False(t, s.Has(ctx, "dropped"))
	assert.Equal(t, int64(1), s.metrics.WriteFailures.Load())
}
