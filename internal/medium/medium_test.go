package medium

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
)

func exerciseMedium(t *testing.T, m Medium) {
	t.Helper()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "cache_a", []byte("1")))
	require.NoError(t, m.Set(ctx, "cache_b", []byte("2")))
	require.NoError(t, m.Set(ctx, "other", []byte("3")))

	data, err := m.Get(ctx, "cache_a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), data)

	require.NoError(t, m.Set(ctx, "cache_a", []byte("overwritten")))
	data, err = m.Get(ctx, "cache_a")
	require.NoError(t, err)
	assert.Equal(t, []byte("overwritten"), data)

	keys, err := m.Keys(ctx, "cache_")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"cache_a", "cache_b"}, keys)

	require.NoError(t, m.Delete(ctx, "cache_a"))
	require.NoError(t, m.Delete(ctx, "cache_a"))
	_, err = m.Get(ctx, "cache_a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Probe(ctx, m))
}

func TestBadgerInMemory(t *testing.T) {
	m, err := NewBadger("", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, KindNative, m.Kind())
	exerciseMedium(t, m)
}

func TestBadgerOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := NewBadger(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "cache_persisted", []byte("yes")))
	require.NoError(t, m.Close())

	reopened, err := NewBadger(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Get(ctx, "cache_persisted")
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), data)
}

func TestMemory(t *testing.T) {
	m, err := NewMemory(1<<20, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, KindPolyfilled, m.Kind())
	exerciseMedium(t, m)
}

func TestMemoryQuotaExceeded(t *testing.T) {
	m, err := NewMemory(1024, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	err = m.Set(context.Background(), "huge", make([]byte, 4096))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestMemoryClosed(t *testing.T) {
	m, err := NewMemory(1024, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryCanceledContext(t *testing.T) {
	m, err := NewMemory(1024, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Set(ctx, "k", []byte("v")), context.Canceled)
}

func TestOpenFallsBackToMemory(t *testing.T) {
	cfg := config.MediumConfig{
		Type:    config.MediumRedis,
		MaxSize: 1 << 20,
		Redis: config.RedisConfig{
			Addr:        "127.0.0.1:1",
			DialTimeout: 50 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, KindPolyfilled, m.Kind())
	assert.Equal(t, "memory", m.Name())
}

func TestOpenUnknownTypeFallsBack(t *testing.T) {
	m, err := Open(context.Background(), config.MediumConfig{Type: "floppy"}, nil)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, KindPolyfilled, m.Kind())
}

func TestOpenBadger(t *testing.T) {
	m, err := Open(context.Background(), config.MediumConfig{Type: config.MediumBadger}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, KindNative, m.Kind())
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `cache_\*\?\[x\]`, escapeGlob("cache_*?[x]"))
	assert.Equal(t, "plain", escapeGlob("plain"))
}

func TestTrackerWithPrefix(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	tr.Add("cache_1")
	tr.Add("cache_2")
	tr.Add("sw_1")
	tr.Remove("cache_2")

	assert.Equal(t, []string{"cache_1"}, tr.WithPrefix(context.Background(), "cache_"))
}
