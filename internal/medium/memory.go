package medium

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// Memory is the polyfilled medium: a bounded Ristretto cache whose cost is the
// value size in bytes, plus a Tracker for key listing.
type Memory struct {
	cache   *ristretto.Cache
	tracker *Tracker
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates a memory medium holding at most maxSize bytes.
func NewMemory(maxSize int64, logger *zap.Logger) (*Memory, error) {
	if maxSize <= 0 {
		maxSize = 64 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * (maxSize/1024 + 1),
		MaxCost:     maxSize,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item) {
			logger.Debug("Memory medium evicted an entry", zap.Uint64("hash", item.Key))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Ristretto cache: %w", err)
	}

	return &Memory{
		cache:   c,
		tracker: NewTracker(logger),
		logger:  logger,
	}, nil
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Kind() Kind { return KindPolyfilled }

// Get retrieves a value.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return nil, err
	}

	value, found := m.cache.Get(key)
	if !found {
		m.tracker.Remove(key)
		return nil, ErrNotFound
	}
	data, ok := value.([]byte)
	if !ok {
		m.logger.Error("Invalid memory entry type", zap.String("key", key))
		return nil, ErrNotFound
	}
	return data, nil
}

// Set stores a value. A write rejected by the admission policy or the cost
// budget is reported as ErrQuotaExceeded.
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	if !m.cache.Set(key, stored, int64(len(stored))+1) {
		return ErrQuotaExceeded
	}
	m.cache.Wait()
	if _, found := m.cache.Get(key); !found {
		return ErrQuotaExceeded
	}
	m.tracker.Add(key)
	return nil
}

// Delete removes a value.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return err
	}
	m.cache.Del(key)
	m.cache.Wait()
	m.tracker.Remove(key)
	return nil
}

// Keys lists the live keys with the given prefix.
func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return nil, err
	}

	var live []string
	for _, key := range m.tracker.WithPrefix(ctx, prefix) {
		if _, found := m.cache.Get(key); found {
			live = append(live, key)
			continue
		}
		m.tracker.Remove(key)
	}
	return live, nil
}

// Close releases the cache.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.cache.Close()
	return nil
}

// usable must be called with m.mu held.
func (m *Memory) usable(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if m.closed {
		return ErrClosed
	}
	return nil
}
