package medium

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Tracker tracks the keys held by a medium that cannot enumerate them.
type Tracker struct {
	trackedKeys sync.Map
	logger      *zap.Logger
}

// NewTracker creates a new Tracker instance.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger,
	}
}

// Add adds a key to the tracker.
func (t *Tracker) Add(key string) {
	t.trackedKeys.Store(key, struct{}{})
}

// Remove removes a key from the tracker.
func (t *Tracker) Remove(key string) {
	t.trackedKeys.Delete(key)
}

// Range iterates over all tracked keys until f returns false or ctx is done.
func (t *Tracker) Range(ctx context.Context, f func(key string) bool) {
	t.trackedKeys.Range(func(k, _ any) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			if strKey, ok := k.(string); ok {
				return f(strKey)
			}
			t.logger.Warn("Invalid key type in Tracker", zap.Any("key", k))
			return true
		}
	})
}

// WithPrefix returns the tracked keys starting with prefix.
func (t *Tracker) WithPrefix(ctx context.Context, prefix string) []string {
	var keys []string
	t.Range(ctx, func(key string) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}
