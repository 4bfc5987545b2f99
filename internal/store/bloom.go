package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/medium"
)

// negativeFilter remembers every key written under the store prefix so that
// lookups of keys never written skip the medium.
type negativeFilter struct {
	settings config.BloomFilterConfig
	logger   *zap.Logger

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

func newNegativeFilter(settings config.BloomFilterConfig, logger *zap.Logger) *negativeFilter {
	return &negativeFilter{
		settings: settings,
		logger:   logger,
		filter:   bloom.NewWithEstimates(settings.ExpectedItems, settings.FalsePositiveRate),
	}
}

// Add adds a key to the bloom filter.
func (nf *negativeFilter) Add(key string) {
	nf.mu.Lock()
	nf.filter.AddString(key)
	nf.mu.Unlock()
}

// Test checks if a key might have been written.
func (nf *negativeFilter) Test(key string) bool {
	nf.mu.RLock()
	defer nf.mu.RUnlock()
	return nf.filter.TestString(key)
}

// Rebuild reconstructs the filter from the keys currently in the medium.
func (nf *negativeFilter) Rebuild(ctx context.Context, m medium.Medium, prefix string) error {
	keys, err := m.Keys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list keys for bloom filter: %w", err)
	}

	expected := nf.settings.ExpectedItems
	if n := uint(len(keys)) * 2; n > expected {
		expected = n
	}
	filter := bloom.NewWithEstimates(expected, nf.settings.FalsePositiveRate)
	for _, key := range keys {
		filter.AddString(key)
	}

	nf.mu.Lock()
	nf.filter = filter
	nf.mu.Unlock()

	nf.logger.Debug("Bloom filter rebuilt", zap.Int("keys", len(keys)))
	return nil
}
