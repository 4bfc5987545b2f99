// Package store implements the namespaced TTL cache store. Values are kept as
// JSON inside a timestamped envelope and checked for expiry at read time.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/medium"
	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/internal/utils"
	"goflare.io/hearth/pkg/serialization"
)

// NoExpiration stores an entry that never expires.
const NoExpiration time.Duration = -1

// Stats describes the entries currently held under the store prefix.
type Stats struct {
	Count  int   `json:"count"`
	Size   int64 `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Store is the cache store. None of its operations report errors: storage
// failures are logged and a failed read is a miss.
type Store struct {
	medium     medium.Medium
	codec      serialization.Codec
	prefix     string
	defaultTTL time.Duration
	clock      utils.Clock
	logger     *zap.Logger
	metrics    *models.Metrics
	filter     *negativeFilter
	tracer     trace.Tracer
}

// New creates a store over m. The negative-lookup filter is seeded from the
// keys already present in m.
func New(ctx context.Context, m medium.Medium, cfg *config.Config, metrics *models.Metrics) (*Store, error) {
	if m == nil {
		return nil, errors.New("medium is required")
	}
	codec, err := serialization.ByName(cfg.Serialization)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = models.NewMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = utils.SystemClock
	}

	s := &Store{
		medium:     m,
		codec:      codec,
		prefix:     cfg.Prefix,
		defaultTTL: cfg.DefaultExpiration,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		filter:     newNegativeFilter(cfg.BloomFilterSettings, logger),
		tracer:     otel.Tracer("hearth/store"),
	}

	if err := s.filter.Rebuild(ctx, m, s.prefix); err != nil {
		return nil, fmt.Errorf("failed to seed bloom filter: %w", err)
	}
	return s, nil
}

// Prefix returns the namespace prepended to every key.
func (s *Store) Prefix() string {
	return s.prefix
}

// Get decodes the live value stored under key into out and reports whether
// one was found. Expired and undecodable entries are removed and reported as
// absent.
func (s *Store) Get(ctx context.Context, key string, out any) bool {
	ctx, span := s.tracer.Start(ctx, "Store.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	entry, ok := s.load(ctx, key)
	if !ok {
		s.metrics.Misses.Inc()
		span.SetAttributes(attribute.Bool("hit", false))
		return false
	}

	if err := json.Unmarshal(entry.Value, out); err != nil {
		s.logger.Warn("Discarding undecodable cache value", zap.String("key", key), zap.Error(err))
		s.remove(ctx, key)
		s.metrics.Misses.Inc()
		return false
	}

	s.metrics.Hits.Inc()
	span.SetAttributes(attribute.Bool("hit", true))
	return true
}

// Entry returns the envelope stored under key, if live.
func (s *Store) Entry(ctx context.Context, key string) (*models.Entry, bool) {
	ctx, span := s.tracer.Start(ctx, "Store.Entry", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	return s.load(ctx, key)
}

// Has reports whether a live entry exists under key.
func (s *Store) Has(ctx context.Context, key string) bool {
	_, ok := s.Entry(ctx, key)
	return ok
}

// Set stores value under key. A missing or zero ttl selects the default TTL
// and NoExpiration stores the entry without expiry. When the medium is full,
// expired entries are purged and the write is retried once.
func (s *Store) Set(ctx context.Context, key string, value any, ttl ...time.Duration) {
	ctx, span := s.tracer.Start(ctx, "Store.Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to encode cache value", zap.String("key", key), zap.Error(err))
		s.metrics.WriteFailures.Inc()
		return
	}

	lifetime := utils.GetExpirationTime(s.defaultTTL, ttl...)
	if lifetime < 0 {
		lifetime = NoExpiration
	}
	entry := models.NewEntry(raw, s.clock.Now(), lifetime)

	data, err := s.codec.Marshal(entry)
	if err != nil {
		s.logger.Error("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		s.metrics.WriteFailures.Inc()
		return
	}

	full := s.prefix + key
	err = s.medium.Set(ctx, full, data)
	if errors.Is(err, medium.ErrQuotaExceeded) {
		purged := s.ClearExpired(ctx)
		s.logger.Warn("Storage quota exceeded, retrying after purge", zap.String("key", key), zap.Int("purged", purged))
		err = s.medium.Set(ctx, full, data)
	}
	if err != nil {
		s.logger.Error("Failed to write cache entry", zap.String("key", key), zap.Error(err))
		s.metrics.WriteFailures.Inc()
		span.RecordError(err)
		return
	}

	s.filter.Add(full)
	s.metrics.Writes.Inc()
}

// Invalidate removes key. Removing an absent key is a no-op.
func (s *Store) Invalidate(ctx context.Context, key string) {
	ctx, span := s.tracer.Start(ctx, "Store.Invalidate", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	s.remove(ctx, key)
}

// Clear removes every entry under the store prefix and leaves other keys of
// the medium alone.
func (s *Store) Clear(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "Store.Clear")
	defer span.End()

	keys, err := s.medium.Keys(ctx, s.prefix)
	if err != nil {
		s.logger.Error("Failed to list cache keys", zap.Error(err))
		return
	}
	for _, full := range keys {
		if err := s.medium.Delete(ctx, full); err != nil {
			s.logger.Warn("Failed to delete cache entry", zap.String("key", full), zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("removed", len(keys)))
}

// ClearExpired removes expired and undecodable entries and returns how many
// were removed.
func (s *Store) ClearExpired(ctx context.Context) int {
	ctx, span := s.tracer.Start(ctx, "Store.ClearExpired")
	defer span.End()

	keys, err := s.medium.Keys(ctx, s.prefix)
	if err != nil {
		s.logger.Error("Failed to list cache keys", zap.Error(err))
		return 0
	}

	now := s.clock.Now()
	removed := 0
	for _, full := range keys {
		data, err := s.medium.Get(ctx, full)
		if err != nil {
			continue
		}
		var entry models.Entry
		if err := s.codec.Unmarshal(data, &entry); err == nil && entry.Valid() && !entry.IsExpired(now) {
			continue
		}
		if err := s.medium.Delete(ctx, full); err != nil {
			s.logger.Warn("Failed to delete expired entry", zap.String("key", full), zap.Error(err))
			continue
		}
		removed++
	}

	s.metrics.Evictions.Add(int64(removed))
	span.SetAttributes(attribute.Int("removed", removed))
	return removed
}

// Stats counts the entries under the store prefix and their encoded size.
func (s *Store) Stats(ctx context.Context) Stats {
	ctx, span := s.tracer.Start(ctx, "Store.Stats")
	defer span.End()

	stats := Stats{
		Hits:   s.metrics.Hits.Load(),
		Misses: s.metrics.Misses.Load(),
	}

	keys, err := s.medium.Keys(ctx, s.prefix)
	if err != nil {
		s.logger.Error("Failed to list cache keys", zap.Error(err))
		return stats
	}
	for _, full := range keys {
		data, err := s.medium.Get(ctx, full)
		if err != nil {
			continue
		}
		stats.Count++
		stats.Size += int64(len(full) + len(data))
	}
	return stats
}

func (s *Store) load(ctx context.Context, key string) (*models.Entry, bool) {
	full := s.prefix + key
	if !s.filter.Test(full) {
		return nil, false
	}

	data, err := s.medium.Get(ctx, full)
	if err != nil {
		if !errors.Is(err, medium.ErrNotFound) {
			s.logger.Warn("Failed to read cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var entry models.Entry
	if err := s.codec.Unmarshal(data, &entry); err != nil || !entry.Valid() {
		s.logger.Warn("Discarding corrupted cache entry", zap.String("key", key), zap.Error(err))
		s.remove(ctx, key)
		return nil, false
	}

	if entry.IsExpired(s.clock.Now()) {
		s.remove(ctx, key)
		s.metrics.Evictions.Inc()
		return nil, false
	}
	return &entry, true
}

func (s *Store) remove(ctx context.Context, key string) {
	if err := s.medium.Delete(ctx, s.prefix+key); err != nil {
		s.logger.Warn("Failed to delete cache entry", zap.String("key", key), zap.Error(err))
	}
}
