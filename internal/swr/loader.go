// Package swr implements stale-while-revalidate loads on top of the cache
// store: a cached value is returned at once and refreshed in the background.
package swr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/equal"
	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/internal/store"
	"goflare.io/hearth/internal/utils"
)

// Source tells where the data of a Result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Fetcher produces fresh data for a key.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options tune a single load.
type Options[T any] struct {
	// TTL of the written entry; zero selects the store default.
	TTL time.Duration
	// OnUpdate is called once after a background revalidation stored data
	// that differs from the cached value.
	OnUpdate func(fresh, previous T)
}

// Result is the outcome of a load.
type Result[T any] struct {
	Data   T      `json:"data"`
	Source Source `json:"source"`
	Stale  bool   `json:"stale"`
}

// Loader coordinates loads and background revalidations for one store.
type Loader struct {
	store    *store.Store
	logger   *zap.Logger
	metrics  *models.Metrics
	timeout  time.Duration
	breakers []*gobreaker.CircuitBreaker
	group    singleflight.Group
	wg       sync.WaitGroup
	tracer   trace.Tracer
}

// New creates a loader over s.
func New(s *store.Store, cfg *config.Config, metrics *models.Metrics) (*Loader, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Loader.ShardCount == 0 {
		return nil, config.ErrShardCountZero
	}
	if metrics == nil {
		metrics = models.NewMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	breakers := make([]*gobreaker.CircuitBreaker, cfg.Loader.ShardCount)
	for i := range breakers {
		settings := cfg.ResilienceConfig.KeyCircuitBreaker
		settings.Name = fmt.Sprintf("%s-%d", settings.Name, i)
		breakers[i] = gobreaker.NewCircuitBreaker(settings)
	}

	return &Loader{
		store:    s,
		logger:   logger,
		metrics:  metrics,
		timeout:  cfg.Loader.RevalidateTimeout,
		breakers: breakers,
		tracer:   otel.Tracer("hearth/swr"),
	}, nil
}

// Store returns the underlying cache store.
func (l *Loader) Store() *store.Store {
	return l.store
}

// Invalidate removes key from the cache.
func (l *Loader) Invalidate(ctx context.Context, key string) {
	l.store.Invalidate(ctx, key)
}

// Wait blocks until every background revalidation started so far is done.
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Load returns the cached value for key when there is one and revalidates it
// in the background. Otherwise it waits for fetch, caches the result and
// returns it. Only a failed fetch on a miss is reported as an error.
func Load[T any](ctx context.Context, l *Loader, key string, fetch Fetcher[T], opts Options[T]) (Result[T], error) {
	ctx, span := l.tracer.Start(ctx, "Loader.Load", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	var cached T
	if l.store.Get(ctx, key, &cached) {
		span.SetAttributes(attribute.String("source", string(SourceCache)))
		revalidate(ctx, l, key, fetch, opts, cached)
		return Result[T]{Data: cached, Source: SourceCache, Stale: true}, nil
	}

	span.SetAttributes(attribute.String("source", string(SourceNetwork)))
	fresh, err := fetch(ctx)
	if err != nil {
		span.RecordError(err)
		return Result[T]{}, fmt.Errorf("failed to load %q: %w", key, err)
	}

	l.store.Set(ctx, key, fresh, opts.TTL)
	return Result[T]{Data: fresh, Source: SourceNetwork}, nil
}

// ForceRefresh loads key from the network without reading the cache. The
// cached value is replaced only when the fetch succeeds.
func ForceRefresh[T any](ctx context.Context, l *Loader, key string, fetch Fetcher[T], opts Options[T]) (Result[T], error) {
	ctx, span := l.tracer.Start(ctx, "Loader.ForceRefresh", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	fresh, err := fetch(ctx)
	if err != nil {
		span.RecordError(err)
		return Result[T]{}, fmt.Errorf("failed to refresh %q: %w", key, err)
	}

	l.store.Set(ctx, key, fresh, opts.TTL)
	return Result[T]{Data: fresh, Source: SourceNetwork}, nil
}

// GetCached returns the cached value for key without fetching.
func GetCached[T any](ctx context.Context, l *Loader, key string) (T, bool) {
	var cached T
	ok := l.store.Get(ctx, key, &cached)
	return cached, ok
}

func revalidate[T any](ctx context.Context, l *Loader, key string, fetch Fetcher[T], opts Options[T], cached T) {
	detached := context.WithoutCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		ctx := detached
		if l.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(detached, l.timeout)
			defer cancel()
		}
		ctx, span := l.tracer.Start(ctx, "Loader.Revalidate", trace.WithAttributes(attribute.String("key", key)))
		defer span.End()

		l.metrics.Revalidations.Inc()
		breaker := l.breakers[utils.ShardIndex(uint64(len(l.breakers)), key)]

		// loads of one key with different result types must not share a fetch
		flight := key + "\x00" + reflect.TypeFor[T]().String()
		v, err, _ := l.group.Do(flight, func() (any, error) {
			return breaker.Execute(func() (any, error) {
				return fetch(ctx)
			})
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			l.metrics.RevalidationSkips.Inc()
			l.logger.Debug("Revalidation suppressed by circuit breaker", zap.String("key", key))
			return
		}
		if err != nil {
			l.metrics.RevalidationFailures.Inc()
			span.RecordError(err)
			l.logger.Warn("Background revalidation failed", zap.String("key", key), zap.Error(err))
			return
		}

		fresh, ok := v.(T)
		if !ok {
			l.logger.Error("Revalidation returned an unexpected type", zap.String("key", key))
			return
		}
		if equal.Equal(fresh, cached) {
			return
		}

		l.store.Set(ctx, key, fresh, opts.TTL)
		l.metrics.RevalidationUpdates.Inc()
		span.SetAttributes(attribute.Bool("updated", true))

		if opts.OnUpdate != nil {
			notify(l.logger, key, func() { opts.OnUpdate(fresh, cached) })
		}
	}()
}

func notify(logger *zap.Logger, key string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Update callback panicked", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	f()
}
