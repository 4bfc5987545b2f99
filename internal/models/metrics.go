package models

import "go.uber.org/atomic"

// Metrics holds the process-wide counters. They are exported to Prometheus by
// internal/metrics.
type Metrics struct {
	Hits          *atomic.Int64
	Misses        *atomic.Int64
	Writes        *atomic.Int64
	WriteFailures *atomic.Int64
	Evictions     *atomic.Int64

	Revalidations        *atomic.Int64
	RevalidationUpdates  *atomic.Int64
	RevalidationFailures *atomic.Int64
	RevalidationSkips    *atomic.Int64

	WorkerNetwork   *atomic.Int64
	WorkerCacheHits *atomic.Int64
	WorkerFallbacks *atomic.Int64
	WorkerOffline   *atomic.Int64
	WorkerBypassed  *atomic.Int64

	Visits *atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		Hits:          atomic.NewInt64(0),
		Misses:        atomic.NewInt64(0),
		Writes:        atomic.NewInt64(0),
		WriteFailures: atomic.NewInt64(0),
		Evictions:     atomic.NewInt64(0),

		Revalidations:        atomic.NewInt64(0),
		RevalidationUpdates:  atomic.NewInt64(0),
		RevalidationFailures: atomic.NewInt64(0),
		RevalidationSkips:    atomic.NewInt64(0),

		WorkerNetwork:   atomic.NewInt64(0),
		WorkerCacheHits: atomic.NewInt64(0),
		WorkerFallbacks: atomic.NewInt64(0),
		WorkerOffline:   atomic.NewInt64(0),
		WorkerBypassed:  atomic.NewInt64(0),

		Visits: atomic.NewInt64(0),
	}
}
