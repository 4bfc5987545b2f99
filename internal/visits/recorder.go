package visits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/medium"
	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/internal/utils"
	"goflare.io/hearth/pkg/serialization"
)

// Receipt is returned after a visit has been recorded.
type Receipt struct {
	Page      string `json:"page"`
	Count     int    `json:"count"`
	TotalSite int    `json:"total_site_visits"`
}

// Recorder appends visits to a log persisted in a medium. Appends are
// serialized so that concurrent visits are never lost.
type Recorder struct {
	medium  medium.Medium
	key     string
	codec   serialization.Codec
	clock   utils.Clock
	logger  *zap.Logger
	metrics *models.Metrics

	mu sync.Mutex
}

// NewRecorder creates a recorder storing its log under cfg.Visits.LogKey.
func NewRecorder(m medium.Medium, cfg *config.Config, metrics *models.Metrics) (*Recorder, error) {
	if m == nil {
		return nil, errors.New("medium is required")
	}
	if cfg.Visits.LogKey == "" {
		return nil, errors.New("visit log key is required")
	}
	codec, err := serialization.ByName(serialization.JSONType)
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

	return &Recorder{
		medium:  m,
		key:     cfg.Visits.LogKey,
		codec:   codec,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Record appends entry to the log. The page is sanitized, the user agent is
// truncated and a missing time is set to now.
func (r *Recorder) Record(ctx context.Context, entry Entry) (Receipt, error) {
	entry.Page = SanitizePage(entry.Page)
	entry.UA = truncate(entry.UA, maxUserAgentLength)
	if entry.Time == "" {
		entry.Time = r.clock.Now().UTC().Format(time.RFC3339)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log, err := r.load(ctx)
	if err != nil {
		return Receipt{}, err
	}
	log = AppendVisit(log, entry)

	data, err := r.codec.Marshal(log)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode visit log: %w", err)
	}
	if err := r.medium.Set(ctx, r.key, data); err != nil {
		return Receipt{}, fmt.Errorf("failed to save visit log: %w", err)
	}

	r.metrics.Visits.Inc()
	stats := CalculateStats(log, r.clock.Now())
	r.logger.Debug("Visit recorded", zap.String("page", entry.Page), zap.Int("total", stats.TotalVisits))

	return Receipt{
		Page:      entry.Page,
		Count:     stats.PageCounts[entry.Page],
		TotalSite: stats.TotalVisits,
	}, nil
}

// Log returns a copy of the persisted log.
func (r *Recorder) Log(ctx context.Context) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// Stats derives the statistics of the persisted log.
func (r *Recorder) Stats(ctx context.Context) (Stats, error) {
	log, err := r.Log(ctx)
	if err != nil {
		return Stats{}, err
	}
	return CalculateStats(log, r.clock.Now()), nil
}

// load must be called with r.mu held.
func (r *Recorder) load(ctx context.Context) ([]Entry, error) {
	data, err := r.medium.Get(ctx, r.key)
	if errors.Is(err, medium.ErrNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load visit log: %w", err)
	}
	return DecodeLog(data), nil
}
