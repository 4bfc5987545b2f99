// Package worker implements the offline cache controller of the site: a
// versioned response cache placed in front of the network as an
// http.RoundTripper, with an install and activate lifecycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/models"
)

// State is the lifecycle state of a controller.
type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrInvalidState is returned when a lifecycle step runs out of order.
	ErrInvalidState = errors.New("invalid controller state")
	// ErrOriginRequired is returned when the worker has no origin configured.
	ErrOriginRequired = errors.New("worker origin is required")
)

// Controller serves requests for one cache version.
type Controller struct {
	cfg     config.WorkerConfig
	origin  *url.URL
	storage *CacheStorage
	network http.RoundTripper
	logger  *zap.Logger
	metrics *models.Metrics
	tracer  trace.Tracer
	state   *atomic.Int32
}

// NewController creates a controller in the installing state.
func NewController(cfg config.WorkerConfig, storage *CacheStorage, network http.RoundTripper, logger *zap.Logger, metrics *models.Metrics) (*Controller, error) {
	if strings.TrimSpace(cfg.Version) == "" {
		return nil, config.ErrEmptyVersion
	}
	if cfg.Origin == "" {
		return nil, ErrOriginRequired
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse worker origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrOriginRequired, cfg.Origin)
	}
	if network == nil {
		network = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = models.NewMetrics()
	}

	return &Controller{
		cfg:     cfg,
		origin:  origin,
		storage: storage,
		network: network,
		logger:  logger.With(zap.String("cache", cfg.CacheName())),
		metrics: metrics,
		tracer:  otel.Tracer("hearth/worker"),
		state:   atomic.NewInt32(int32(StateInstalling)),
	}, nil
}

// CacheName returns the versioned cache name.
func (c *Controller) CacheName() string {
	return c.cfg.CacheName()
}

// Version returns the deploy version served by the controller.
func (c *Controller) Version() string {
	return c.cfg.Version
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Install pre-caches the static assets. The set is all or nothing: when one
// asset fails nothing is stored. The controller moves to waiting either way
// and a failure is logged and returned.
func (c *Controller) Install(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Controller.Install", trace.WithAttributes(attribute.String("cache", c.CacheName())))
	defer span.End()

	if c.State() != StateInstalling {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, c.State())
	}
	defer c.state.Store(int32(StateWaiting))

	c.logger.Info("Installing worker cache", zap.Int("assets", len(c.cfg.StaticAssets)))

	if err := c.precache(ctx); err != nil {
		span.RecordError(err)
		c.logger.Error("Failed to cache static assets", zap.Error(err))
		return fmt.Errorf("failed to install %s: %w", c.CacheName(), err)
	}
	return nil
}

func (c *Controller) precache(ctx context.Context) error {
	cache, err := c.storage.Open(ctx, c.CacheName())
	if err != nil {
		return err
	}

	reqs := make([]*http.Request, 0, len(c.cfg.StaticAssets))
	for _, asset := range c.cfg.StaticAssets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(asset), nil)
		if err != nil {
			return fmt.Errorf("failed to build request for %s: %w", asset, err)
		}
		reqs = append(reqs, req)
	}
	return cache.AddAll(ctx, c.network, reqs)
}

// Activate deletes every cache other than the current one and only then
// makes the controller active.
func (c *Controller) Activate(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Controller.Activate", trace.WithAttributes(attribute.String("cache", c.CacheName())))
	defer span.End()

	if c.State() != StateWaiting {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, c.State())
	}

	names, err := c.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("failed to list caches: %w", err)
	}
	for _, name := range names {
		if name == c.CacheName() {
			continue
		}
		c.logger.Info("Deleting old cache", zap.String("old", name))
		if _, err := c.storage.Delete(ctx, name); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to delete old cache %s: %w", name, err)
		}
	}

	c.state.Store(int32(StateActive))
	c.logger.Info("Worker cache activated")
	return nil
}

func (c *Controller) retire() {
	c.state.Store(int32(StateRedundant))
}

// RoundTrip implements http.RoundTripper. A controller that is not active
// leaves every request to the network.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	route := RoutePassThrough
	if c.State() == StateActive {
		route = Classify(req, c.origin, c.cfg.APIPrefix)
	}

	ctx, span := c.tracer.Start(req.Context(), "Controller.RoundTrip", trace.WithAttributes(
		attribute.String("url", req.URL.String()),
		attribute.String("route", route.String()),
	))
	defer span.End()
	req = req.WithContext(ctx)

	switch route {
	case RouteNetworkFirst:
		return c.networkFirst(req)
	case RouteCacheFirst:
		return c.cacheFirst(req)
	default:
		c.metrics.WorkerBypassed.Inc()
		return c.network.RoundTrip(req)
	}
}

func (c *Controller) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	resp, err := c.network.RoundTrip(req)
	if err == nil {
		c.metrics.WorkerNetwork.Inc()
		if storable(resp) {
			c.store(ctx, req, resp)
		}
		return resp, nil
	}

	c.logger.Debug("Network failed, trying cache", zap.String("url", req.URL.String()), zap.Error(err))
	cache, found, lookupErr := c.storage.Lookup(ctx, c.CacheName())
	if lookupErr != nil || !found {
		return nil, err
	}
	if cached, ok := cache.Match(ctx, req); ok {
		c.metrics.WorkerCacheHits.Inc()
		return cached, nil
	}

	if c.cfg.FallbackDocument != "" {
		fallback, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(c.cfg.FallbackDocument), nil)
		if buildErr == nil {
			if cached, ok := cache.Match(ctx, fallback); ok {
				c.metrics.WorkerFallbacks.Inc()
				return cached, nil
			}
		}
	}
	return nil, err
}

func (c *Controller) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	cache, found, err := c.storage.Lookup(ctx, c.CacheName())
	if err != nil {
		c.logger.Warn("Failed to open cache", zap.Error(err))
	} else if !found {
		c.logger.Debug("Cache missing", zap.String("cache", c.CacheName()))
	} else if cached, ok := cache.Match(ctx, req); ok {
		c.metrics.WorkerCacheHits.Inc()
		return cached, nil
	}

	resp, err := c.network.RoundTrip(req)
	if err != nil {
		c.metrics.WorkerOffline.Inc()
		c.logger.Debug("Network failed for asset", zap.String("url", req.URL.String()), zap.Error(err))
		return offline(req), nil
	}

	c.metrics.WorkerNetwork.Inc()
	if storable(resp) && ShouldCache(req.URL.Path, c.cfg.CacheableExtensions) {
		c.store(ctx, req, resp)
	}
	return resp, nil
}

// store writes resp to the current cache while the controller is active.
// A cache deleted by a newer version is not recreated. Failures are logged
// and ignored.
func (c *Controller) store(ctx context.Context, req *http.Request, resp *http.Response) {
	if c.State() != StateActive {
		return
	}
	cache, found, err := c.storage.Lookup(ctx, c.CacheName())
	if err == nil && !found {
		return
	}
	if err == nil {
		err = cache.Put(ctx, req, resp)
	}
	if errors.Is(err, ErrCacheDeleted) {
		return
	}
	if err != nil {
		c.logger.Warn("Failed to cache response", zap.String("url", req.URL.String()), zap.Error(err))
	}
}

func (c *Controller) resolve(p string) string {
	ref, err := url.Parse(p)
	if err != nil {
		return c.origin.String() + p
	}
	return c.origin.ResolveReference(ref).String()
}

func offline(req *http.Request) *http.Response {
	body := "Offline"
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
