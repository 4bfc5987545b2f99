package hearth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/fetch"
	"goflare.io/hearth/internal/medium"
	"goflare.io/hearth/internal/metrics"
	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/internal/store"
	"goflare.io/hearth/internal/swr"
	"goflare.io/hearth/internal/visits"
	"goflare.io/hearth/internal/worker"
)

// NoExpiration 表示快取項目永不過期
const NoExpiration = store.NoExpiration

// 對外公開的型別別名
type (
	Stats        = store.Stats
	VisitEntry   = visits.Entry
	VisitStats   = visits.Stats
	VisitReceipt = visits.Receipt
	Registration = worker.Registration
	Controller   = worker.Controller
	Client       = worker.Client
)

// Source 表示資料的來源
type Source string

const (
	SourceCache   Source = Source(swr.SourceCache)
	SourceNetwork Source = Source(swr.SourceNetwork)
)

// Result 是 Load 的結果
type Result[T any] struct {
	Data   T      `json:"data"`
	Source Source `json:"source"`
	Stale  bool   `json:"stale"`
}

// LoadOptions 設定單次 Load 的行為
type LoadOptions[T any] struct {
	TTL      time.Duration
	OnUpdate func(fresh, previous T)
}

// Hearth 定義 Hearth 庫的主要結構體
type Hearth struct {
	cfg      *config.Config
	medium   medium.Medium
	store    *store.Store
	loader   *swr.Loader
	recorder *visits.Recorder
	client   *fetch.Client
	storage  *worker.CacheStorage
	metrics  *models.Metrics
	exporter *metrics.Exporter
	logger   *zap.Logger

	closeOnce sync.Once
}

// New 初始化 Hearth 庫，接受多個配置選項
func New(ctx context.Context, opts ...Option) (*Hearth, error) {
	// 初始化默認配置
	cfg := config.NewConfig()

	// 應用選項
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// 選擇儲存媒介，不可用時退回記憶體
	m, err := medium.Open(ctx, cfg.Medium, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open medium: %w", err)
	}

	h, err := build(ctx, cfg, m)
	if err != nil {
		if closeErr := m.Close(); closeErr != nil {
			cfg.Logger.Warn("Failed to close medium", zap.Error(closeErr))
		}
		return nil, err
	}
	return h, nil
}

func build(ctx context.Context, cfg *config.Config, m medium.Medium) (*Hearth, error) {
	counters := models.NewMetrics()

	s, err := store.New(ctx, m, cfg, counters)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	loader, err := swr.New(s, cfg, counters)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loader: %w", err)
	}
	recorder, err := visits.NewRecorder(m, cfg, counters)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize visit recorder: %w", err)
	}
	client, err := fetch.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fetch client: %w", err)
	}
	exporter, err := metrics.NewExporter(counters)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return &Hearth{
		cfg:      cfg,
		medium:   m,
		store:    s,
		loader:   loader,
		recorder: recorder,
		client:   client,
		storage:  worker.NewCacheStorage(m, cfg.Logger),
		metrics:  counters,
		exporter: exporter,
		logger:   cfg.Logger,
	}, nil
}

// Set 設置快取項目
func (h *Hearth) Set(ctx context.Context, key string, value any, ttl ...time.Duration) {
	h.store.Set(ctx, key, value, ttl...)
}

// Get 獲取快取項目
func (h *Hearth) Get(ctx context.Context, key string, value any) bool {
	return h.store.Get(ctx, key, value)
}

// Has 檢查快取項目是否存在
func (h *Hearth) Has(ctx context.Context, key string) bool {
	return h.store.Has(ctx, key)
}

// Invalidate 刪除快取項目
func (h *Hearth) Invalidate(ctx context.Context, key string) {
	h.store.Invalidate(ctx, key)
}

// Clear 清空所有快取
func (h *Hearth) Clear(ctx context.Context) {
	h.store.Clear(ctx)
}

// ClearExpired 清除過期的快取項目
func (h *Hearth) ClearExpired(ctx context.Context) int {
	return h.store.ClearExpired(ctx)
}

// Stats 回傳快取統計
func (h *Hearth) Stats(ctx context.Context) Stats {
	return h.store.Stats(ctx)
}

// Load 先回傳快取，再於背景重新驗證
func Load[T any](ctx context.Context, h *Hearth, key string, fetcher func(context.Context) (T, error), opts LoadOptions[T]) (Result[T], error) {
	res, err := swr.Load[T](ctx, h.loader, key, fetcher, swr.Options[T](opts))
	return Result[T]{Data: res.Data, Source: Source(res.Source), Stale: res.Stale}, err
}

// ForceRefresh 略過快取直接從網路載入
func ForceRefresh[T any](ctx context.Context, h *Hearth, key string, fetcher func(context.Context) (T, error), opts LoadOptions[T]) (Result[T], error) {
	res, err := swr.ForceRefresh[T](ctx, h.loader, key, fetcher, swr.Options[T](opts))
	return Result[T]{Data: res.Data, Source: Source(res.Source), Stale: res.Stale}, err
}

// GetCached 只讀取快取
func GetCached[T any](ctx context.Context, h *Hearth, key string) (T, bool) {
	return swr.GetCached[T](ctx, h.loader, key)
}

// FetchJSON 回傳一個從 API 讀取 JSON 的 fetcher
func FetchJSON[T any](h *Hearth, endpoint string, params url.Values) func(context.Context) (T, error) {
	return fetch.GetJSON[T](h.client, endpoint, params)
}

// Fetch 直接呼叫 API
func (h *Hearth) Fetch(ctx context.Context, endpoint string, params url.Values, out any) error {
	return h.client.Get(ctx, endpoint, params, out)
}

// RecordVisit 記錄一次造訪
func (h *Hearth) RecordVisit(ctx context.Context, entry VisitEntry) (VisitReceipt, error) {
	return h.recorder.Record(ctx, entry)
}

// VisitStats 回傳造訪統計
func (h *Hearth) VisitStats(ctx context.Context) (VisitStats, error) {
	return h.recorder.Stats(ctx)
}

// NewRegistration 建立 worker 註冊，network 為 nil 時使用默認 transport
func (h *Hearth) NewRegistration(network http.RoundTripper) *Registration {
	return worker.NewRegistration(h.cfg.Worker, h.storage, network, h.logger, h.metrics)
}

// Version 回傳設定的 worker 版本
func (h *Hearth) Version() string {
	return h.cfg.Worker.Version
}

// Origin 回傳 worker 服務的來源
func (h *Hearth) Origin() string {
	return h.cfg.Worker.Origin
}

// MetricsHandler 回傳 Prometheus 指標的 handler
func (h *Hearth) MetricsHandler() http.Handler {
	return h.exporter.Handler()
}

// Wait 等待所有背景重新驗證完成
func (h *Hearth) Wait() {
	h.loader.Wait()
}

// Close 關閉 Hearth 庫，釋放資源
func (h *Hearth) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.loader.Wait()
		if closeErr := h.medium.Close(); closeErr != nil {
			err = errors.Join(ErrCloseFailed, closeErr)
		}
	})
	return err
}
