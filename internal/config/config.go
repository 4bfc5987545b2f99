package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/imdario/mergo"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"goflare.io/hearth/internal/utils"
	"goflare.io/hearth/pkg/serialization"
)

// Medium types.
const (
	MediumBadger = "badger"
	MediumRedis  = "redis"
	MediumMemory = "memory"
)

// Config holds every tunable of the cache, the loader, the worker and the
// fetch client. Zero values are filled by NewConfig.
type Config struct {
	Prefix            string        `yaml:"prefix"`
	DefaultExpiration time.Duration `yaml:"default_ttl"`
	Serialization     string        `yaml:"serialization"`

	Medium              MediumConfig      `yaml:"medium"`
	Loader              LoaderConfig      `yaml:"loader"`
	Worker              WorkerConfig      `yaml:"worker"`
	Fetch               FetchConfig       `yaml:"fetch"`
	Visits              VisitsConfig      `yaml:"visits"`
	BloomFilterSettings BloomFilterConfig `yaml:"bloom_filter"`
	ResilienceConfig    ResilienceConfig  `yaml:"-"`

	Logger *zap.Logger `yaml:"-"`
	Clock  utils.Clock `yaml:"-"`
}

// MediumConfig selects and configures the persistence medium.
type MediumConfig struct {
	Type    string      `yaml:"type"`
	Path    string      `yaml:"path"`
	MaxSize int64       `yaml:"max_size"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the remote medium.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoaderConfig configures stale-while-revalidate loads.
type LoaderConfig struct {
	RevalidateTimeout time.Duration `yaml:"revalidate_timeout"`
	ShardCount        uint64        `yaml:"shard_count"`
}

// WorkerConfig configures the service worker cache controller. The version
// must change on every deploy.
type WorkerConfig struct {
	App                 string   `yaml:"app"`
	Version             string   `yaml:"version"`
	Origin              string   `yaml:"origin"`
	APIPrefix           string   `yaml:"api_prefix"`
	FallbackDocument    string   `yaml:"fallback_document"`
	StaticAssets        []string `yaml:"static_assets"`
	CacheableExtensions []string `yaml:"cacheable_extensions"`
	WaitForClients      bool     `yaml:"wait_for_clients"`
}

// CacheName returns the versioned cache name.
func (w WorkerConfig) CacheName() string {
	return w.App + "-" + w.Version
}

// FetchConfig configures the API client.
type FetchConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// VisitsConfig configures the visit recorder.
type VisitsConfig struct {
	LogKey string `yaml:"log_key"`
}

// BloomFilterConfig is for configuring the Bloom filter
type BloomFilterConfig struct {
	ExpectedItems     uint    `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// ResilienceConfig is for configuring circuit breakers
type ResilienceConfig struct {
	GlobalCircuitBreaker gobreaker.Settings
	KeyCircuitBreaker    gobreaker.Settings
}

var (
	ErrShardCountZero = errors.New("shard count must be at least 1")
	ErrEmptyVersion   = errors.New("worker version must not be empty")
)

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Prefix:            "cache_",
		DefaultExpiration: time.Hour,
		Serialization:     serialization.JSONType,
		Medium: MediumConfig{
			Type:    MediumBadger,
			MaxSize: 64 << 20,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				DialTimeout: 2 * time.Second,
			},
		},
		Loader: LoaderConfig{
			RevalidateTimeout: 30 * time.Second,
			ShardCount:        16,
		},
		Worker: WorkerConfig{
			App:              "hearth",
			Version:          "v1",
			APIPrefix:        "/api/",
			FallbackDocument: "/index.html",
			CacheableExtensions: []string{
				".html", ".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".woff", ".woff2",
			},
		},
		Fetch: FetchConfig{
			Timeout:       10 * time.Second,
			RetryAttempts: 2,
			RetryDelay:    time.Second,
		},
		Visits: VisitsConfig{
			LogKey: "visit_logs",
		},
		BloomFilterSettings: BloomFilterConfig{
			ExpectedItems:     1000,
			FalsePositiveRate: 0.01,
		},
		ResilienceConfig: ResilienceConfig{
			GlobalCircuitBreaker: gobreaker.Settings{
				Name:        "GlobalCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
			KeyCircuitBreaker: gobreaker.Settings{
				Name:        "KeyCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 3
				},
			},
		},
		Logger: zap.NewNop(),
		Clock:  utils.SystemClock,
	}
}

// LoadFile reads a YAML configuration file and merges it over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse merges a YAML document over the defaults.
func Parse(data []byte) (*Config, error) {
	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := NewConfig()
	if err := mergo.Merge(cfg, fromFile, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the components rely on.
func (c *Config) Validate() error {
	if c.Loader.ShardCount == 0 {
		return ErrShardCountZero
	}
	if strings.TrimSpace(c.Worker.Version) == "" {
		return ErrEmptyVersion
	}
	if _, err := serialization.ByName(c.Serialization); err != nil {
		return err
	}
	switch c.Medium.Type {
	case MediumBadger, MediumRedis, MediumMemory:
	default:
		return fmt.Errorf("unsupported medium type: %s", c.Medium.Type)
	}
	return nil
}
