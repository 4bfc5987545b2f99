package hearth

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/utils"
	"goflare.io/hearth/pkg/serialization"
)

// Option 定義初始化 Hearth 的選項接口
type Option func(*config.Config) error

// Clock 提供目前時間，測試時可替換
type Clock = utils.Clock

// WithConfigFile 從 YAML 檔案載入配置，之後的選項會覆蓋檔案內容
func WithConfigFile(path string) Option {
	return func(cfg *config.Config) error {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		loaded.Logger = cfg.Logger
		loaded.Clock = cfg.Clock
		*cfg = *loaded
		return nil
	}
}

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config.Config) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		cfg.Logger = logger
		return nil
	}
}

// WithClock 設置時間來源
func WithClock(clock Clock) Option {
	return func(cfg *config.Config) error {
		if clock == nil {
			return fmt.Errorf("clock must not be nil")
		}
		cfg.Clock = clock
		return nil
	}
}

// WithPrefix 設置快取鍵的前綴
func WithPrefix(prefix string) Option {
	return func(cfg *config.Config) error {
		cfg.Prefix = prefix
		return nil
	}
}

// WithDefaultExpiration 設置默認的過期時間
func WithDefaultExpiration(ttl time.Duration) Option {
	return func(cfg *config.Config) error {
		if ttl <= 0 {
			return fmt.Errorf("default expiration must be positive, got %s", ttl)
		}
		cfg.DefaultExpiration = ttl
		return nil
	}
}

// WithSerialization 設置序列化方式
func WithSerialization(serializer string) Option {
	return func(cfg *config.Config) error {
		if _, err := serialization.ByName(serializer); err != nil {
			return err
		}
		cfg.Serialization = serializer
		return nil
	}
}

// WithBadger 使用 Badger 作為儲存媒介，path 為空時使用記憶體模式
func WithBadger(path string) Option {
	return func(cfg *config.Config) error {
		cfg.Medium.Type = config.MediumBadger
		cfg.Medium.Path = path
		return nil
	}
}

// WithRedis 使用 Redis 作為儲存媒介
func WithRedis(addr, password string, db int) Option {
	return func(cfg *config.Config) error {
		cfg.Medium.Type = config.MediumRedis
		cfg.Medium.Redis.Addr = addr
		cfg.Medium.Redis.Password = password
		cfg.Medium.Redis.DB = db
		return nil
	}
}

// WithMemory 使用記憶體作為儲存媒介，maxSize 為字節數
func WithMemory(maxSize int64) Option {
	return func(cfg *config.Config) error {
		cfg.Medium.Type = config.MediumMemory
		cfg.Medium.MaxSize = maxSize
		return nil
	}
}

// WithShardCount 設置重新驗證斷路器的分片數量
func WithShardCount(shardCount uint64) Option {
	return func(cfg *config.Config) error {
		if shardCount == 0 {
			return config.ErrShardCountZero
		}
		cfg.Loader.ShardCount = shardCount
		return nil
	}
}

// WithRevalidateTimeout 設置背景重新驗證的逾時
func WithRevalidateTimeout(timeout time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.Loader.RevalidateTimeout = timeout
		return nil
	}
}

// WithWorker 設置 worker 的應用名稱、版本與來源
func WithWorker(app, version, origin string) Option {
	return func(cfg *config.Config) error {
		cfg.Worker.App = app
		cfg.Worker.Version = version
		cfg.Worker.Origin = origin
		return nil
	}
}

// WithStaticAssets 設置安裝時預先快取的資源
func WithStaticAssets(assets ...string) Option {
	return func(cfg *config.Config) error {
		cfg.Worker.StaticAssets = append([]string(nil), assets...)
		return nil
	}
}

// WithWaitForClients 新版本安裝後等待所有舊客戶端關閉才啟用
func WithWaitForClients(wait bool) Option {
	return func(cfg *config.Config) error {
		cfg.Worker.WaitForClients = wait
		return nil
	}
}

// WithAPI 設置 API 的基礎網址、逾時與重試
func WithAPI(baseURL string, timeout time.Duration, retryAttempts int) Option {
	return func(cfg *config.Config) error {
		if retryAttempts < 0 {
			return fmt.Errorf("retry attempts must not be negative, got %d", retryAttempts)
		}
		cfg.Fetch.BaseURL = baseURL
		cfg.Fetch.Timeout = timeout
		cfg.Fetch.RetryAttempts = retryAttempts
		return nil
	}
}

// WithBloomFilter 設置布隆過濾器參數
func WithBloomFilter(expectedItems uint, falsePositiveRate float64) Option {
	return func(cfg *config.Config) error {
		if expectedItems == 0 || falsePositiveRate <= 0 || falsePositiveRate >= 1 {
			return fmt.Errorf("invalid bloom filter settings: %d items, rate %f", expectedItems, falsePositiveRate)
		}
		cfg.BloomFilterSettings.ExpectedItems = expectedItems
		cfg.BloomFilterSettings.FalsePositiveRate = falsePositiveRate
		return nil
	}
}
