// Package medium provides the key/value persistence primitive shared by the
// cache store, the worker cache storage and the visit recorder.
package medium

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
)

// Kind tells how a medium persists its data.
type Kind string

const (
	// KindNative persists to disk (or process memory when no path is set).
	KindNative Kind = "native"
	// KindRemote persists to a remote server.
	KindRemote Kind = "remote"
	// KindPolyfilled is the bounded in-process fallback.
	KindPolyfilled Kind = "polyfilled"
)

const probeKey = "__storage_test__"

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")
	// ErrQuotaExceeded is returned by Set when the medium refuses more data.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrClosed is returned by operations on a closed medium.
	ErrClosed = errors.New("medium closed")
)

// Medium is a flat byte-oriented key/value store.
type Medium interface {
	Name() string
	Kind() Kind
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open builds the configured medium once and probes it. When the medium
// cannot be created or fails the probe, Open falls back to the in-memory
// polyfill instead of failing.
func Open(ctx context.Context, cfg config.MediumConfig, logger *zap.Logger) (Medium, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	preferred, err := build(cfg, logger)
	if err == nil {
		if err = Probe(ctx, preferred); err == nil {
			logger.Debug("Storage medium selected", zap.String("medium", preferred.Name()), zap.String("kind", string(preferred.Kind())))
			return preferred, nil
		}
		if closeErr := preferred.Close(); closeErr != nil {
			logger.Warn("Failed to close unavailable medium", zap.Error(closeErr))
		}
	}

	logger.Warn("Storage medium unavailable, using in-memory fallback", zap.String("medium", cfg.Type), zap.Error(err))
	fallback, fbErr := NewMemory(cfg.MaxSize, logger)
	if fbErr != nil {
		return nil, fmt.Errorf("failed to create fallback medium: %w", fbErr)
	}
	return fallback, nil
}

func build(cfg config.MediumConfig, logger *zap.Logger) (Medium, error) {
	switch cfg.Type {
	case config.MediumBadger:
		return NewBadger(cfg.Path, logger)
	case config.MediumRedis:
		return NewRedis(cfg.Redis, logger)
	case config.MediumMemory, "":
		return NewMemory(cfg.MaxSize, logger)
	default:
		return nil, fmt.Errorf("unsupported medium type: %s", cfg.Type)
	}
}

// Probe writes, reads back and removes a test key.
func Probe(ctx context.Context, m Medium) error {
	if err := m.Set(ctx, probeKey, []byte(probeKey)); err != nil {
		return fmt.Errorf("failed to write probe key: %w", err)
	}
	if _, err := m.Get(ctx, probeKey); err != nil {
		return fmt.Errorf("failed to read probe key: %w", err)
	}
	if err := m.Delete(ctx, probeKey); err != nil {
		return fmt.Errorf("failed to delete probe key: %w", err)
	}
	return nil
}
