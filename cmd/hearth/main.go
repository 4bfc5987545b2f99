package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"goflare.io/hearth"
	"goflare.io/hearth/internal/config"
)

func main() {
	var (
		addr       = flag.String("addr", ":8088", "listen address")
		configPath = flag.String("config", "", "path to the YAML config file")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *addr, *configPath); err != nil {
		logger.Fatal("hearth stopped", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, addr, configPath string) error {
	opts := []hearth.Option{hearth.WithLogger(logger)}
	if configPath != "" {
		opts = append(opts, hearth.WithConfigFile(configPath))
	}
	h, err := hearth.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Error("Failed to close hearth", zap.Error(err))
		}
	}()

	origin, err := parseOrigin(h.Origin())
	if err != nil {
		return err
	}

	reg := h.NewRegistration(nil)
	if _, err := reg.Register(ctx, h.Version()); err != nil {
		logger.Warn("Worker install incomplete", zap.String("version", h.Version()), zap.Error(err))
	}
	client := reg.NewClient()
	defer client.Release(context.Background())

	if configPath != "" {
		go watchVersion(ctx, reg, configPath, logger)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(h, reg, client, origin, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn("Failed to shut down server", zap.Error(err))
		}
	}()

	logger.Info("hearth listening", zap.String("addr", addr), zap.String("origin", origin.String()), zap.String("version", h.Version()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	h.Wait()
	return nil
}

// watchVersion registers a new worker version whenever worker.version changes
// in the config file. The directory is watched so editors that replace the
// file are seen too.
func watchVersion(ctx context.Context, reg *hearth.Registration, path string, logger *zap.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("Failed to create config watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Error("Failed to watch config", zap.String("path", path), zap.Error(err))
		return
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reload(ctx, reg, path, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func reload(ctx context.Context, reg *hearth.Registration, path string, logger *zap.Logger) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		logger.Warn("Ignoring invalid config", zap.String("path", path), zap.Error(err))
		return
	}
	if ctrl := reg.Active(); ctrl != nil && ctrl.Version() == cfg.Worker.Version {
		return
	}
	if _, err := reg.Register(ctx, cfg.Worker.Version); err != nil {
		logger.Warn("Worker install incomplete", zap.String("version", cfg.Worker.Version), zap.Error(err))
	}
}
