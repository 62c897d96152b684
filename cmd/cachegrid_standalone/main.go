// cachegrid_standalone boots the storage engine as a single process: it
// opens the page memory, builds a storage manager per configured cache, and
// serves Prometheus metrics until interrupted. It exists for local operation
// and smoke testing; in production the engine is embedded by the cache nodes.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cachegrid/cachegrid/config"
	"github.com/cachegrid/cachegrid/core/database"
	metadirectory "github.com/cachegrid/cachegrid/core/write_engine/meta_directory"
	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
	internaltelemetry "github.com/cachegrid/cachegrid/internal/telemetry"
	"github.com/cachegrid/cachegrid/pkg/logger"
	"github.com/cachegrid/cachegrid/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			zap.NewExample().Fatal("Failed to load config", zap.Error(err))
		}
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		zap.NewExample().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		log.Fatal("Failed to register storage metrics", zap.Error(err))
	}

	pm, err := pagememory.NewDiskPageMemory(cfg.Storage, log, metrics)
	if err != nil {
		log.Fatal("Failed to open page memory", zap.String("dir", cfg.Storage.Dir), zap.Error(err))
	}
	defer pm.Close()

	meta := metadirectory.New(pm, log)

	managers := make(map[uint32]*database.Manager, len(cfg.Caches))
	for _, mc := range cfg.Caches {
		mgr, err := database.NewManager(mc, pm, meta, log, metrics)
		if err != nil {
			log.Fatal("Failed to create storage manager", zap.Uint32("cacheId", mc.CacheID), zap.Error(err))
		}
		managers[mc.CacheID] = mgr
	}

	log.Info("cachegrid storage engine is up",
		zap.Int("caches", len(managers)),
		zap.Int("pageSize", pm.PageSize()),
		zap.Bool("telemetry", cfg.Telemetry.Enabled))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	for cacheID, mgr := range managers {
		stats := mgr.Stats()
		log.Info("Shutting down cache",
			zap.Uint32("cacheId", cacheID),
			zap.Int("reusablePages", stats.ReusablePages),
			zap.Int("trackedPages", stats.TrackedPages),
			zap.Int("indexes", stats.Indexes))
	}
	log.Info("cachegrid storage engine stopped")
}
