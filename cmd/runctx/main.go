package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/runctx/internal/api"
	"github.com/seantiz/runctx/internal/config"
	"github.com/seantiz/runctx/internal/device"
	"github.com/seantiz/runctx/internal/engine"
	"github.com/seantiz/runctx/internal/execctx"
	"github.com/seantiz/runctx/internal/host"
	"github.com/seantiz/runctx/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("runctx: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"device_provider", cfg.DeviceProvider,
	)

	var defaults map[string]string
	if cfg.ParamsFile != "" {
		params, err := config.LoadParams(cfg.ParamsFile)
		if err != nil {
			log.Fatalf("failed to load parameters: %v", err)
		}
		// Reject bad defaults at startup rather than on every session.
		ec := execctx.New()
		unused, err := ec.Update(params)
		if err != nil {
			log.Fatalf("invalid default parameters in %s: %v", cfg.ParamsFile, err)
		}
		if len(unused) > 0 {
			logger.Warn("default parameters might not be used", "params", unused)
		}
		logger.Info("default parameters loaded", "file", cfg.ParamsFile, "values", ec.Values())
		defaults = params
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	registry := device.NewRegistry()
	registry.Register(device.Static(device.ProviderNone, 0))
	registry.Register(device.NewEnvProvider(cfg.VisibleDevicesVar))
	registry.Register(&device.SysfsProvider{Root: cfg.DevRoot})

	devices, err := registry.Resolve(cfg.DeviceProvider)
	if err != nil {
		log.Fatalf("failed to resolve device provider: %v", err)
	}

	eng := engine.NewEngine(db, devices, logger,
		engine.WithConcurrency(host.Capped(cfg.ThreadCap)),
		engine.WithDefaults(defaults),
		engine.WithMaxThreads(cfg.MaxThreads),
	)

	srv := api.NewServer(cfg.ListenAddr, db, registry, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
