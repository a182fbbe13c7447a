// Command poolctl keeps a set of named MySQL connection pools warm and
// exposes their stats over an admin HTTP API. It loads its pool list from a
// YAML file (internal/config), resolves each pool's connection string
// through a PoolRegistry on first touch, and stays alive serving /pools,
// /metrics and friends until SIGINT/SIGTERM, at which point it clears and
// disposes every pool before exiting: load config, build collaborators,
// start servers, wait on a signal, tear down.
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/mysqlconnpool/pool/internal/adminapi"
	"github.com/mysqlconnpool/pool/internal/config"
	"github.com/mysqlconnpool/pool/internal/metrics"
	"github.com/mysqlconnpool/pool/internal/registry"
	"github.com/mysqlconnpool/pool/internal/session"
	"github.com/mysqlconnpool/pool/internal/shutdown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "configs/poolctl.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("poolctl starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "pool_count", len(cfg.Pools))

	m := metrics.New()
	reg := registry.New(session.NewAdapter(), m)

	for name, raw := range cfg.ConnectionStrings() {
		p, err := reg.GetOrCreate(raw)
		if err != nil {
			slog.Error("failed to start pool", "pool", name, "error", err)
			os.Exit(1)
		}
		if p == nil {
			slog.Info("pooling disabled for connection string, skipping", "pool", name)
			continue
		}
		slog.Info("pool started", "pool", name)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		for name, raw := range newCfg.ConnectionStrings() {
			p, err := reg.GetOrCreate(raw)
			if err != nil {
				slog.Warn("failed to start pool from reloaded config", "pool", name, "error", err)
				continue
			}
			if p == nil {
				slog.Info("pooling disabled for connection string, skipping", "pool", name)
			}
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	api := adminapi.NewServer(reg, m.Registry, cfg.Listen.APIBind, cfg.Listen.APIPort)
	if err := api.Start(); err != nil {
		slog.Error("failed to start admin API", "error", err)
		os.Exit(1)
	}

	slog.Info("poolctl ready", "api_addr", cfg.Listen.APIBind, "api_port", cfg.Listen.APIPort)

	shutdown.Hook(reg, shutdownTimeout)

	if watcher != nil {
		watcher.Stop()
	}
	if err := api.Stop(); err != nil {
		slog.Warn("admin API shutdown error", "error", err)
	}

	slog.Info("poolctl stopped")
}
