// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

// Command ui serves the postpone dashboard.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/postpone-queue/postpone"
	"github.com/postpone-queue/postpone/config"
	"github.com/postpone-queue/postpone/mysql"
	"github.com/postpone-queue/postpone/postgres"
	"github.com/postpone-queue/postpone/ui/server"
)

func main() {
	var (
		configPath = flag.String("config", "postpone.yaml", "path to the configuration file")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		// A .env file is optional.
		slog.Debug("no .env file found")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Logging)

	st, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("initializing store failed", slog.Any("error", err))
		os.Exit(1)
	}

	m := postpone.New(
		postpone.SetStore(st),
		postpone.SetLogger(logger),
	)
	defer m.Close()

	srv := server.New(m,
		server.SetLogger(logger),
		server.SetRefreshInterval(cfg.UI.RefreshInterval),
	)
	logger.Info("dashboard listening", slog.String("addr", cfg.UI.Addr))
	if err := srv.Serve(cfg.UI.Addr); err != nil {
		logger.Error("dashboard server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newStore(cfg *config.Config, logger *slog.Logger) (postpone.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.NewStore(cfg.Store.DSN,
			postgres.SetLogger(logger),
			postgres.SetListenerIntervals(cfg.Store.ListenMinInterval, cfg.Store.ListenMaxInterval),
		)
	case "mysql":
		return mysql.NewStore(cfg.Store.DSN,
			mysql.SetLogger(logger),
			mysql.SetPollInterval(cfg.Store.PollInterval),
		)
	default:
		return postpone.NewInMemoryStore(), nil
	}
}
