package main

import (
	"log/slog"
	"os"

	"greenhouse-ops/internal/app"
	"greenhouse-ops/internal/config"
	"greenhouse-ops/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(logger.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)))

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("application run failed", "error", err)
		os.Exit(1)
	}
}
