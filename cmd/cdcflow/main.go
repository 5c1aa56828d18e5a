package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cdcflow/internal/config"
	"cdcflow/internal/engine"
	"cdcflow/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Error("config", "err", err)
		os.Exit(1)
	}
	logging.Configure(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		logging.L().Error("bootstrap", "err", err)
		os.Exit(1)
	}
	if err := e.Run(ctx); err != nil {
		logging.L().Error("pipeline stopped on error; restart resumes from committed offsets", "state", e.State().String(), "err", err)
		os.Exit(1)
	}
}
