package main

import (
	"os"

	"github.com/LastBotInc/coralie-captions-worker/internal/config"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
	"github.com/LastBotInc/coralie-captions-worker/internal/version"
	"github.com/LastBotInc/coralie-captions-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to load configuration: %v", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)

	logging.Info(logging.CategoryApp, "starting coralie-captions-worker version=%s", version.Version)

	w, err := worker.NewWorker(cfg)
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to create worker: %v", err)
		os.Exit(1)
	}

	// Blocks until a signal or a dropped connection.
	if err := w.Start(); err != nil {
		logging.Fail(logging.CategoryApp, "worker failed: %v", err)
		os.Exit(1)
	}

	logging.Info(logging.CategoryApp, "worker shutdown complete")
}
