// Package main hosts the queue-consuming worker. It shares the job store
// and object store with the API process and runs the same worker code;
// only /healthz and /metrics are served.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/config"
	"github.com/JakeFAU/s2-index-exporter/internal/logging"
	"github.com/JakeFAU/s2-index-exporter/internal/server"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	logger = logger.Named("worker-process")

	ctx := context.Background()
	app, err := server.BuildWorker(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
