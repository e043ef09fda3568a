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

// version is set at build time with -ldflags "-X main.version=...".
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

	ctx := context.Background()
	app, err := server.BuildAPI(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("exporter stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
