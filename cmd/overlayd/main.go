package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/oceanbits/overlay-engine/internal/app/server"
	"github.com/oceanbits/overlay-engine/internal/core/config"
	"github.com/oceanbits/overlay-engine/internal/core/observability"
	"github.com/oceanbits/overlay-engine/internal/logger"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "overlayd",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting overlayd",
		"addr", cfg.Addr,
		"version", Version,
		"workers", cfg.WorkerCount,
		"queue_driver", cfg.Jobs.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, appLog); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
