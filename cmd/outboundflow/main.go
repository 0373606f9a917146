package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/RealZimboGuy/outboundflow/internal/config"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow"
)

func main() {
	if err := config.Load(); err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	outboundflow.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := outboundflow.New(ctx)
	if err != nil {
		slog.Error("Failed to start service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		slog.Error("Service exited with error", "error", err)
	}
}
