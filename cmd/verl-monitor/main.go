// verl-monitor serves the monitor HTTP API over a checkpoint root: liveness,
// Prometheus metrics, registered engine backends, and the checkpoint index.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/yottalabsai/verl/checkpoint"
	"github.com/yottalabsai/verl/engine"
	"github.com/yottalabsai/verl/internal/config"
	"github.com/yottalabsai/verl/telemetry"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("verl-monitor: starting",
		"monitor_addr", cfg.MonitorAddr,
		"ckpt_root", cfg.CheckpointRoot,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := checkpoint.NewManager(ctx, cfg.CheckpointRoot, logger)
	if err != nil {
		log.Fatalf("failed to open checkpoint root: %v", err)
	}
	defer mgr.Close()

	// Backends register in-process when this module is embedded; the
	// standalone monitor serves an empty registry.
	srv := telemetry.NewServer(cfg.MonitorAddr, engine.NewRegistry(), mgr, logger)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("monitor error: %v", err)
	}
}
