package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"schoolops/internal/app"
	"schoolops/internal/config"
	"schoolops/internal/faceclient"
	"schoolops/internal/worker"
)

// Worker consumes face check-ins, verifies them and reconciles the result.
func main() {
	cfg := config.Load()
	log := cfg.NewLogger().With("service", "worker")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Warn("face service not available; will retry when events arrive", "error", err)
		} else {
			log.Info("face service connected")
		}
	}

	w := worker.New(engine.Queue, engine.Directory, faceclient.NewChecker(face, cfg.FaceThreshold), engine.Reconciler, engine.Metrics, log)
	log.Info("worker started, waiting for messages")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}
