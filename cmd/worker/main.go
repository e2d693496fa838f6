package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/KiriruSokoru/whisper-core-server/internal/analysis"
	"github.com/KiriruSokoru/whisper-core-server/internal/config"
	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
	"github.com/KiriruSokoru/whisper-core-server/internal/metrics"
	"github.com/KiriruSokoru/whisper-core-server/internal/queue"
	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "worker").Info("starting service")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DB)
	if err != nil {
		log.WithError(err).Fatal("record store unavailable")
	}
	defer st.Close()

	q, err := queue.Open(cfg.QueueDir)
	if err != nil {
		log.WithError(err).Fatal("queue directory unavailable")
	}

	client := analysis.NewClient(cfg.LMStudioURL, cfg.LMModel)
	if !client.Healthy(ctx) {
		log.Warn("inference service unreachable at startup, will keep polling")
	}

	metrics.Serve(cfg.MetricsAddr)

	w := analysis.New(q, client, st, metrics.NewWorker())
	w.Run(ctx)
	log.Info("worker finished gracefully")
}
