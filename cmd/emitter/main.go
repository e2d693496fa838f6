package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/KiriruSokoru/whisper-core-server/internal/config"
	"github.com/KiriruSokoru/whisper-core-server/internal/emitter"
	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
	"github.com/KiriruSokoru/whisper-core-server/internal/metrics"
	"github.com/KiriruSokoru/whisper-core-server/internal/queue"
	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "emitter").Info("starting service")

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

	metrics.Serve(cfg.MetricsAddr)

	em := emitter.New(st, q, cfg.BatchSize, metrics.NewEmitter())
	em.Run(ctx)
	log.Info("emitter finished gracefully")
}
