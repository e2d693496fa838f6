package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/KiriruSokoru/whisper-core-server/internal/config"
	"github.com/KiriruSokoru/whisper-core-server/internal/ingest"
	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
	"github.com/KiriruSokoru/whisper-core-server/internal/metrics"
	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "ingestor").Info("starting service")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DB)
	if err != nil {
		log.WithError(err).Fatal("record store unavailable")
	}
	defer st.Close()

	metrics.Serve(cfg.MetricsAddr)

	in := ingest.New(st, cfg.InboxDir, cfg.ArchiveDir, metrics.NewIngestor())
	in.Run(ctx)
}
