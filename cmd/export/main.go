package main

import (
	"context"
	"flag"

	"github.com/joho/godotenv"

	"github.com/KiriruSokoru/whisper-core-server/internal/config"
	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
	"github.com/KiriruSokoru/whisper-core-server/internal/report"
	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

func main() {
	out := flag.String("out", "analysis-report.xlsx", "output spreadsheet path")
	limit := flag.Int("limit", 1000, "maximum number of analyzed calls to export")
	flag.Parse()

	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "export").Info("exporting analyzed calls")

	cfg := config.Load()
	ctx := context.Background()

	st, err := store.Connect(ctx, cfg.DB)
	if err != nil {
		log.WithError(err).Fatal("record store unavailable")
	}
	defer st.Close()

	rows, err := st.ListAnalyzed(ctx, *limit)
	if err != nil {
		log.WithError(err).Fatal("could not load analyzed calls")
	}
	if err := report.Write(*out, rows); err != nil {
		log.WithError(err).Fatal("could not write report")
	}
	log.WithField("rows", len(rows)).WithField("path", *out).Info("report written")
}
