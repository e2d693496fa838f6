// Package metrics registers the Prometheus instruments scraped from
// each daemon and serves the /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
)

// Serve exposes /metrics on addr in the background. A scrape endpoint
// failing must not take a daemon down, so errors are only logged.
func Serve(addr string) {
	log := logger.Component("metrics").WithField("addr", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics endpoint terminated")
		}
	}()
}

// Ingestor counts inbox sweep outcomes.
type Ingestor struct {
	FilesIngested prometheus.Counter
	Duplicates    prometheus.Counter
	Rejected      prometheus.Counter
}

func NewIngestor() *Ingestor {
	return &Ingestor{
		FilesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_files_ingested", Help: "Transcript files stored"}),
		Duplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_duplicates", Help: "Files skipped as already stored"}),
		Rejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_rejected", Help: "Files rejected as malformed or empty"}),
	}
}

// Emitter carries the task generator instrument set.
type Emitter struct {
	TasksCreated   prometheus.Counter
	TasksFailed    prometheus.Counter
	DBErrors       prometheus.Counter
	ActiveTasks    prometheus.Gauge
	Iterations     prometheus.Counter
	ProcessingTime prometheus.Histogram
}

func NewEmitter() *Emitter {
	return &Emitter{
		TasksCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "generator_tasks_created", Help: "Total tasks created"}),
		TasksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "generator_tasks_failed", Help: "Total tasks failed"}),
		DBErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "generator_db_errors", Help: "Total database errors"}),
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "generator_active_tasks", Help: "Transcripts currently pending emission"}),
		Iterations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "generator_iterations", Help: "Total generator iterations"}),
		ProcessingTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "generator_processing_time", Help: "Time spent processing one cycle"}),
	}
}

// Worker carries the analysis worker instrument set.
type Worker struct {
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	ChunkedTasks   prometheus.Counter
	AnalysisTime   prometheus.Histogram
}

func NewWorker() *Worker {
	return &Worker{
		TasksCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_tasks_completed", Help: "Tasks analyzed and persisted"}),
		TasksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_tasks_failed", Help: "Tasks routed to failed"}),
		ChunkedTasks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_chunked_tasks", Help: "Tasks analyzed in chunks"}),
		AnalysisTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_analysis_time_seconds",
			Help:    "Wall time of one task analysis",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
