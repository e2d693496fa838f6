// Package emitter materializes pending transcripts as queue tasks,
// marking each transcript emitted exactly once.
package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
	"github.com/KiriruSokoru/whisper-core-server/internal/metrics"
	"github.com/KiriruSokoru/whisper-core-server/internal/queue"
	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

// Store is the slice of the record store the emitter needs. Pending
// means emitted = false and no analysis record exists.
type Store interface {
	CountPending(ctx context.Context) (int, error)
	SelectPending(ctx context.Context, limit int) ([]store.PendingRow, error)
	MarkEmitted(ctx context.Context, id int64) error
}

// Emitter polls the record store and writes task files into the queue's
// pending directory.
type Emitter struct {
	store     Store
	queue     *queue.Queue
	batchSize int

	cycleInterval time.Duration
	errorBackoff  time.Duration

	log *logrus.Entry
	m   *metrics.Emitter
}

func New(s Store, q *queue.Queue, batchSize int, m *metrics.Emitter) *Emitter {
	return &Emitter{
		store:         s,
		queue:         q,
		batchSize:     batchSize,
		cycleInterval: 30 * time.Second,
		errorBackoff:  60 * time.Second,
		log:           logger.Component("emitter"),
		m:             m,
	}
}

// RunCycle performs one emission pass and returns how many tasks were
// created and how many rows failed (benign races included).
func (e *Emitter) RunCycle(ctx context.Context) (created, failed int, err error) {
	pending, err := e.store.CountPending(ctx)
	if err != nil {
		if e.m != nil {
			e.m.DBErrors.Inc()
		}
		return 0, 0, fmt.Errorf("count pending: %w", err)
	}
	if e.m != nil {
		e.m.ActiveTasks.Set(float64(pending))
	}
	if pending == 0 {
		e.log.Debug("no pending transcripts")
		return 0, 0, nil
	}
	e.log.WithField("pending", pending).Info("pending transcripts found")

	rows, err := e.store.SelectPending(ctx, e.batchSize)
	if err != nil {
		if e.m != nil {
			e.m.DBErrors.Inc()
		}
		return 0, 0, fmt.Errorf("select pending: %w", err)
	}

	// Once a row's task file is written, MarkEmitted must not be severed
	// by shutdown or the file would outlive an unflipped flag; only the
	// gap between rows observes cancellation.
	rowCtx := context.WithoutCancel(ctx)
	for _, row := range rows {
		if ctx.Err() != nil {
			e.log.Info("shutdown requested, stopping emission batch")
			break
		}
		if e.emitOne(rowCtx, row) {
			created++
		} else {
			failed++
		}
	}
	e.log.WithFields(logrus.Fields{"created": created, "failed": failed}).Info("emission cycle finished")
	return created, failed, nil
}

// emitOne writes the task file first and flips the emitted flag only
// once the file has landed. A lost exclusive-create race or any write
// error leaves the transcript eligible for a future cycle.
func (e *Emitter) emitOne(ctx context.Context, row store.PendingRow) bool {
	task := queue.Task{
		ID:        row.ID,
		Text:      row.Text,
		TaskID:    uuid.New().String(),
		CreatedAt: time.Now(),
	}
	log := e.log.WithFields(logrus.Fields{"transcription_id": row.ID, "task_id": task.TaskID})

	ok, err := e.queue.WriteTaskIfAbsent(task)
	if err != nil {
		log.WithError(err).Error("task file write failed")
		if e.m != nil {
			e.m.TasksFailed.Inc()
		}
		return false
	}
	if !ok {
		log.Warn("task file already exists, skipping")
		if e.m != nil {
			e.m.TasksFailed.Inc()
		}
		return false
	}

	if err := e.store.MarkEmitted(ctx, row.ID); err != nil {
		log.WithError(err).Error("could not mark transcript emitted")
		if e.m != nil {
			e.m.DBErrors.Inc()
		}
		return false
	}
	log.WithField("file", task.FileName()).Info("task created")
	if e.m != nil {
		e.m.TasksCreated.Inc()
	}
	return true
}

// Run executes emission cycles until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) {
	e.log.Info("emitter started")
	for {
		start := time.Now()
		if e.m != nil {
			e.m.Iterations.Inc()
		}
		delay := e.cycleInterval
		if _, _, err := e.RunCycle(ctx); err != nil {
			e.log.WithError(err).Error("emission cycle failed")
			delay = e.errorBackoff
		}
		if e.m != nil {
			e.m.ProcessingTime.Observe(time.Since(start).Seconds())
		}

		select {
		case <-ctx.Done():
			e.log.Info("emitter stopped")
			return
		case <-time.After(delay):
		}
	}
}
