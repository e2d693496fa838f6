// Package analysis claims queue tasks, runs them through the inference
// service and persists the outcome.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
	"github.com/KiriruSokoru/whisper-core-server/internal/metrics"
	"github.com/KiriruSokoru/whisper-core-server/internal/queue"
	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

// failureAnalyzedUnsaved marks a task whose analysis succeeded but
// whose store insert did not, so an external requeue sweep can tell it
// apart from tasks that were never analyzed.
const failureAnalyzedUnsaved = "analyzed_unsaved"

// minTextLength rejects tasks whose text is too short to analyze,
// counted in characters, not bytes.
const minTextLength = 10

// Analyzer is the inference client the worker drives.
type Analyzer interface {
	Healthy(ctx context.Context) bool
	Analyze(ctx context.Context, text string) (json.RawMessage, error)
	Model() string
}

// Store persists analysis outcomes.
type Store interface {
	InsertAnalysis(ctx context.Context, transcriptionID int64, payload []byte, model string) error
}

// Worker is the analysis stage: claim, analyze, persist, relocate.
type Worker struct {
	queue  *queue.Queue
	client Analyzer
	store  Store

	chunkPause    time.Duration
	sweepInterval time.Duration
	errorBackoff  time.Duration

	log *logrus.Entry
	m   *metrics.Worker
}

func New(q *queue.Queue, client Analyzer, s Store, m *metrics.Worker) *Worker {
	return &Worker{
		queue:         q,
		client:        client,
		store:         s,
		chunkPause:    2 * time.Second,
		sweepInterval: 15 * time.Second,
		errorBackoff:  30 * time.Second,
		log:           logger.Component("worker"),
		m:             m,
	}
}

// ProcessTask runs one claimed task end to end and reports success.
// The caller owns the claim and relocates the file afterwards.
func (w *Worker) ProcessTask(ctx context.Context, name string) bool {
	task, err := w.queue.ReadProcessing(name)
	if err != nil {
		w.log.WithField("task", name).WithError(err).Error("task file unreadable")
		return false
	}
	log := w.log.WithFields(logrus.Fields{"task_id": task.TaskID, "transcription_id": task.ID})

	text := strings.TrimSpace(task.Text)
	if utf8.RuneCountInString(text) < minTextLength {
		log.Warn("task text empty or too short")
		return false
	}

	if !w.client.Healthy(ctx) {
		log.Error("inference service unavailable, task not analyzed")
		return false
	}

	start := time.Now()
	payload, err := w.analyze(ctx, text, log)
	if w.m != nil {
		w.m.AnalysisTime.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		log.WithError(err).Error("analysis failed")
		return false
	}

	// Augment the claimed copy so terminal task files carry the link
	// back to the record store.
	task.TranscriptID = task.ID
	if err := w.store.InsertAnalysis(ctx, task.ID, payload, w.client.Model()); err != nil {
		if errors.Is(err, store.ErrDuplicateAnalysis) {
			// A redelivered task: the result is already in the store,
			// so this copy fails without the unsaved marker.
			log.Warn("analysis already recorded, dropping redelivered task")
			if werr := w.queue.RewriteProcessing(name, task); werr != nil {
				log.WithError(werr).Warn("could not augment task file")
			}
			return false
		}
		log.WithError(err).Error("analysis could not be persisted")
		task.FailureReason = failureAnalyzedUnsaved
		if werr := w.queue.RewriteProcessing(name, task); werr != nil {
			log.WithError(werr).Warn("could not mark task analyzed-but-unsaved")
		}
		return false
	}
	if err := w.queue.RewriteProcessing(name, task); err != nil {
		log.WithError(err).Warn("could not augment task file")
	}
	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("task analyzed and persisted")
	return true
}

// analyze picks the single-request or chunked path by text length.
func (w *Worker) analyze(ctx context.Context, text string, log *logrus.Entry) (json.RawMessage, error) {
	if !NeedsChunking(text) {
		return w.client.Analyze(ctx, text)
	}
	log.WithField("length", len(text)).Info("long text, analyzing in chunks")
	if w.m != nil {
		w.m.ChunkedTasks.Inc()
	}
	return w.analyzeChunks(ctx, text, log)
}

// analyzeChunks analyzes each chunk independently and merges the
// results. Every chunk contributes exactly one entry: failed chunks are
// recorded as error markers, never dropped. If no chunk succeeded there
// is nothing worth persisting and the task fails.
func (w *Worker) analyzeChunks(ctx context.Context, text string, log *logrus.Entry) (json.RawMessage, error) {
	chunks := SplitText(text, chunkTokenBudget)
	entries := make([]json.RawMessage, 0, len(chunks))
	succeeded := 0

	for i, chunk := range chunks {
		if i > 0 {
			// Pause between requests to respect service throughput.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.chunkPause):
			}
		}
		log.WithField("chunk", i+1).WithField("chunks", len(chunks)).Info("analyzing chunk")

		result, err := w.client.Analyze(ctx, chunk)
		if err != nil {
			log.WithField("chunk", i+1).WithError(err).Warn("chunk analysis failed")
			marker, _ := json.Marshal(chunkError{Chunk: i + 1, Error: errorTag(err)})
			entries = append(entries, marker)
			continue
		}
		entries = append(entries, result)
		succeeded++
	}

	if succeeded == 0 {
		return nil, fmt.Errorf("all %d chunks failed", len(chunks))
	}

	merged, err := json.Marshal(Merged{
		CombinedAnalysis: entries,
		TotalChunks:      len(chunks),
		CombinedSummary:  "Анализ выполнен по частям из-за большого объема текста",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal merged analysis: %w", err)
	}
	return merged, nil
}

func errorTag(err error) string {
	if _, ok := err.(*ParseError); ok {
		return "invalid_json"
	}
	return "request_failed"
}

// Sweep claims and processes every pending task once.
func (w *Worker) Sweep(ctx context.Context) error {
	names, err := w.queue.Pending()
	if err != nil {
		return err
	}
	if len(names) > 0 {
		w.log.WithField("tasks", len(names)).Info("pending tasks found")
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		if !w.queue.Claim(name) {
			// Another worker won the rename; their success, not our error.
			continue
		}

		// A claimed task runs to completion even during shutdown; only
		// the gap between tasks observes cancellation. The client's own
		// request timeout still bounds the inference call.
		ok := w.ProcessTask(context.WithoutCancel(ctx), name)

		var moveErr error
		if ok {
			moveErr = w.queue.Complete(name)
		} else {
			moveErr = w.queue.Fail(name)
		}
		if moveErr != nil {
			w.log.WithField("task", name).WithError(moveErr).Error("relocation failed")
			w.queue.FailFromAnywhere(name)
		}

		if w.m != nil {
			if ok {
				w.m.TasksCompleted.Inc()
			} else {
				w.m.TasksFailed.Inc()
			}
		}
	}
	return nil
}

// Run sweeps the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("analysis worker started")
	for {
		delay := w.sweepInterval
		if err := w.Sweep(ctx); err != nil {
			w.log.WithError(err).Error("sweep failed")
			delay = w.errorBackoff
		}
		select {
		case <-ctx.Done():
			w.log.Info("analysis worker stopped")
			return
		case <-time.After(delay):
		}
	}
}
