package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiriruSokoru/whisper-core-server/internal/queue"
	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

type fakeAnalyzer struct {
	healthy   bool
	calls     int
	failCalls map[int]error // 1-based call number -> error
	result    json.RawMessage
	delay     time.Duration
	started   chan struct{} // closed when the first Analyze begins
}

func (f *fakeAnalyzer) Healthy(context.Context) bool { return f.healthy }

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ string) (json.RawMessage, error) {
	f.calls++
	if f.started != nil && f.calls == 1 {
		close(f.started)
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err, ok := f.failCalls[f.calls]; ok {
		return nil, err
	}
	if f.result != nil {
		return f.result, nil
	}
	return json.RawMessage(`{"sentiment": "нейтральный", "summary": "ок"}`), nil
}

func (f *fakeAnalyzer) Model() string { return "test-model" }

type fakePersister struct {
	inserted map[int64]json.RawMessage
	err      error
}

func newFakePersister() *fakePersister {
	return &fakePersister{inserted: map[int64]json.RawMessage{}}
}

func (f *fakePersister) InsertAnalysis(_ context.Context, id int64, payload []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.inserted[id]; ok {
		// Mirrors the unique constraint on transcription_id.
		return fmt.Errorf("insert analysis for %d: %w", id, store.ErrDuplicateAnalysis)
	}
	f.inserted[id] = json.RawMessage(payload)
	return nil
}

func newTestWorker(t *testing.T, fa *fakeAnalyzer, fp *fakePersister) (*Worker, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	w := New(q, fa, fp, nil)
	w.chunkPause = time.Millisecond
	return w, q
}

func enqueue(t *testing.T, q *queue.Queue, id int64, text string) string {
	t.Helper()
	task := queue.Task{ID: id, Text: text, TaskID: fmt.Sprintf("uuid-%d", id), CreatedAt: time.Now()}
	ok, err := q.WriteTaskIfAbsent(task)
	require.NoError(t, err)
	require.True(t, ok)
	return task.FileName()
}

func TestSweepCompletesTask(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)
	name := enqueue(t, q, 42, "клиент спрашивал про сроки доставки заказа")

	require.NoError(t, w.Sweep(context.Background()))

	assert.True(t, q.InDir(queue.DirCompleted, name))
	assert.False(t, q.InDir(queue.DirPending, name))
	assert.False(t, q.InDir(queue.DirProcessing, name))
	require.Contains(t, fp.inserted, int64(42))
}

func TestSweepShortTextFails(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)
	// 16 bytes but only 8 characters: the minimum counts characters.
	name := enqueue(t, q, 1, "приветик")

	require.NoError(t, w.Sweep(context.Background()))

	assert.True(t, q.InDir(queue.DirFailed, name))
	assert.Zero(t, fa.calls, "service must not be contacted for rejected text")
	assert.Empty(t, fp.inserted)
}

func TestSweepUnhealthyServiceFails(t *testing.T) {
	fa := &fakeAnalyzer{healthy: false}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)
	name := enqueue(t, q, 2, "обычный разговор с оператором поддержки")

	require.NoError(t, w.Sweep(context.Background()))

	assert.True(t, q.InDir(queue.DirFailed, name))
	assert.Zero(t, fa.calls)
	assert.Empty(t, fp.inserted)
}

func TestSweepAnalysisFailureRoutesToFailed(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true, failCalls: map[int]error{1: errors.New("HTTP 500")}}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)
	name := enqueue(t, q, 3, "обычный разговор с оператором поддержки")

	require.NoError(t, w.Sweep(context.Background()))

	assert.True(t, q.InDir(queue.DirFailed, name))
	assert.Empty(t, fp.inserted, "no analysis record on failure")
}

func TestSweepPersistFailureMarksAnalyzedUnsaved(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true}
	fp := newFakePersister()
	fp.err = errors.New("insert failed")
	w, q := newTestWorker(t, fa, fp)
	name := enqueue(t, q, 4, "обычный разговор с оператором поддержки")

	require.NoError(t, w.Sweep(context.Background()))
	require.True(t, q.InDir(queue.DirFailed, name))

	// The terminal file distinguishes "analyzed but unsaved".
	data := readTerminal(t, q, queue.DirFailed, name)
	assert.Equal(t, "analyzed_unsaved", data.FailureReason)
	assert.Equal(t, int64(4), data.TranscriptID)
}

func TestSweepAugmentsCompletedTask(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)
	name := enqueue(t, q, 5, "обычный разговор с оператором поддержки")

	require.NoError(t, w.Sweep(context.Background()))
	data := readTerminal(t, q, queue.DirCompleted, name)
	assert.Equal(t, int64(5), data.TranscriptID)
	assert.Empty(t, data.FailureReason)
}

func TestChunkedAnalysisMergesAllChunks(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true, failCalls: map[int]error{2: &ParseError{Reason: "bad json"}}}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)

	longText := strings.TrimSpace(strings.Repeat("разговор про доставку и оплату заказа ", 400))
	require.Greater(t, len([]rune(longText)), longTextThreshold)
	name := enqueue(t, q, 6, longText)

	require.NoError(t, w.Sweep(context.Background()))
	require.True(t, q.InDir(queue.DirCompleted, name))

	var merged Merged
	require.NoError(t, json.Unmarshal(fp.inserted[6], &merged))

	expected := len(SplitText(longText, chunkTokenBudget))
	assert.Equal(t, expected, merged.TotalChunks)
	assert.Len(t, merged.CombinedAnalysis, expected, "one entry per chunk, failures included")

	// The failed chunk appears as an error marker, not a silent gap.
	var marker chunkError
	require.NoError(t, json.Unmarshal(merged.CombinedAnalysis[1], &marker))
	assert.Equal(t, 2, marker.Chunk)
	assert.Equal(t, "invalid_json", marker.Error)
}

func TestChunkedAnalysisAllChunksFailedFailsTask(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true, failCalls: map[int]error{}}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)

	longText := strings.TrimSpace(strings.Repeat("разговор про доставку и оплату заказа ", 400))
	chunks := len(SplitText(longText, chunkTokenBudget))
	for i := 1; i <= chunks; i++ {
		fa.failCalls[i] = errors.New("HTTP 500")
	}
	name := enqueue(t, q, 7, longText)

	require.NoError(t, w.Sweep(context.Background()))
	assert.True(t, q.InDir(queue.DirFailed, name))
	assert.Empty(t, fp.inserted)
}

func TestSweepFinishesInFlightTaskOnShutdown(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true, delay: 50 * time.Millisecond, started: make(chan struct{})}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)
	first := enqueue(t, q, 1, "обычный разговор с оператором поддержки")
	second := enqueue(t, q, 2, "обычный разговор с оператором поддержки")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Sweep(ctx) }()
	<-fa.started
	cancel()
	require.NoError(t, <-done)

	// The claimed task ran to completion despite the cancellation.
	assert.True(t, q.InDir(queue.DirCompleted, first))
	assert.Contains(t, fp.inserted, int64(1))
	// The next task was left unclaimed for another worker.
	assert.True(t, q.InDir(queue.DirPending, second))
	assert.Equal(t, 1, fa.calls)
}

func TestSweepRedeliveredTaskNotPersistedTwice(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)
	text := "обычный разговор с оператором поддержки"
	first := enqueue(t, q, 11, text)

	// A second task file for the same transcript, as left behind when a
	// write succeeded but the emitted flag did not flip.
	redelivered := queue.Task{ID: 11, Text: text, TaskID: "zz-redelivered", CreatedAt: time.Now()}
	ok, err := q.WriteTaskIfAbsent(redelivered)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, w.Sweep(context.Background()))

	assert.True(t, q.InDir(queue.DirCompleted, first))
	assert.True(t, q.InDir(queue.DirFailed, redelivered.FileName()))
	assert.Len(t, fp.inserted, 1)

	// A duplicate is not mistaken for an analyzed-but-unsaved task.
	data := readTerminal(t, q, queue.DirFailed, redelivered.FileName())
	assert.Empty(t, data.FailureReason)
}

func TestShortTextSingleRequest(t *testing.T) {
	fa := &fakeAnalyzer{healthy: true}
	fp := newFakePersister()
	w, q := newTestWorker(t, fa, fp)
	enqueue(t, q, 8, strings.Repeat("а", longTextThreshold))

	require.NoError(t, w.Sweep(context.Background()))
	assert.Equal(t, 1, fa.calls)

	// Single-request payloads carry no chunk metadata.
	var asMap map[string]interface{}
	require.NoError(t, json.Unmarshal(fp.inserted[8], &asMap))
	assert.NotContains(t, asMap, "total_chunks")
}

func readTerminal(t *testing.T, q *queue.Queue, dir, name string) queue.Task {
	t.Helper()
	task, err := q.ReadFrom(dir, name)
	require.NoError(t, err)
	return task
}
