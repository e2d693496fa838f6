package queue

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id int64) Task {
	return Task{
		ID:        id,
		Text:      "разговор о доставке",
		TaskID:    "0f8fad5b-d9cb-469f-a165-70867728950e",
		CreatedAt: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpenCreatesStateDirs(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root)
	require.NoError(t, err)
	for _, d := range []string{DirPending, DirProcessing, DirCompleted, DirFailed} {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWriteTaskIfAbsentExclusive(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	task := newTask(7)
	ok, err := q.WriteTaskIfAbsent(task)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second writer with the same path loses without error.
	ok, err = q.WriteTaskIfAbsent(task)
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"task_7_0f8fad5b-d9cb-469f-a165-70867728950e.json"}, names)
}

func TestClaimExclusivity(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	task := newTask(1)
	_, err = q.WriteTaskIfAbsent(task)
	require.NoError(t, err)
	name := task.FileName()

	const workers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			wins <- q.Claim(name)
		}()
	}
	close(start)
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one claim must succeed")
	assert.True(t, q.InDir(DirProcessing, name))
	assert.False(t, q.InDir(DirPending, name))
}

func TestClaimMissingTask(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.False(t, q.Claim("task_9_nope.json"))
}

func TestTerminalMoves(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, tc := range []struct {
		id       int64
		move     func(string) error
		terminal string
	}{
		{1, q.Complete, DirCompleted},
		{2, q.Fail, DirFailed},
	} {
		task := newTask(tc.id)
		_, err := q.WriteTaskIfAbsent(task)
		require.NoError(t, err)
		require.True(t, q.Claim(task.FileName()))
		require.NoError(t, tc.move(task.FileName()))

		assert.True(t, q.InDir(tc.terminal, task.FileName()))
		assert.False(t, q.InDir(DirProcessing, task.FileName()))
	}
}

func TestReadAndRewriteProcessing(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	task := newTask(3)
	_, err = q.WriteTaskIfAbsent(task)
	require.NoError(t, err)
	require.True(t, q.Claim(task.FileName()))

	got, err := q.ReadProcessing(task.FileName())
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Text, got.Text)
	assert.Zero(t, got.TranscriptID)

	got.TranscriptID = got.ID
	got.FailureReason = "analyzed_unsaved"
	require.NoError(t, q.RewriteProcessing(task.FileName(), got))

	again, err := q.ReadProcessing(task.FileName())
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.TranscriptID)
	assert.Equal(t, "analyzed_unsaved", again.FailureReason)
}

func TestFailFromAnywhere(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	// Still in pending.
	a := newTask(4)
	_, err = q.WriteTaskIfAbsent(a)
	require.NoError(t, err)
	q.FailFromAnywhere(a.FileName())
	assert.True(t, q.InDir(DirFailed, a.FileName()))

	// Already claimed.
	b := newTask(5)
	_, err = q.WriteTaskIfAbsent(b)
	require.NoError(t, err)
	require.True(t, q.Claim(b.FileName()))
	q.FailFromAnywhere(b.FileName())
	assert.True(t, q.InDir(DirFailed, b.FileName()))

	// Gone entirely: no panic, no effect.
	q.FailFromAnywhere("task_6_missing.json")
}

func TestPendingIgnoresNonTaskFiles(t *testing.T) {
	root := t.TempDir()
	q, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, DirPending, "notes.tmp"), []byte("x"), 0o644))
	task := newTask(8)
	_, err = q.WriteTaskIfAbsent(task)
	require.NoError(t, err)

	names, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{task.FileName()}, names)
}
