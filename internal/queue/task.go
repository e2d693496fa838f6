package queue

import (
	"fmt"
	"time"
)

// Task is the JSON payload exchanged through the queue directory. The
// emitter writes id/text/task_id/created_at; the worker augments the
// claimed copy with transcription_id and, when analysis succeeded but
// the store insert did not, a failure_reason marker.
type Task struct {
	ID            int64     `json:"id"`
	Text          string    `json:"text"`
	TaskID        string    `json:"task_id"`
	CreatedAt     time.Time `json:"created_at"`
	TranscriptID  int64     `json:"transcription_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// FileName embeds the transcript id for operators grepping the queue
// and the task id for uniqueness.
func (t Task) FileName() string {
	return fmt.Sprintf("task_%d_%s.json", t.ID, t.TaskID)
}
