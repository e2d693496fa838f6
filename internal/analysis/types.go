package analysis

import "encoding/json"

// Result is the structured payload the model must return for one
// request. All text fields are expected in Russian.
type Result struct {
	Sentiment   string   `json:"sentiment"`
	KeyTopics   []string `json:"key_topics"`
	ActionItems []string `json:"action_items"`
	Summary     string   `json:"summary"`
	CallQuality string   `json:"call_quality"`
}

// Merged is the payload persisted for a transcript analyzed in chunks.
// CombinedAnalysis holds exactly one entry per chunk: the chunk's
// Result on success, or a chunkError marker on failure.
type Merged struct {
	CombinedAnalysis []json.RawMessage `json:"combined_analysis"`
	TotalChunks      int               `json:"total_chunks"`
	CombinedSummary  string            `json:"combined_summary"`
}

type chunkError struct {
	Chunk int    `json:"chunk"`
	Error string `json:"error"`
}
