package analysis

import (
	"strings"
	"unicode/utf8"
)

const (
	// Texts longer than this are analyzed in chunks.
	longTextThreshold = 8000
	// Per-request token budget for the chunked path.
	chunkTokenBudget = 3000
	// Rough token estimate per character of a word.
	tokensPerChar = 1.3
)

// SplitText breaks text on word boundaries so that each chunk's
// estimated token count stays under maxTokens. The estimate is crude
// but errs on the small side, which is the safe direction for a
// context-limited model.
func SplitText(text string, maxTokens float64) []string {
	words := strings.Fields(text)

	var chunks []string
	var current []string
	est := 0.0

	for _, word := range words {
		cost := float64(utf8.RuneCountInString(word)) * tokensPerChar
		if est+cost > maxTokens && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))
			current = current[:0]
			est = 0
		}
		current = append(current, word)
		est += cost
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// NeedsChunking reports whether the text exceeds the single-request
// threshold.
func NeedsChunking(text string) bool {
	return utf8.RuneCountInString(text) > longTextThreshold
}
