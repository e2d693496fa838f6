package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports that model output contained no usable JSON object.
// It is the only failure the sanitizer produces.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model output parse failure: %s", e.Reason)
}

// ExtractJSON locates the first balanced JSON object in raw model
// output and returns it validated. Markdown fences and prose around the
// object carry no braces, so the scan skips them without any stripping
// that could mutate backticks inside string values.
func ExtractJSON(raw string) (string, error) {
	if raw == "" {
		return "", &ParseError{Reason: "empty output"}
	}

	s := raw
	start := strings.Index(s, "{")
	if start == -1 {
		return "", &ParseError{Reason: "no JSON object found"}
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := strings.TrimSpace(s[start : i+1])
				if !json.Valid([]byte(candidate)) {
					return "", &ParseError{Reason: "candidate object is not valid JSON"}
				}
				return candidate, nil
			}
		}
	}
	return "", &ParseError{Reason: "unbalanced JSON object"}
}

// containsCyrillic reports whether the text has at least one Russian
// letter. Used to warn when the model ignored the language instruction.
func containsCyrillic(text string) bool {
	for _, r := range strings.ToLower(text) {
		if (r >= 'а' && r <= 'я') || r == 'ё' {
			return true
		}
	}
	return false
}
