// Package llmjson extracts JSON objects from free-form model output. The
// model is asked for bare JSON but routinely wraps it in prose or code
// fences; each fallback strategy here is applied in order and tested
// independently. Partially valid output is never accepted as complete.
package llmjson

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoJSON is returned when no strategy yields a parseable object.
var ErrNoJSON = eris.New("no JSON object found in model output")

// Extract locates and validates the JSON object in text. Strategies, in
// order: the raw text as-is, text with code fences stripped, the outermost
// balanced-brace span.
func Extract(text string) (json.RawMessage, error) {
	for _, candidate := range []string{
		strings.TrimSpace(text),
		StripFences(text),
		OutermostObject(text),
	} {
		if candidate == "" {
			continue
		}
		if raw, ok := validObject(candidate); ok {
			return raw, nil
		}
	}
	return nil, ErrNoJSON
}

// Decode extracts the JSON object in text and unmarshals it into v with
// unknown fields tolerated but type mismatches rejected.
func Decode(text string, v any) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return eris.Wrap(err, "llmjson: unmarshal")
	}
	return nil
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// OutermostObject returns the outermost balanced-brace span in text, or ""
// when braces never balance. Braces inside JSON strings are skipped.
func OutermostObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// validObject checks that s is exactly one JSON object.
func validObject(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, false
	}
	// Reject trailing non-whitespace garbage only if it breaks a second
	// decode; prose after the object is fine, a truncated object is not.
	return raw, json.Valid(raw)
}
