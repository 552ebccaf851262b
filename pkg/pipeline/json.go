package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSON = errors.New("no JSON object found in response")

// DecodeJSON extracts the first JSON object from a model response and
// decodes it into T.
func DecodeJSON[T any](response string) (T, error) {
	var out T
	raw := ExtractJSON(response)
	if raw == "" {
		return out, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return out, nil
}

// ExtractJSON finds and extracts JSON from a response that might contain markdown.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	// Look for JSON in code blocks first (most reliable)
	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if obj := extractJSONObject(content, strings.Index(content, "{")); obj != "" {
				return obj
			}
		}
	}

	// Look for JSON in generic code blocks
	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") {
				if obj := extractJSONObject(content, 0); obj != "" {
					return obj
				}
			}
		}
	}

	// Try every opening brace until a balanced object turns up.
	for start := strings.Index(response, "{"); start != -1; {
		if obj := extractJSONObject(response, start); obj != "" {
			return obj
		}
		next := strings.Index(response[start+1:], "{")
		if next == -1 {
			break
		}
		start += next + 1
	}

	return ""
}

// extractJSONObject extracts a complete JSON object starting at the given position,
// properly handling strings that may contain braces.
func extractJSONObject(s string, start int) string {
	if start < 0 || start >= len(s) || s[start] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}

		if c == '\\' && inString {
			escaped = true
			continue
		}

		if c == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}

// Truncate shortens s to maxLen bytes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
