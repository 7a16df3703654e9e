package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON object or array out of oracle output that may be
// wrapped in markdown fences or surrounded by prose. Returns an empty string
// when no payload can be located.
func ExtractJSON(content string) string {
	s := strings.TrimSpace(content)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

// DecodePayload extracts and unmarshals the JSON payload of an oracle
// response into out. A response with no decodable payload is an oracle
// failure; callers substitute their degraded defaults.
func DecodePayload(content string, out any) error {
	payload := ExtractJSON(content)
	if payload == "" {
		return fmt.Errorf("oracle response contains no JSON payload")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("failed to decode oracle payload: %w", err)
	}
	return nil
}

// ClampScore forces a model-reported score into [0, 1].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
