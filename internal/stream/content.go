package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NormalizeToolContent flattens a tool result payload to text. Strings
// pass through unchanged, arrays of parts are joined with newlines using
// the text of typed text parts, and anything else is rendered as JSON.
// It never fails; unrenderable values fall back to fmt formatting.
func NormalizeToolContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return normalizeRaw(v)
	case []byte:
		return normalizeRaw(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, partText(item))
		}
		return strings.Join(parts, "\n")
	case []map[string]any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, partText(item))
		}
		return strings.Join(parts, "\n")
	default:
		return canonical(v)
	}
}

func normalizeRaw(raw []byte) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	return NormalizeToolContent(decoded)
}

func partText(item any) string {
	switch p := item.(type) {
	case string:
		return p
	case map[string]any:
		if typ, _ := p["type"].(string); typ == "text" {
			if text, ok := p["text"].(string); ok {
				return text
			}
		}
	}
	return canonical(item)
}

func canonical(v any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("%v", v)
		}
	}()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
