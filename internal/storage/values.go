package storage

import "encoding/json"

// Snapshot maps round-trip through JSON, so numbers may arrive as float64,
// json.Number or the native int64 produced locally.

func mapInt64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func mapString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func mapJSON(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
