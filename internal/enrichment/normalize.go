package enrichment

import (
	"encoding/json"
)

// Normalize shapes a raw provider response into the stored enrichment form.
// Upstream sometimes returns a bare array of partner records and sometimes an
// object already keyed; stored data is always an object so readers never
// branch on shape.
func Normalize(raw json.RawMessage) json.RawMessage {
	trimmed := trimLeft(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		wrapped, err := json.Marshal(map[string]json.RawMessage{"partners": raw})
		if err != nil {
			return raw
		}
		return wrapped
	}
	return raw
}

func trimLeft(b []byte) []byte {
	for len(b) > 0 {
		switch b[0] {
		case ' ', '\t', '\n', '\r':
			b = b[1:]
		default:
			return b
		}
	}
	return b
}
