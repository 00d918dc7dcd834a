package template

import (
	"encoding/json"
	"strings"
)

// ParseInputData decodes a record's input_data blob. JSON objects are
// preferred; the legacy "k=v;k2=v2" form is accepted as a fallback.
// Non-string JSON values are ignored.
func ParseInputData(raw string) map[string]string {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}
	if strings.HasPrefix(raw, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			for k, v := range obj {
				if s, ok := v.(string); ok {
					out[k] = s
				}
			}
			return out
		}
	}
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
