package settings

import "encoding/json"

// parseOverrideFile decodes a flat {"key": "value", ...} JSON document.
// Every value is stringified so it flows through the same typed
// GetString/GetInt/GetBool accessors as a DB- or env-sourced value.
func parseOverrideFile(data []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}
