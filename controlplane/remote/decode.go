package remote

import "encoding/json"

// decodeInto converts a generic value decoded from a JSON response payload
// (map[string]any, []any, float64, ...) into target by round-tripping it
// through encoding/json. The payload already travelled the wire as JSON, so
// this only re-applies the concrete Go types the protocol package defines.
func decodeInto(raw any, target any) error {
	body, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, target)
}
