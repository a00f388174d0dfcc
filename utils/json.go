package utils

import "encoding/json"

// DecodeFieldMap decodes a JSON column holding field->value pairs.
// Empty/invalid payloads decode to an empty map rather than an error;
// callers treat a missing map the same as no fields.
func DecodeFieldMap(raw []byte) map[string]string {
	if len(raw) == 0 {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]string{}
	}
	return m
}

func EncodeFieldMap(m map[string]string) []byte {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return b
}
