package repositories

import "encoding/json"

// nullableString converts an empty string to nil for nullable columns.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString converts a nullable column back to a plain string.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullableJSON converts an empty payload to nil for nullable JSONB columns.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
