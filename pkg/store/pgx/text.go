package pgx

import "strings"

// cleanText drops NUL bytes and invalid UTF-8, both of which PostgreSQL
// rejects in TEXT and JSONB values.
func cleanText(value string) string {
	if value == "" {
		return value
	}
	return strings.ReplaceAll(strings.ToValidUTF8(value, ""), "\x00", "")
}

// nullableText maps an empty string to NULL.
func nullableText(value string) *string {
	value = cleanText(strings.TrimSpace(value))
	if value == "" {
		return nil
	}
	return &value
}
