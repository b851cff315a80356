package graphdb

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no graph database is reachable.
var ErrUnavailable = errors.New("graph database unavailable")

// Record is one result row keyed by the RETURN aliases of the query.
type Record map[string]any

// Driver runs parameterized queries against a graph database. Writes are
// expected to be idempotent (MERGE) so callers may retry them.
type Driver interface {
	ExecuteRead(ctx context.Context, query string, params map[string]any) ([]Record, error)
	ExecuteWrite(ctx context.Context, query string, params map[string]any) ([]Record, error)
	Close(ctx context.Context) error
}

func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

func (r Record) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (r Record) Float64(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Strings returns a list value, skipping non-string members.
func (r Record) Strings(key string) []string {
	switch v := r[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
