package graphdb

import "testing"

func TestRecordAccessors(t *testing.T) {
	r := Record{
		"id":    "e1",
		"n":     int64(4),
		"f":     0.5,
		"ids":   []any{"a", 2, "b"},
		"plain": []string{"x"},
	}

	if r.String("id") != "e1" || r.String("missing") != "" {
		t.Fatalf("unexpected string accessor result")
	}
	if r.Int64("n") != 4 || r.Float64("n") != 4 {
		t.Fatalf("unexpected numeric accessor result")
	}
	if r.Float64("f") != 0.5 {
		t.Fatalf("expected 0.5, got %v", r.Float64("f"))
	}
	ids := r.Strings("ids")
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected strings: %v", ids)
	}
	if got := r.Strings("plain"); len(got) != 1 {
		t.Fatalf("unexpected strings: %v", got)
	}
}
