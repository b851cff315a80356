package pgx

import "testing"

func TestCleanText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain utf8", input: "acme_corp", want: "acme_corp"},
		{name: "contains null byte", input: "ac\x00me", want: "acme"},
		{name: "contains invalid utf8", input: string([]byte{'a', 0xff, 'b'}), want: "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanText(tt.input); got != tt.want {
				t.Fatalf("cleanText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNullableText(t *testing.T) {
	if nullableText("  ") != nil {
		t.Fatalf("expected blank jurisdiction to be NULL")
	}
	if got := nullableText(" US\x00 "); got == nil || *got != "US" {
		t.Fatalf("unexpected value %v", got)
	}
}
