package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestLogPreview(t *testing.T) {
	got := LogPreview("call me at sam@example.com\n\nplease", 0)
	if got != "call me at [REDACTED_EMAIL] please" {
		t.Fatalf("LogPreview() = %q", got)
	}
	if got := LogPreview("abcdefghij", 4); got != "abcd..." {
		t.Fatalf("LogPreview(clip) = %q, want %q", got, "abcd...")
	}
}
