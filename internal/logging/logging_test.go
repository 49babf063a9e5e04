package logging

import "testing"

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"", "console", "json", "JSON"} {
		l, err := New(Config{Level: "debug", Format: format})
		if err != nil {
			t.Fatalf("format %q: unexpected error %v", format, err)
		}
		if !l.Core().Enabled(-1) {
			t.Fatalf("format %q: expected debug level to be enabled", format)
		}
	}
}

func TestNew_RejectsBadInput(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if l := Must(Config{Format: "xml"}); l == nil {
		t.Fatalf("Must should fall back to a usable logger")
	}
}
