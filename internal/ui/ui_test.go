package ui

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinter_PlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	if p.Color() {
		t.Fatal("a buffer is not a terminal")
	}
	for _, s := range []string{p.Pass("ok"), p.Warn("ok"), p.Fail("ok"), p.Muted("ok"), p.Bold("ok"), p.Header("ok")} {
		if s != "ok" {
			t.Errorf("styled output %q should be plain", s)
		}
	}
	if p.Width() != 80 {
		t.Errorf("Width() = %d, want 80", p.Width())
	}
}

func TestFields_Aligned(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)
	p.Fields([]Field{
		{Key: "Status", Value: "all changes saved"},
		{Key: "Last sync", Value: "2m ago"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if strings.Index(lines[0], "all") != strings.Index(lines[1], "2m") {
		t.Errorf("values not aligned:\n%s", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a longer title", 10, "a longe..."},
		{"abcdef", 2, "ab"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
