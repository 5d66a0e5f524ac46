package logutil

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"newlines flattened", "line1\nline2\r\nline3", "line1 line2  line3"},
		{"tabs flattened", "a\tb", "a b"},
		{"control chars stripped", "a\x1b[31mb\x00c", "a[31mbc"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc...(truncated)" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate should pass short values through, got %q", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Errorf("Truncate with no limit should pass through, got %q", got)
	}
}
