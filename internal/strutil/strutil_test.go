package strutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateUTF8(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "empty", in: "", max: 10, want: ""},
		{name: "zero max", in: "hello", max: 0, want: ""},
		{name: "negative max", in: "hello", max: -1, want: ""},
		{name: "ascii", in: "hello world", max: 5, want: "hello"},
		{name: "no truncation", in: "short", max: 100, want: "short"},
		{name: "cjk", in: "你好世界测试", max: 7, want: "你好"},
		{name: "emoji", in: "ab🎉cd", max: 4, want: "ab"},
		{name: "exact boundary", in: "abc你", max: 6, want: "abc你"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TruncateUTF8(tc.in, tc.max)
			if got != tc.want {
				t.Fatalf("TruncateUTF8(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
		})
	}
}

func TestTruncateUTF8_AlwaysValidUTF8(t *testing.T) {
	s := strings.Repeat("你好🎉世界", 200)
	for limit := 1; limit <= len(s); limit += 7 {
		got := TruncateUTF8(s, limit)
		if !utf8.ValidString(got) {
			t.Fatalf("invalid UTF-8 at limit=%d: %q", limit, got)
		}
		if len(got) > limit {
			t.Fatalf("too long at limit=%d: len=%d", limit, len(got))
		}
	}
}

func TestEllipsize(t *testing.T) {
	if got := Ellipsize("short", 10); got != "short" {
		t.Fatalf("untruncated = %q", got)
	}
	if got := Ellipsize("rm -rf /var/lib", 5); got != "rm -r…" {
		t.Fatalf("truncated = %q", got)
	}
	if got := Ellipsize("ab🎉cd", 4); got != "ab…" {
		t.Fatalf("rune boundary = %q", got)
	}
}
