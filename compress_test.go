package nova

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCompressorPassthrough(t *testing.T) {
	c := NewCompressor(100)
	in := "short output"
	if got := c.Compress(in); got != in {
		t.Errorf("short input was modified: %q", got)
	}
}

func TestCompressorTruncates(t *testing.T) {
	c := NewCompressor(100)
	in := strings.Repeat("a", 2000) + "MIDDLE" + strings.Repeat("z", 2000)

	out := c.Compress(in)

	if len(out) >= len(in) {
		t.Errorf("output not smaller: %d >= %d", len(out), len(in))
	}
	if !strings.Contains(out, "truncated") {
		t.Error("missing truncation marker")
	}
	if !strings.HasPrefix(out, "aaa") {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(out, "zzz") {
		t.Error("tail not preserved")
	}
	if strings.Contains(out, "MIDDLE") {
		t.Error("middle should have been removed")
	}
}

func TestCompressorKeepsRunesIntact(t *testing.T) {
	c := NewCompressor(100)

	// Three-byte runes throughout: the raw head and tail byte offsets
	// both land mid-rune, so a byte-offset cut would corrupt the text.
	in := strings.Repeat("€", 2000)

	out := c.Compress(in)

	if !utf8.ValidString(out) {
		t.Error("truncated output is not valid UTF-8")
	}
	if !strings.Contains(out, "truncated") {
		t.Error("missing truncation marker")
	}
}

func TestCompressorDefaultCap(t *testing.T) {
	c := NewCompressor(0)
	if c.MaxTokens() != DefaultObservationTokens {
		t.Errorf("cap = %d, want %d", c.MaxTokens(), DefaultObservationTokens)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.in); got != tc.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tc.in), got, tc.want)
		}
	}
}
