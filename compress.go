package nova

import (
	"fmt"
	"unicode/utf8"
)

// DefaultObservationTokens caps how large a single tool observation may
// grow before the compressor truncates it.
const DefaultObservationTokens = 2000

// EstimateTokens approximates the token count of a string. Roughly 4
// characters per token for English text.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// Compressor shrinks oversized tool output before it enters the
// transcript. Truncation keeps the head and tail of the text, which is
// where commands and errors tend to carry their signal.
type Compressor struct {
	maxTokens int
}

// NewCompressor creates a compressor with the given per-observation
// token cap. A non-positive cap falls back to DefaultObservationTokens.
func NewCompressor(maxTokens int) *Compressor {
	if maxTokens <= 0 {
		maxTokens = DefaultObservationTokens
	}
	return &Compressor{maxTokens: maxTokens}
}

// MaxTokens returns the per-observation cap.
func (c *Compressor) MaxTokens() int {
	return c.maxTokens
}

// Compress returns s unchanged when it fits the cap, otherwise a
// head-and-tail excerpt with an explicit truncation marker so the model
// knows content was removed.
func (c *Compressor) Compress(s string) string {
	if EstimateTokens(s) <= c.maxTokens {
		return s
	}

	budget := c.maxTokens * 4
	head := runeFloor(s, budget*2/3)
	tail := len(s) - runeFloor(s, len(s)-(budget-budget*2/3))
	dropped := len(s) - head - tail

	return fmt.Sprintf("%s\n[... %d chars truncated ...]\n%s", s[:head], dropped, s[len(s)-tail:])
}

// runeFloor backs i off to the nearest rune boundary at or before it,
// so slicing at the result never splits a multi-byte character.
func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
