// Package chunker splits extracted document text into overlapping windows.
package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultSize is the default chunk length in characters.
	DefaultSize = 1000

	// DefaultOverlap is the number of characters shared by neighbouring chunks.
	DefaultOverlap = 200
)

// ErrInvalidConfig is returned when size and overlap cannot make forward progress.
var ErrInvalidConfig = errors.New("invalid chunker configuration")

// paragraphBreak matches runs of two or more newlines.
var paragraphBreak = regexp.MustCompile(`\n{2,}`)

// Chunker is a sliding window over paragraph-normalised text.
// It holds no state between calls and is safe for concurrent use.
type Chunker struct {
	size    int
	overlap int
}

// New creates a chunker. Overlap must be smaller than size.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidConfig, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the configured window size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split normalises text and cuts it into windows of at most Size characters.
// Each window after the first starts Overlap characters before the previous one ended.
func (c *Chunker) Split(text string) []string {
	runes := []rune(Normalize(text))
	if len(runes) == 0 {
		return []string{}
	}

	chunks := make([]string, 0, len(runes)/(c.size-c.overlap)+1)
	start := 0
	for {
		end := min(start+c.size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		start = end - c.overlap
	}
	return chunks
}

// Normalize trims every paragraph, drops empty ones and rejoins the rest
// with a single blank line.
func Normalize(text string) string {
	parts := paragraphBreak.Split(text, -1)
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// Chunk is the one-shot form of New(size, overlap).Split(text).
func Chunk(text string, size, overlap int) ([]string, error) {
	c, err := New(size, overlap)
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}
