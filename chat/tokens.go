package chat

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage for context budgeting.
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter approximates tokens as chars/4, good enough when no
// encoding is available.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	return len(text) / 4
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns a cl100k_base counter, falling back to the
// chars/4 estimate when the encoding cannot be loaded.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken unavailable, using estimate counter", "error", err)
		return EstimateCounter{}
	}
	return &tiktokenCounter{enc: enc}
}
