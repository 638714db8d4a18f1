// Package tokencount measures prompt text in model tokens.
package tokencount

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

type Counter interface {
	Count(text string) int
}

// Tiktoken counts with the cl100k_base encoding. The encoding is loaded on
// first use; if it cannot be loaded, Count falls back to Estimate.
type Tiktoken struct {
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktoken(logger *slog.Logger) *Tiktoken {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiktoken{logger: logger}
}

func (t *Tiktoken) Count(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			t.logger.Warn("load tiktoken encoding failed, using estimate", "encoding", encodingName, "error", err)
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return Estimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Estimate approximates token count as one token per four runes.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateCounter is a Counter that never loads an encoding.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int { return Estimate(text) }
