// Package tokenizer counts and clips text against an embedding model's
// token budget, using the p50k_base BPE encoding.
package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenLimit is the per-record token budget.
const TokenLimit = 8192

// clipRatio is how much of the string is kept on each clip_tail iteration.
const clipRatio = 0.9

// Tokenizer counts BPE tokens and clips text to TokenLimit.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New builds a Tokenizer using the p50k_base encoding.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("p50k_base")
	if err != nil {
		return nil, err
	}
	return &Tokenizer{enc: enc}, nil
}

// Count returns the number of BPE tokens s encodes to.
func (t *Tokenizer) Count(s string) int {
	return len(t.enc.Encode(s, nil, nil))
}

// ClipTail repeatedly truncates s to 90% of its rune length until it fits
// TokenLimit tokens, returning the clipped string and its final token
// count. The truncation is char-length driven by the token count, not
// token-boundary aware.
func (t *Tokenizer) ClipTail(s string) (string, int) {
	count := t.Count(s)
	for count > TokenLimit {
		runes := []rune(s)
		newLen := int(float64(len(runes)) * clipRatio)
		if newLen >= len(runes) {
			newLen = len(runes) - 1
		}
		if newLen <= 0 {
			return "", 0
		}
		s = string(runes[:newLen])
		count = t.Count(s)
	}
	return s, count
}
