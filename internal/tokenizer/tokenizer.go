// Package tokenizer provides the character-level vocabulary used to turn
// ground-truth lines into fixed-length label vectors for HTR training.
//
// The vocabulary is the configured charset prefixed by two reserved runes:
// PAD at index 0 and UNK at index 1.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved sentinel runes. They must never appear in a charset.
const (
	PadToken = '¶'
	UnkToken = '¤'
)

// DefaultCharset is the 95 printable ASCII characters (digits, letters,
// punctuation and space).
const DefaultCharset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~ "

var (
	// ErrEmptyCharset is returned by New when the charset has no runes.
	ErrEmptyCharset = errors.New("tokenizer: charset must not be empty")
	// ErrLengthExceeded is returned by Pad when the sequence is longer than
	// the requested length.
	ErrLengthExceeded = errors.New("tokenizer: sequence exceeds max length")
)

// Tokenizer maps runes to vocabulary indices and back.
type Tokenizer struct {
	chars  []rune
	index  map[rune]int
	maxLen int
}

// New builds a tokenizer over charset with the given maximum text length.
func New(charset string, maxLen int) (*Tokenizer, error) {
	if charset == "" {
		return nil, ErrEmptyCharset
	}

	if maxLen < 1 {
		return nil, fmt.Errorf("tokenizer: max length must be >= 1, got %d", maxLen)
	}

	chars := make([]rune, 0, len(charset)+2)
	chars = append(chars, PadToken, UnkToken)

	index := make(map[rune]int, len(charset)+2)
	index[PadToken] = 0
	index[UnkToken] = 1

	for _, r := range charset {
		if r == PadToken || r == UnkToken {
			return nil, fmt.Errorf("tokenizer: charset contains reserved rune %q", r)
		}

		if _, dup := index[r]; dup {
			return nil, fmt.Errorf("tokenizer: charset contains duplicate rune %q", r)
		}

		index[r] = len(chars)
		chars = append(chars, r)
	}

	return &Tokenizer{chars: chars, index: index, maxLen: maxLen}, nil
}

// PAD returns the padding index.
func (t *Tokenizer) PAD() int { return 0 }

// UNK returns the unknown-rune index.
func (t *Tokenizer) UNK() int { return 1 }

// VocabSize is len(charset) + 2.
func (t *Tokenizer) VocabSize() int { return len(t.chars) }

// MaxLen returns the configured maximum text length.
func (t *Tokenizer) MaxLen() int { return t.maxLen }

// Encode collapses whitespace runs to a single space and maps every rune to
// its vocabulary index. Runes outside the vocabulary become UNK. The result
// is not padded.
func (t *Tokenizer) Encode(text string) []int {
	collapsed := strings.Join(strings.Fields(text), " ")

	out := make([]int, 0, len(collapsed))
	for _, r := range collapsed {
		idx, ok := t.index[r]
		if !ok {
			idx = t.UNK()
		}

		out = append(out, idx)
	}

	return out
}

// Decode maps indices back to runes, skipping negative (and out of range)
// indices, then removes PAD and UNK runes.
func (t *Tokenizer) Decode(ids []int) string {
	var b strings.Builder
	b.Grow(len(ids))

	for _, id := range ids {
		if id < 0 || id >= len(t.chars) {
			continue
		}

		r := t.chars[id]
		if r == PadToken || r == UnkToken {
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// Pad right-pads ids with PAD to exactly length n.
func (t *Tokenizer) Pad(ids []int, n int) ([]int, error) {
	if len(ids) > n {
		return nil, fmt.Errorf("%w: %d > %d", ErrLengthExceeded, len(ids), n)
	}

	out := make([]int, n)
	copy(out, ids)

	for i := len(ids); i < n; i++ {
		out[i] = t.PAD()
	}

	return out, nil
}

// EncodePadded encodes text and pads it to MaxLen.
func (t *Tokenizer) EncodePadded(text string) ([]int, error) {
	return t.Pad(t.Encode(text), t.maxLen)
}
