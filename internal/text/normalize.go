package text

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

// Normalize prepares a raw transcription line for use as ground truth.
// It folds line endings into spaces, collapses whitespace runs and rejects
// empty or whitespace-only input.
func Normalize(s string) (string, error) {
	s = CollapseWhitespace(s)
	if s == "" {
		return "", ErrEmptyText
	}

	return s, nil
}

// CollapseWhitespace replaces every run of whitespace with a single space
// and trims both ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateBytes returns the longest prefix of s that fits in n bytes
// without splitting a UTF-8 sequence.
func TruncateBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}

	if len(s) <= n {
		return s
	}

	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}
