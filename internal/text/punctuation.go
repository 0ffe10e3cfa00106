package text

import (
	"regexp"
	"strings"
)

var (
	spaceBeforeMark = regexp.MustCompile(`\s([?.!,;:])`)
	markBeforeWord  = regexp.MustCompile(`([?.!,;:])(\S)`)
	openParen       = regexp.MustCompile(`\(\s*`)
	closeParen      = regexp.MustCompile(`\s*\)`)
	openBrace       = regexp.MustCompile(`\{\s*`)
	closeBrace      = regexp.MustCompile(`\s*\}`)
	openBracket     = regexp.MustCompile(`\[\s*`)
	closeBracket    = regexp.MustCompile(`\s*\]`)
	paddedQuote     = regexp.MustCompile(`\s*["']\s*`)
	paddedPipe      = regexp.MustCompile(`\s*\|\s*`)
	multiSpace      = regexp.MustCompile(`\s{2,}`)
)

// CorrectPunctuationSpacing normalises spacing around punctuation the way
// the IAM transcriptions need it: no space before . , ; : ! ?, one space
// after them when a word follows, no padding inside (), {}, [], around
// quotes or around |, and no double spaces.
//
// The rules apply in order, so the result is not always a fixed point.
func CorrectPunctuationSpacing(s string) string {
	s = spaceBeforeMark.ReplaceAllString(s, "$1")
	s = markBeforeWord.ReplaceAllString(s, "$1 $2")

	s = openParen.ReplaceAllString(s, "(")
	s = closeParen.ReplaceAllString(s, ")")
	s = openBrace.ReplaceAllString(s, "{")
	s = closeBrace.ReplaceAllString(s, "}")
	s = openBracket.ReplaceAllString(s, "[")
	s = closeBracket.ReplaceAllString(s, "]")

	s = paddedQuote.ReplaceAllStringFunc(s, strings.TrimSpace)
	s = paddedPipe.ReplaceAllString(s, "|")

	return multiSpace.ReplaceAllString(s, " ")
}
