// Package metrics scores recognised text against ground truth with
// edit-distance error rates.
package metrics

import (
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Options control text normalisation before scoring.
type Options struct {
	// NormAccent decomposes text (NFKD) and drops every non-ASCII rune.
	NormAccent bool
	// NormPunct removes ASCII punctuation.
	NormPunct bool
}

// Scores are mean error rates in [0, 1] (they may exceed 1 when the
// prediction is longer than the truth).
type Scores struct {
	CER float64 `json:"cer"`
	WER float64 `json:"wer"`
	SER float64 `json:"ser"`
}

const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// OCR computes character, word and sequence error rates over aligned pairs.
// Each pair's distance is divided by the longer of the two sequences. Empty
// input scores 1 on every rate.
func OCR(predicts, truths []string, opts Options) Scores {
	n := min(len(predicts), len(truths))
	if n == 0 {
		return Scores{CER: 1, WER: 1, SER: 1}
	}

	var sum Scores

	for i := range n {
		pd, gt := opts.apply(predicts[i]), opts.apply(truths[i])

		pdRunes, gtRunes := []rune(pd), []rune(gt)
		sum.CER += ratio(Distance(pdRunes, gtRunes), max(len(pdRunes), len(gtRunes)))

		pdWords, gtWords := strings.Fields(pd), strings.Fields(gt)
		sum.WER += ratio(Distance(pdWords, gtWords), max(len(pdWords), len(gtWords)))

		if pd != gt {
			sum.SER++
		}
	}

	return Scores{
		CER: sum.CER / float64(n),
		WER: sum.WER / float64(n),
		SER: sum.SER / float64(n),
	}
}

// CER returns the mean character error rate as a percentage rounded to
// three decimals. Each pair's distance is divided by the truth length.
// Empty input scores 1.
func CER(predicts, truths []string, opts Options) float64 {
	n := min(len(predicts), len(truths))
	if n == 0 {
		return 1
	}

	var sum float64

	for i := range n {
		pd, gt := []rune(opts.apply(predicts[i])), []rune(opts.apply(truths[i]))
		sum += truthRatio(Distance(pd, gt), len(gt))
	}

	return Round(sum/float64(n)*100, 3)
}

// WER returns the mean word error rate as a percentage rounded to three
// decimals. Empty input scores 100.
func WER(predicts, truths []string, opts Options) float64 {
	n := min(len(predicts), len(truths))
	if n == 0 {
		return 100
	}

	var sum float64

	for i := range n {
		pd, gt := strings.Fields(opts.apply(predicts[i])), strings.Fields(opts.apply(truths[i]))
		sum += truthRatio(Distance(pd, gt), len(gt))
	}

	return Round(sum/float64(n)*100, 3)
}

// Distance is the Levenshtein distance between two sequences.
func Distance[T comparable](a, b []T) int {
	if len(a) < len(b) {
		a, b = b, a
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

func (o Options) apply(s string) string {
	if o.NormAccent {
		s = stripAccents(s)
	}

	if o.NormPunct {
		s = strings.Map(func(r rune) rune {
			if strings.ContainsRune(punctuation, r) {
				return -1
			}

			return r
		}, s)
	}

	return s
}

func stripAccents(s string) string {
	decomposed := norm.NFKD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))

	for _, r := range decomposed {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		}
	}

	return b.String()
}

func ratio(dist, length int) float64 {
	if length == 0 {
		return 0
	}

	return float64(dist) / float64(length)
}

// truthRatio divides by the truth length; an empty truth scores 0 for an
// empty prediction and 1 otherwise.
func truthRatio(dist, truthLen int) float64 {
	if truthLen == 0 {
		if dist == 0 {
			return 0
		}

		return 1
	}

	return float64(dist) / float64(truthLen)
}
