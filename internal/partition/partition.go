// Package partition derives the six named row groups stored in a
// container from a corpus RawSplit.
package partition

import (
	"path/filepath"

	"github.com/example/go-htrdata/internal/corpus"
)

// Partition names in container processing order.
const (
	Train100 = "train_100"
	Train75  = "train_75"
	Train50  = "train_50"
	Train25  = "train_25"
	Valid    = "valid"
	Test     = "test"
)

// Names lists every partition in the fixed processing order.
var Names = []string{Train100, Train75, Train50, Train25, Valid, Test}

// trainFractions maps each nested training subset to its percentage of
// train_100.
var trainFractions = []struct {
	name    string
	percent int
}{
	{Train100, 100},
	{Train75, 75},
	{Train50, 50},
	{Train25, 25},
}

// IsTrain reports whether name is one of the nested training subsets.
func IsTrain(name string) bool {
	for _, f := range trainFractions {
		if f.name == name {
			return true
		}
	}

	return false
}

// IsKnown reports whether name is a known partition.
func IsKnown(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}

	return false
}

// Partition holds three parallel columns of equal length.
type Partition struct {
	imagePaths  []string
	groundTruth []string
}

// Len returns the row count.
func (p Partition) Len() int { return len(p.imagePaths) }

// ImagePaths returns the source image paths in row order.
func (p Partition) ImagePaths() []string { return append([]string(nil), p.imagePaths...) }

// GroundTruth returns the transcriptions in row order.
func (p Partition) GroundTruth() []string { return append([]string(nil), p.groundTruth...) }

// Paths returns the image basenames stored in the container path column.
func (p Partition) Paths() []string {
	out := make([]string, len(p.imagePaths))
	for i, path := range p.imagePaths {
		out[i] = filepath.Base(path)
	}

	return out
}

// Set is the immutable collection of all six partitions.
type Set struct {
	parts map[string]Partition
}

// Build derives a Set from split. Nested training subsets are
// order-preserving prefixes of train_100 with floor(n*pct/100) rows;
// valid and test are copied unchanged.
func Build(split corpus.RawSplit) Set {
	parts := make(map[string]Partition, len(Names))

	train := fromSamples(split.Train)
	n := train.Len()

	for _, f := range trainFractions {
		size := PrefixLen(n, f.percent)
		parts[f.name] = Partition{
			imagePaths:  train.imagePaths[:size:size],
			groundTruth: train.groundTruth[:size:size],
		}
	}

	parts[Valid] = fromSamples(split.Valid)
	parts[Test] = fromSamples(split.Test)

	return Set{parts: parts}
}

// PrefixLen returns floor(n * percent / 100).
func PrefixLen(n, percent int) int {
	return n * percent / 100
}

// Partition returns the named partition; ok is false for unknown names.
func (s Set) Partition(name string) (Partition, bool) {
	p, ok := s.parts[name]
	return p, ok
}

// Len returns the row count of the named partition, or 0 if unknown.
func (s Set) Len(name string) int {
	return s.parts[name].Len()
}

func fromSamples(samples []corpus.Sample) Partition {
	p := Partition{
		imagePaths:  make([]string, len(samples)),
		groundTruth: make([]string, len(samples)),
	}

	for i, s := range samples {
		p.imagePaths[i] = s.ImagePath
		p.groundTruth[i] = s.GroundTruth
	}

	return p
}
