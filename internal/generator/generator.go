// Package generator turns a container into batches for training,
// validation and evaluation.
//
// Train and Valid iterators are cyclic and never end on their own; the
// caller decides how many batches to pull (usually Steps per epoch). Test
// makes a single pass and then returns io.EOF.
//
// In memory mode the training partition is reshuffled every time it wraps.
// Stream mode reads rows from disk on demand and never reshuffles, so a
// streamed training partition is visited in stored order every epoch.
package generator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"

	"github.com/example/go-htrdata/internal/container"
	"github.com/example/go-htrdata/internal/imageproc"
	"github.com/example/go-htrdata/internal/partition"
	"github.com/example/go-htrdata/internal/tokenizer"
)

// Split selects which partition an iterator walks.
type Split string

const (
	Train Split = "train"
	Valid Split = "valid"
	Test  Split = "test"
)

// PCG stream identifiers; the shuffle and jitter sources are independent.
const (
	shuffleStream uint64 = 1
	jitterStream  uint64 = 2
)

var (
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("generator: closed")
	// ErrEmptyPartition is returned by cyclic iterators over zero rows.
	ErrEmptyPartition = errors.New("generator: partition is empty")
)

// Options configures Open.
type Options struct {
	BatchSize      int
	Charset        string
	MaxTextLength  int
	TrainPartition string
	Stream         bool
	Seed           uint64
	Jitter         imageproc.Jitter
	Logger         *slog.Logger
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BatchSize:      16,
		Charset:        tokenizer.DefaultCharset,
		MaxTextLength:  128,
		TrainPartition: partition.Train100,
		Seed:           42,
		Jitter:         imageproc.DefaultJitter,
	}
}

// Batch is one step of input for a model. Images holds Size images of
// Height*Width normalised pixels; Labels holds Size rows of MaxLen ids.
type Batch struct {
	Size        int
	Height      int
	Width       int
	Images      []float32
	MaxLen      int
	Labels      []int32
	Paths       []string
	GroundTruth []string
}

// Image returns the pixels of image i.
func (b Batch) Image(i int) []float32 {
	n := b.Height * b.Width
	return b.Images[i*n : (i+1)*n]
}

// Label returns the padded label ids of row i.
func (b Batch) Label(i int) []int32 {
	return b.Labels[i*b.MaxLen : (i+1)*b.MaxLen]
}

// Generator produces batches from one container. It is not safe for
// concurrent use.
type Generator struct {
	opts    Options
	log     *slog.Logger
	tok     *tokenizer.Tokenizer
	size    imageproc.Size
	reader  *container.Reader
	states  map[Split]*state
	shuffle *rand.Rand
	jitter  *rand.Rand
	closed  bool
}

type state struct {
	src    source
	cursor int
}

// Open loads the training, validation and test partitions of the container
// at path. In stream mode the container stays open until Close.
func Open(path string, opts Options) (*Generator, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("generator: batch size must be >= 1, got %d", opts.BatchSize)
	}

	if opts.TrainPartition == "" {
		opts.TrainPartition = partition.Train100
	}

	if !partition.IsTrain(opts.TrainPartition) {
		return nil, fmt.Errorf("generator: %q is not a training partition", opts.TrainPartition)
	}

	if opts.Charset == "" {
		opts.Charset = tokenizer.DefaultCharset
	}

	tok, err := tokenizer.New(opts.Charset, opts.MaxTextLength)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r, err := container.Open(path)
	if err != nil {
		return nil, err
	}

	g := &Generator{
		opts:    opts,
		log:     log.With("container", path),
		tok:     tok,
		size:    r.ImageSize(),
		states:  make(map[Split]*state, 3),
		shuffle: rand.New(rand.NewPCG(opts.Seed, shuffleStream)),
		jitter:  rand.New(rand.NewPCG(opts.Seed, jitterStream)),
	}

	names := map[Split]string{
		Train: opts.TrainPartition,
		Valid: partition.Valid,
		Test:  partition.Test,
	}

	for split, name := range names {
		var src source
		if opts.Stream {
			src, err = newStreamSource(r, name)
		} else {
			src, err = loadMemorySource(r, name)
		}

		if err != nil {
			r.Close()
			return nil, err
		}

		g.states[split] = &state{src: src}
	}

	if opts.Stream {
		g.reader = r
	} else if err := r.Close(); err != nil {
		return nil, fmt.Errorf("generator: close %s: %w", path, err)
	}

	g.log.Info("generator ready",
		"train_partition", opts.TrainPartition,
		"stream", opts.Stream,
		"train", g.Size(Train),
		"valid", g.Size(Valid),
		"test", g.Size(Test),
		"batch_size", opts.BatchSize,
	)

	return g, nil
}

// Size returns the number of rows behind split.
func (g *Generator) Size(split Split) int {
	st, ok := g.states[split]
	if !ok {
		return 0
	}

	return st.src.len()
}

// Steps returns ceil(Size/BatchSize), the number of pulls per epoch.
func (g *Generator) Steps(split Split) int {
	return (g.Size(split) + g.opts.BatchSize - 1) / g.opts.BatchSize
}

// BatchSize returns the configured batch size.
func (g *Generator) BatchSize() int { return g.opts.BatchSize }

// ImageSize returns the size of every image.
func (g *Generator) ImageSize() imageproc.Size { return g.size }

// Tokenizer returns the tokenizer used to encode labels.
func (g *Generator) Tokenizer() *tokenizer.Tokenizer { return g.tok }

// Close releases the stream-mode file handle. It is safe to call twice.
func (g *Generator) Close() error {
	if g.closed {
		return nil
	}

	g.closed = true

	if g.reader != nil {
		return g.reader.Close()
	}

	return nil
}

// Train resets the training cursor and returns a cyclic, shuffled and
// augmented iterator.
func (g *Generator) Train() *Iterator {
	return g.iterator(Train, true, true, true)
}

// Valid resets the validation cursor and returns a cyclic iterator with no
// shuffling or augmentation.
func (g *Generator) Valid() *Iterator {
	return g.iterator(Valid, true, false, false)
}

// Test resets the test cursor and returns a single-pass iterator.
func (g *Generator) Test() *Iterator {
	return g.iterator(Test, false, false, false)
}

func (g *Generator) iterator(split Split, cyclic, shuffle, augment bool) *Iterator {
	st := g.states[split]
	st.cursor = 0

	return &Iterator{
		g:       g,
		split:   split,
		st:      st,
		cyclic:  cyclic,
		shuffle: shuffle,
		augment: augment,
	}
}

// Iterator pulls batches from one split.
type Iterator struct {
	g       *Generator
	split   Split
	st      *state
	cyclic  bool
	shuffle bool
	augment bool
}

// Next returns the next batch. A cyclic iterator wraps to the start when it
// reaches the end; a single-pass iterator returns io.EOF from then on.
func (it *Iterator) Next() (Batch, error) {
	g := it.g
	if g.closed {
		return Batch{}, ErrClosed
	}

	n := it.st.src.len()

	if it.st.cursor >= n {
		if !it.cyclic {
			return Batch{}, io.EOF
		}

		if n == 0 {
			return Batch{}, fmt.Errorf("%w: %s", ErrEmptyPartition, it.split)
		}

		it.st.cursor = 0

		if it.shuffle {
			if p, ok := it.st.src.(permuter); ok {
				p.permute(g.shuffle.Perm(n))
			}
		}
	}

	lo := it.st.cursor
	hi := min(lo+g.opts.BatchSize, n)
	it.st.cursor = hi

	rows, err := it.st.src.rows(lo, hi)
	if err != nil {
		return Batch{}, fmt.Errorf("generator: %s rows [%d:%d]: %w", it.split, lo, hi, err)
	}

	if it.augment {
		imageproc.Augment(rows.Images, g.size, g.opts.Jitter, g.jitter)
	}

	count := rows.Len()
	maxLen := g.tok.MaxLen()
	labels := make([]int32, count*maxLen)

	for i, gt := range rows.GroundTruth {
		ids, err := g.tok.EncodePadded(gt)
		if err != nil {
			return Batch{}, fmt.Errorf("generator: %s row %d (%s): %w", it.split, lo+i, rows.Paths[i], err)
		}

		for j, id := range ids {
			labels[i*maxLen+j] = int32(id)
		}
	}

	return Batch{
		Size:        count,
		Height:      g.size.Height,
		Width:       g.size.Width,
		Images:      imageproc.Normalize(rows.Images, g.size),
		MaxLen:      maxLen,
		Labels:      labels,
		Paths:       rows.Paths,
		GroundTruth: rows.GroundTruth,
	}, nil
}
