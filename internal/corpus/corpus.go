// Package corpus parses raw handwritten-text-recognition datasets into a
// common sample model.
//
// Each supported corpus has its own on-disk layout; an Adapter hides that
// layout behind Parse. Adapters are selected by name through New.
package corpus

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/example/go-htrdata/internal/text"
)

var (
	// ErrMissingSourceFile matches any *MissingSourceFileError.
	ErrMissingSourceFile = errors.New("corpus: missing source file")
	// ErrEmptyTrainingSet is returned when no usable training sample remains.
	ErrEmptyTrainingSet = errors.New("corpus: training set is empty")
	// ErrUnsupportedCorpus is returned by New for unknown corpus names.
	ErrUnsupportedCorpus = errors.New("corpus: unsupported corpus")
)

// MissingSourceFileError names a required raw file that does not exist.
type MissingSourceFileError struct {
	Path string
}

func (e *MissingSourceFileError) Error() string {
	return fmt.Sprintf("corpus: missing source file %s", e.Path)
}

func (e *MissingSourceFileError) Is(target error) bool {
	return target == ErrMissingSourceFile
}

// Sample is one line image and its transcription.
type Sample struct {
	ImagePath   string
	GroundTruth string
}

// RawSplit holds the corpus-defined train/valid/test lists in file order.
type RawSplit struct {
	Train []Sample
	Valid []Sample
	Test  []Sample
}

// Adapter reads one corpus layout.
type Adapter interface {
	// Name returns the registry name of the corpus.
	Name() string
	// Parse reads the raw corpus under root.
	Parse(root string) (RawSplit, error)
	// ImageDir returns the directory holding the line images.
	ImageDir(root string) string
	// RequiredFiles lists the raw files Parse cannot do without.
	RequiredFiles(root string) []string
}

// Options configures adapter construction.
type Options struct {
	// Logger receives skip warnings. Nil means slog.Default().
	Logger *slog.Logger
	// CrossValidation selects the Washington sets/<cv> directory.
	CrossValidation string
}

// Factory builds an Adapter.
type Factory func(opts Options) Adapter

var registry = map[string]Factory{
	"bentham":    func(opts Options) Adapter { return &bentham{log: opts.logger()} },
	"washington": newWashington,
	"iam":        func(opts Options) Adapter { return &iam{log: opts.logger()} },
}

// New returns the adapter registered under name. Matching ignores case and
// surrounding whitespace.
func New(name string, opts Options) (Adapter, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	factory, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("%w %q (expected %s)", ErrUnsupportedCorpus, name, strings.Join(Names(), "|"))
	}

	return factory(opts), nil
}

// Names returns the registered corpus names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}

	return slog.Default()
}

// entry is a raw list item before filtering.
type entry struct {
	id          string
	imagePath   string
	groundTruth string
	found       bool
}

// finalize applies the shared skip rules and builds the RawSplit.
func finalize(corpus string, log *slog.Logger, train, valid, test []entry) (RawSplit, error) {
	split := RawSplit{
		Train: keep(corpus, "train", log, train),
		Valid: keep(corpus, "valid", log, valid),
		Test:  keep(corpus, "test", log, test),
	}

	if len(split.Train) == 0 {
		return RawSplit{}, fmt.Errorf("%w: %s", ErrEmptyTrainingSet, corpus)
	}

	log.Info("corpus parsed",
		slog.String("corpus", corpus),
		slog.Int("train", len(split.Train)),
		slog.Int("valid", len(split.Valid)),
		slog.Int("test", len(split.Test)),
	)

	return split, nil
}

func keep(corpus, split string, log *slog.Logger, entries []entry) []Sample {
	out := make([]Sample, 0, len(entries))

	for _, e := range entries {
		if !e.found {
			log.Warn("missing ground truth, skipping",
				slog.String("corpus", corpus),
				slog.String("split", split),
				slog.String("id", e.id),
			)

			continue
		}

		gt, err := text.Normalize(e.groundTruth)
		if err != nil {
			log.Warn("empty ground truth, skipping",
				slog.String("corpus", corpus),
				slog.String("split", split),
				slog.String("id", e.id),
			)

			continue
		}

		out = append(out, Sample{ImagePath: e.imagePath, GroundTruth: gt})
	}

	return out
}

// readLines returns the non-blank, trimmed lines of path.
func readLines(path string) ([]string, error) {
	raw, err := readAllLines(path)
	if err != nil {
		return nil, err
	}

	out := raw[:0]
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}

	return out, nil
}

// readAllLines returns every line of path without trimming.
func readAllLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sourceError(path, err)
	}
	defer f.Close()

	var lines []string

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("corpus: read %s: %w", path, err)
	}

	return lines, nil
}

func sourceError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &MissingSourceFileError{Path: path}
	}

	return fmt.Errorf("corpus: open %s: %w", path, err)
}
