// Package doctor provides environment preflight checks for htrdata.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/example/go-htrdata/internal/container"
	"github.com/example/go-htrdata/internal/corpus"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// CorpusCheck names a corpus and the root of its raw files.
type CorpusCheck struct {
	Name            string
	Root            string
	CrossValidation string
}

// Config holds the inputs for each doctor check.
type Config struct {
	// Corpora are checked for every raw file their adapter requires.
	Corpora []CorpusCheck
	// Containers are opened and validated. Missing files are reported but
	// only fail when RequireContainers is set.
	Containers        []string
	RequireContainers bool
	// OutputDir must exist (or be creatable) and be writable.
	OutputDir string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- raw corpora ------------------------------------------------------
	for _, c := range cfg.Corpora {
		adapter, err := corpus.New(c.Name, corpus.Options{CrossValidation: c.CrossValidation})
		if err != nil {
			res.fail(fmt.Sprintf("corpus %s: %v", c.Name, err))
			fmt.Fprintf(w, "%s corpus %s: %v\n", FailMark, c.Name, err)
			continue
		}

		missing := 0
		required := adapter.RequiredFiles(c.Root)

		for _, path := range required {
			if _, err := os.Stat(path); err != nil {
				missing++
				res.fail(fmt.Sprintf("corpus %s: missing %s", adapter.Name(), path))
				fmt.Fprintf(w, "%s corpus %s: missing %s\n", FailMark, adapter.Name(), path)
			}
		}

		if missing == 0 {
			fmt.Fprintf(w, "%s corpus %s: %d source files present under %s\n", PassMark, adapter.Name(), len(required), c.Root)
		}

		if info, err := os.Stat(adapter.ImageDir(c.Root)); err != nil || !info.IsDir() {
			res.fail(fmt.Sprintf("corpus %s: image directory %s not found", adapter.Name(), adapter.ImageDir(c.Root)))
			fmt.Fprintf(w, "%s corpus %s: image directory %s not found\n", FailMark, adapter.Name(), adapter.ImageDir(c.Root))
		}
	}

	// ---- containers -------------------------------------------------------
	for _, path := range cfg.Containers {
		checkContainer(&res, path, cfg.RequireContainers, w)
	}

	// ---- output directory -------------------------------------------------
	if cfg.OutputDir != "" {
		if err := checkWritable(cfg.OutputDir); err != nil {
			res.fail(fmt.Sprintf("output dir %s: %v", cfg.OutputDir, err))
			fmt.Fprintf(w, "%s output dir %s: %v\n", FailMark, cfg.OutputDir, err)
		} else {
			fmt.Fprintf(w, "%s output dir: %s writable\n", PassMark, cfg.OutputDir)
		}
	}

	return res
}

func checkContainer(res *Result, path string, required bool, w io.Writer) {
	r, err := container.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			fmt.Fprintf(w, "%s container %s: not built yet\n", PassMark, path)
			return
		}

		res.fail(fmt.Sprintf("container %s: %v", path, err))
		fmt.Fprintf(w, "%s container %s: %v\n", FailMark, path, err)
		return
	}
	defer r.Close()

	total := 0
	for _, p := range r.Partitions() {
		n, _ := r.Len(p)
		total += n
	}

	size := r.ImageSize()
	fmt.Fprintf(w, "%s container %s: %d partitions, %d rows, %dx%d images\n",
		PassMark, path, len(r.Partitions()), total, size.Width, size.Height)
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}

	name := f.Name()
	f.Close()

	return os.Remove(name)
}
