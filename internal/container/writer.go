package container

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-htrdata/internal/imageproc"
	"github.com/example/go-htrdata/internal/partition"
	"github.com/example/go-htrdata/internal/text"
)

// DefaultBatchSize is the number of rows preprocessed between writes.
const DefaultBatchSize = 1024

var (
	// ErrPreprocess is returned when an image cannot be preprocessed. The
	// destination is left untouched.
	ErrPreprocess = errors.New("container: preprocess failed")
	// ErrWriterActive is returned when another save into the same
	// destination is in progress.
	ErrWriterActive = errors.New("container: another writer is active")
)

// Preprocessor turns one image file into Height*Width grayscale pixels.
type Preprocessor func(path string, size imageproc.Size) ([]uint8, error)

// SaveOptions configures Save.
type SaveOptions struct {
	ImageSize     imageproc.Size
	MaxTextLength int
	FullImagePath string
	BatchSize     int
	Workers       int
	Preprocess    Preprocessor
	Logger        *slog.Logger
}

// SaveResult reports what Save did.
type SaveResult struct {
	Skipped  bool
	Rows     map[string]int
	Duration time.Duration
}

func (o *SaveOptions) normalize() error {
	if err := o.ImageSize.Validate(); err != nil {
		return err
	}

	if o.MaxTextLength < 1 {
		return fmt.Errorf("container: max text length must be >= 1, got %d", o.MaxTextLength)
	}

	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}

	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}

	if o.Preprocess == nil {
		o.Preprocess = imageproc.Preprocess
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return nil
}

// Save writes set to dest. If dest already holds a container whose
// partitions have the same row counts and basenames, Save does nothing and
// reports Skipped. Otherwise the container is built in dest+".tmp" and
// renamed over dest once complete.
func Save(ctx context.Context, set partition.Set, dest string, opts SaveOptions) (SaveResult, error) {
	if err := opts.normalize(); err != nil {
		return SaveResult{}, err
	}

	log := opts.Logger.With("dest", dest)
	start := time.Now()

	rows := make(map[string]int, len(partition.Names))
	for _, name := range partition.Names {
		rows[name] = set.Len(name)
	}

	if _, err := os.Stat(dest); err == nil {
		same, err := Matches(dest, set)
		switch {
		case err != nil:
			log.Warn("existing container unreadable, rebuilding", "error", err)
		case same:
			log.Info("container up to date, skipping")
			return SaveResult{Skipped: true, Rows: rows, Duration: time.Since(start)}, nil
		default:
			log.Info("container differs from source, rebuilding")
		}
	}

	cols := make(map[string][2][]string, len(partition.Names))
	for _, name := range partition.Names {
		p, _ := set.Partition(name)

		gt := p.GroundTruth()
		for i := range gt {
			gt[i] = text.TruncateBytes(gt[i], opts.MaxTextLength)
		}

		cols[name] = [2][]string{gt, p.Paths()}
	}

	plan, err := planLayout(cols, opts.ImageSize, opts.FullImagePath)
	if err != nil {
		return SaveResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return SaveResult{}, fmt.Errorf("container: create output dir: %w", err)
	}

	tmp := dest + ".tmp"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return SaveResult{}, fmt.Errorf("%w: %s exists", ErrWriterActive, tmp)
		}

		return SaveResult{}, fmt.Errorf("container: create %s: %w", tmp, err)
	}

	committed := false

	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if err := f.Truncate(plan.total); err != nil {
		return SaveResult{}, fmt.Errorf("container: allocate %d bytes: %w", plan.total, err)
	}

	if _, err := f.WriteAt(plan.header, 0); err != nil {
		return SaveResult{}, fmt.Errorf("container: write header: %w", err)
	}

	for _, p := range plan.parts {
		srcPart, _ := set.Partition(p.name)
		if err := writePartition(ctx, f, plan.dataStart, p, srcPart.ImagePaths(), opts, log); err != nil {
			return SaveResult{}, err
		}
	}

	if err := f.Sync(); err != nil {
		return SaveResult{}, fmt.Errorf("container: sync: %w", err)
	}

	if err := f.Close(); err != nil {
		return SaveResult{}, fmt.Errorf("container: close: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		committed = true

		return SaveResult{}, fmt.Errorf("container: commit %s: %w", dest, err)
	}

	committed = true

	elapsed := time.Since(start)
	log.Info("container written", "bytes", plan.total, "duration_ms", elapsed.Milliseconds())

	return SaveResult{Rows: rows, Duration: elapsed}, nil
}

// writePartition preprocesses images batch by batch on a bounded worker
// group and writes each finished batch at its final offsets.
func writePartition(ctx context.Context, f *os.File, dataStart int64, p partitionPlan, imagePaths []string, opts SaveOptions, log *slog.Logger) error {
	pixels := opts.ImageSize.Pixels()
	batchStart := time.Now()

	for lo := 0; lo < p.rows; lo += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		hi := min(lo+opts.BatchSize, p.rows)
		buf := make([]uint8, (hi-lo)*pixels)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)

		for i := lo; i < hi; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}

				pix, err := opts.Preprocess(imagePaths[i], opts.ImageSize)
				if err != nil {
					return fmt.Errorf("%w: %s row %d (%s): %w", ErrPreprocess, p.name, i, imagePaths[i], err)
				}

				if len(pix) != pixels {
					return fmt.Errorf("%w: %s row %d: got %d pixels, want %d", ErrPreprocess, p.name, i, len(pix), pixels)
				}

				copy(buf[(i-lo)*pixels:], pix)

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}

		if err := writeBatch(f, dataStart, p, lo, hi, buf); err != nil {
			return fmt.Errorf("container: write %s rows [%d:%d]: %w", p.name, lo, hi, err)
		}

		log.Debug("batch written", "partition", p.name, "rows", hi, "total", p.rows)
	}

	log.Info("partition written",
		"partition", p.name,
		"rows", p.rows,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return nil
}

func writeBatch(f *os.File, dataStart int64, p partitionPlan, lo, hi int, images []uint8) error {
	if len(images) > 0 {
		pixels := int64(len(images) / (hi - lo))
		if _, err := f.WriteAt(images, dataStart+p.images.Offsets[0]+int64(lo)*pixels); err != nil {
			return err
		}
	}

	for _, c := range []struct {
		entry headerEntry
		col   stringColumn
	}{
		{p.gt, p.gtCol},
		{p.path, p.pthCol},
	} {
		base := dataStart + c.entry.Offsets[0]

		if _, err := f.WriteAt(c.col.encodeEnds(lo, hi), base+int64(8*lo)); err != nil {
			return err
		}

		if data := c.col.encodeBytes(lo, hi); len(data) > 0 {
			at := base + int64(8*p.rows) + int64(c.col.start(lo))
			if _, err := f.WriteAt(data, at); err != nil {
				return err
			}
		}
	}

	return nil
}

// Matches reports whether the container at dest has, for every partition,
// the same row count and basenames as set.
func Matches(dest string, set partition.Set) (bool, error) {
	r, err := Open(dest)
	if err != nil {
		return false, err
	}
	defer r.Close()

	for _, name := range partition.Names {
		p, _ := set.Partition(name)

		if !r.Has(name) {
			return false, nil
		}

		n, err := r.Len(name)
		if err != nil {
			return false, err
		}

		if n != p.Len() {
			return false, nil
		}

		paths, err := r.Paths(name)
		if err != nil {
			return false, err
		}

		if !slices.Equal(paths, p.Paths()) {
			return false, nil
		}
	}

	return true, nil
}
