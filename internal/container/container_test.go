package container

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/example/go-htrdata/internal/corpus"
	"github.com/example/go-htrdata/internal/imageproc"
	"github.com/example/go-htrdata/internal/partition"
	"github.com/example/go-htrdata/internal/testutil"
)

var testSize = imageproc.Size{Height: 4, Width: 6}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func makeSamples(prefix string, n int) []corpus.Sample {
	out := make([]corpus.Sample, n)
	for i := range out {
		out[i] = corpus.Sample{
			ImagePath:   filepath.Join("/images", fmt.Sprintf("%s-%03d.png", prefix, i)),
			GroundTruth: fmt.Sprintf("%s line %d", prefix, i),
		}
	}

	return out
}

func makeSet(train, valid, test int) partition.Set {
	return partition.Build(corpus.RawSplit{
		Train: makeSamples("tr", train),
		Valid: makeSamples("va", valid),
		Test:  makeSamples("te", test),
	})
}

// pixelPreprocess fills every pixel with a value derived from the row
// number encoded in the basename, and counts calls.
func pixelPreprocess(calls *atomic.Int64) Preprocessor {
	return func(path string, size imageproc.Size) ([]uint8, error) {
		calls.Add(1)

		var prefix string
		var row int
		base := strings.TrimSuffix(filepath.Base(path), ".png")
		if _, err := fmt.Sscanf(strings.Replace(base, "-", " ", 1), "%s %d", &prefix, &row); err != nil {
			return nil, err
		}

		pix := make([]uint8, size.Pixels())
		for i := range pix {
			pix[i] = uint8(row)
		}

		return pix, nil
	}
}

func saveOptions(calls *atomic.Int64) SaveOptions {
	log, _ := testutil.CaptureLogger()

	return SaveOptions{
		ImageSize:     testSize,
		MaxTextLength: 128,
		FullImagePath: "/images",
		BatchSize:     3,
		Workers:       2,
		Preprocess:    pixelPreprocess(calls),
		Logger:        log,
	}
}

func mustSave(t *testing.T, set partition.Set, dest string, opts SaveOptions) SaveResult {
	t.Helper()

	res, err := Save(context.Background(), set, dest, opts)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	return res
}

func mustOpen(t *testing.T, path string) *Reader {
	t.Helper()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { r.Close() })

	return r
}

// ---------------------------------------------------------------------------
// Save / Open
// ---------------------------------------------------------------------------

func TestSave_RoundTrip(t *testing.T) {
	var calls atomic.Int64

	dest := filepath.Join(t.TempDir(), "out", "iam.htr")
	set := makeSet(10, 4, 3)

	res := mustSave(t, set, dest, saveOptions(&calls))
	if res.Skipped {
		t.Fatal("first save reported Skipped")
	}

	r := mustOpen(t, dest)

	if got := r.FullImagePath(); got != "/images" {
		t.Errorf("FullImagePath = %q; want /images", got)
	}

	if got := r.ImageSize(); got != testSize {
		t.Errorf("ImageSize = %+v; want %+v", got, testSize)
	}

	if !slices.Equal(r.Partitions(), partition.Names) {
		t.Errorf("Partitions = %v; want %v", r.Partitions(), partition.Names)
	}

	for _, name := range partition.Names {
		src, _ := set.Partition(name)

		n, err := r.Len(name)
		if err != nil {
			t.Fatalf("Len(%s): %v", name, err)
		}

		if n != src.Len() {
			t.Errorf("Len(%s) = %d; want %d", name, n, src.Len())
		}

		rows, err := r.Rows(name, 0, n)
		if err != nil {
			t.Fatalf("Rows(%s): %v", name, err)
		}

		testutil.AssertImageBatch(t, rows.Images, n, testSize.Height, testSize.Width)

		if !slices.Equal(rows.GroundTruth, src.GroundTruth()) {
			t.Errorf("%s gt = %v; want %v", name, rows.GroundTruth, src.GroundTruth())
		}

		if !slices.Equal(rows.Paths, src.Paths()) {
			t.Errorf("%s paths = %v; want %v", name, rows.Paths, src.Paths())
		}

		for i := range n {
			testutil.AssertUniform(t, rows.Image(i), uint8(i))
		}
	}

	// train_100 is written 4 times in prefixes; every row is preprocessed
	// once per partition that holds it.
	want := int64(10 + 7 + 5 + 2 + 4 + 3)
	if calls.Load() != want {
		t.Errorf("preprocess calls = %d; want %d", calls.Load(), want)
	}

	if _, err := os.Stat(dest + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file still present: %v", err)
	}
}

func TestSave_TruncatesGroundTruth(t *testing.T) {
	var calls atomic.Int64

	set := partition.Build(corpus.RawSplit{
		Train: []corpus.Sample{{ImagePath: "/x/tr-000.png", GroundTruth: "abcdefghij"}},
	})

	opts := saveOptions(&calls)
	opts.MaxTextLength = 4

	dest := filepath.Join(t.TempDir(), "t.htr")
	mustSave(t, set, dest, opts)

	gt, err := mustOpen(t, dest).GroundTruth(partition.Train100)
	if err != nil {
		t.Fatalf("GroundTruth: %v", err)
	}

	if len(gt) != 1 || gt[0] != "abcd" {
		t.Errorf("gt = %q; want [abcd]", gt)
	}
}

func TestSave_EmptyPartitions(t *testing.T) {
	var calls atomic.Int64

	dest := filepath.Join(t.TempDir(), "e.htr")
	mustSave(t, makeSet(1, 0, 0), dest, saveOptions(&calls))

	r := mustOpen(t, dest)

	for _, name := range []string{partition.Train25, partition.Valid, partition.Test} {
		n, err := r.Len(name)
		if err != nil {
			t.Fatalf("Len(%s): %v", name, err)
		}

		if n != 0 {
			t.Errorf("Len(%s) = %d; want 0", name, n)
		}

		rows, err := r.Rows(name, 0, 10)
		if err != nil {
			t.Fatalf("Rows(%s): %v", name, err)
		}

		if rows.Len() != 0 || len(rows.Images) != 0 {
			t.Errorf("Rows(%s) returned %d rows", name, rows.Len())
		}
	}
}

func TestSave_Idempotent(t *testing.T) {
	var calls atomic.Int64

	dest := filepath.Join(t.TempDir(), "i.htr")
	set := makeSet(5, 2, 2)
	opts := saveOptions(&calls)

	mustSave(t, set, dest, opts)
	first := calls.Load()

	before, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	res := mustSave(t, set, dest, opts)
	if !res.Skipped {
		t.Error("second save did not report Skipped")
	}

	if calls.Load() != first {
		t.Errorf("second save preprocessed %d images; want 0", calls.Load()-first)
	}

	after, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !slices.Equal(before, after) {
		t.Error("container changed on idempotent save")
	}
}

func TestSave_RebuildsOnMismatch(t *testing.T) {
	var calls atomic.Int64

	dest := filepath.Join(t.TempDir(), "m.htr")
	opts := saveOptions(&calls)

	mustSave(t, makeSet(5, 2, 2), dest, opts)

	res := mustSave(t, makeSet(6, 2, 2), dest, opts)
	if res.Skipped {
		t.Fatal("save with a different set reported Skipped")
	}

	if n, _ := mustOpen(t, dest).Len(partition.Train100); n != 6 {
		t.Errorf("Len(train_100) = %d; want 6", n)
	}
}

func TestSave_RebuildsCorruptFile(t *testing.T) {
	var calls atomic.Int64

	dest := filepath.Join(t.TempDir(), "c.htr")
	testutil.WriteFile(t, dest, "not a container")

	res := mustSave(t, makeSet(3, 1, 1), dest, saveOptions(&calls))
	if res.Skipped {
		t.Fatal("corrupt destination reported Skipped")
	}

	mustOpen(t, dest)
}

func TestSave_PreprocessErrorLeavesNoFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "p.htr")

	opts := saveOptions(new(atomic.Int64))
	opts.Preprocess = func(path string, size imageproc.Size) ([]uint8, error) {
		if strings.HasSuffix(path, "tr-004.png") {
			return nil, errors.New("decode failed")
		}

		return make([]uint8, size.Pixels()), nil
	}

	_, err := Save(context.Background(), makeSet(8, 1, 1), dest, opts)
	if !errors.Is(err, ErrPreprocess) {
		t.Fatalf("Save error = %v; want ErrPreprocess", err)
	}

	if !strings.Contains(err.Error(), "tr-004.png") {
		t.Errorf("error %q does not name the failing image", err)
	}

	for _, p := range []string{dest, dest + ".tmp"} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s exists after failed save", p)
		}
	}
}

func TestSave_PreprocessWrongSize(t *testing.T) {
	opts := saveOptions(new(atomic.Int64))
	opts.Preprocess = func(string, imageproc.Size) ([]uint8, error) {
		return make([]uint8, 3), nil
	}

	_, err := Save(context.Background(), makeSet(2, 1, 1), filepath.Join(t.TempDir(), "w.htr"), opts)
	if !errors.Is(err, ErrPreprocess) {
		t.Fatalf("Save error = %v; want ErrPreprocess", err)
	}
}

func TestSave_WriterActive(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.htr")
	testutil.WriteFile(t, dest+".tmp", "")

	_, err := Save(context.Background(), makeSet(2, 1, 1), dest, saveOptions(new(atomic.Int64)))
	if !errors.Is(err, ErrWriterActive) {
		t.Fatalf("Save error = %v; want ErrWriterActive", err)
	}

	if _, err := os.Stat(dest + ".tmp"); err != nil {
		t.Errorf("other writer's temp file was removed: %v", err)
	}
}

func TestSave_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "x.htr")

	_, err := Save(ctx, makeSet(4, 1, 1), dest, saveOptions(new(atomic.Int64)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Save error = %v; want context.Canceled", err)
	}

	if _, err := os.Stat(dest + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file left after cancellation")
	}
}

func TestSave_InvalidOptions(t *testing.T) {
	opts := saveOptions(new(atomic.Int64))
	opts.ImageSize = imageproc.Size{}

	if _, err := Save(context.Background(), makeSet(1, 0, 0), filepath.Join(t.TempDir(), "o.htr"), opts); err == nil {
		t.Error("Save with zero image size returned nil error")
	}

	opts = saveOptions(new(atomic.Int64))
	opts.MaxTextLength = 0

	if _, err := Save(context.Background(), makeSet(1, 0, 0), filepath.Join(t.TempDir(), "o.htr"), opts); err == nil {
		t.Error("Save with zero max text length returned nil error")
	}
}

func TestSave_RealImages(t *testing.T) {
	dir := t.TempDir()

	var samples []corpus.Sample
	for i := range 3 {
		p := filepath.Join(dir, "lines", fmt.Sprintf("l%d.png", i))
		testutil.WritePNG(t, p, 12, 8, 0)
		samples = append(samples, corpus.Sample{ImagePath: p, GroundTruth: "x"})
	}

	set := partition.Build(corpus.RawSplit{Train: samples, Valid: samples[:1], Test: samples[:1]})
	dest := filepath.Join(dir, "real.htr")

	log, _ := testutil.CaptureLogger()
	mustSave(t, set, dest, SaveOptions{
		ImageSize:     imageproc.Size{Height: 8, Width: 16},
		MaxTextLength: 16,
		FullImagePath: filepath.Join(dir, "lines"),
		Logger:        log,
	})

	rows, err := mustOpen(t, dest).Rows(partition.Train100, 0, 3)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}

	img := rows.Image(0)
	if img[0] != 0 || img[15] != imageproc.Background {
		t.Errorf("row 0 pixels [0]=%d [15]=%d; want 0 and %d", img[0], img[15], imageproc.Background)
	}
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

func TestReader_RandomAccessAcrossBatches(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "r.htr")
	set := makeSet(11, 2, 2)
	mustSave(t, set, dest, saveOptions(new(atomic.Int64)))

	r := mustOpen(t, dest)
	src, _ := set.Partition(partition.Train100)

	for _, rng := range [][2]int{{0, 1}, {2, 5}, {5, 6}, {8, 11}, {9, 50}, {11, 11}} {
		rows, err := r.Rows(partition.Train100, rng[0], rng[1])
		if err != nil {
			t.Fatalf("Rows(%v): %v", rng, err)
		}

		hi := min(rng[1], 11)
		if rows.Len() != hi-rng[0] {
			t.Fatalf("Rows(%v) len = %d; want %d", rng, rows.Len(), hi-rng[0])
		}

		if !slices.Equal(rows.GroundTruth, src.GroundTruth()[rng[0]:hi]) {
			t.Errorf("Rows(%v) gt = %v", rng, rows.GroundTruth)
		}

		for i := range rows.Len() {
			testutil.AssertUniform(t, rows.Image(i), uint8(rng[0]+i))
		}
	}
}

func TestReader_Errors(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "r.htr")
	mustSave(t, makeSet(3, 1, 1), dest, saveOptions(new(atomic.Int64)))

	r := mustOpen(t, dest)

	if _, err := r.Len("train_10"); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("Len(unknown) error = %v; want ErrPartitionNotFound", err)
	}

	if _, err := r.Rows(partition.Test, 2, 3); err == nil {
		t.Error("Rows past end returned nil error")
	}

	if _, err := r.Rows(partition.Test, 1, 0); err == nil {
		t.Error("Rows with hi < lo returned nil error")
	}
}

func TestOpen_RejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	huge := make([]byte, 16)
	binary.LittleEndian.PutUint64(huge, 1<<40)

	badJSON := make([]byte, 8, 12)
	binary.LittleEndian.PutUint64(badJSON, 4)
	badJSON = append(badJSON, "{{{{"...)

	noFormat := make([]byte, 8, 10)
	binary.LittleEndian.PutUint64(noFormat, 2)
	noFormat = append(noFormat, "{}"...)

	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte{1, 2, 3}},
		{"header too long", huge},
		{"bad json", badJSON},
		{"no format", noFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(dir, tt.name)
			if err := os.WriteFile(p, tt.data, 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}

			if _, err := Open(p); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Open error = %v; want ErrCorrupt", err)
			}
		})
	}
}

func TestOpen_RejectsTruncatedPayload(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "t.htr")
	mustSave(t, makeSet(3, 1, 1), dest, saveOptions(new(atomic.Int64)))

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if err := os.Truncate(dest, info.Size()-10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if _, err := Open(dest); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open error = %v; want ErrCorrupt", err)
	}
}

func TestMatches(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "m.htr")
	set := makeSet(4, 2, 2)
	mustSave(t, set, dest, saveOptions(new(atomic.Int64)))

	same, err := Matches(dest, set)
	if err != nil || !same {
		t.Errorf("Matches(same) = %v, %v; want true, nil", same, err)
	}

	other := partition.Build(corpus.RawSplit{
		Train: makeSamples("tr", 4),
		Valid: makeSamples("xx", 2),
		Test:  makeSamples("te", 2),
	})

	same, err = Matches(dest, other)
	if err != nil || same {
		t.Errorf("Matches(renamed valid) = %v, %v; want false, nil", same, err)
	}
}
