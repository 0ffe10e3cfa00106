package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/example/go-htrdata/internal/container"
	"github.com/example/go-htrdata/internal/corpus"
	"github.com/example/go-htrdata/internal/imageproc"
	"github.com/example/go-htrdata/internal/partition"
	"github.com/example/go-htrdata/internal/testutil"
	"github.com/example/go-htrdata/internal/tokenizer"
)

var testSize = imageproc.Size{Height: 2, Width: 3}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func samples(prefix string, n int) []corpus.Sample {
	out := make([]corpus.Sample, n)
	for i := range out {
		out[i] = corpus.Sample{
			ImagePath:   fmt.Sprintf("/img/%s-%d.png", prefix, i),
			GroundTruth: fmt.Sprintf("%s %d", prefix, i),
		}
	}

	return out
}

// rowPixels gives every row a distinct, non-flat image.
func rowPixels(path string, size imageproc.Size) ([]uint8, error) {
	var row int

	base := strings.TrimSuffix(filepath.Base(path), ".png")
	if _, err := fmt.Sscanf(base[strings.IndexByte(base, '-')+1:], "%d", &row); err != nil {
		return nil, err
	}

	pix := make([]uint8, size.Pixels())
	for i := range pix {
		pix[i] = uint8(row + (i%2)*100)
	}

	return pix, nil
}

func buildContainer(t *testing.T, train, valid, test int) string {
	t.Helper()

	set := partition.Build(corpus.RawSplit{
		Train: samples("tr", train),
		Valid: samples("va", valid),
		Test:  samples("te", test),
	})

	log, _ := testutil.CaptureLogger()
	dest := filepath.Join(t.TempDir(), "data.htr")

	_, err := container.Save(context.Background(), set, dest, container.SaveOptions{
		ImageSize:     testSize,
		MaxTextLength: 128,
		Preprocess:    rowPixels,
		Logger:        log,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	return dest
}

func testOptions(batch int) Options {
	log, _ := testutil.CaptureLogger()

	opts := DefaultOptions()
	opts.BatchSize = batch
	opts.Jitter = imageproc.Jitter{}
	opts.Logger = log

	return opts
}

func openGenerator(t *testing.T, path string, opts Options) *Generator {
	t.Helper()

	g, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { g.Close() })

	return g
}

func pull(t *testing.T, it *Iterator) Batch {
	t.Helper()

	b, err := it.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	return b
}

func gtRange(prefix string, idx ...int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = fmt.Sprintf("%s %d", prefix, j)
	}

	return out
}

// ---------------------------------------------------------------------------
// Open / Size / Steps
// ---------------------------------------------------------------------------

func TestOpen_SizesAndSteps(t *testing.T) {
	path := buildContainer(t, 10, 5, 7)
	g := openGenerator(t, path, testOptions(4))

	tests := []struct {
		split Split
		size  int
		steps int
	}{
		{Train, 10, 3},
		{Valid, 5, 2},
		{Test, 7, 2},
	}

	for _, tt := range tests {
		if got := g.Size(tt.split); got != tt.size {
			t.Errorf("Size(%s) = %d; want %d", tt.split, got, tt.size)
		}

		if got := g.Steps(tt.split); got != tt.steps {
			t.Errorf("Steps(%s) = %d; want %d", tt.split, got, tt.steps)
		}
	}

	if g.ImageSize() != testSize {
		t.Errorf("ImageSize = %+v; want %+v", g.ImageSize(), testSize)
	}
}

func TestOpen_TrainPartition(t *testing.T) {
	path := buildContainer(t, 10, 1, 1)

	opts := testOptions(4)
	opts.TrainPartition = partition.Train50

	if got := openGenerator(t, path, opts).Size(Train); got != 5 {
		t.Errorf("Size(train) over train_50 = %d; want 5", got)
	}
}

func TestOpen_RejectsBadOptions(t *testing.T) {
	path := buildContainer(t, 2, 1, 1)

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"zero batch", func(o *Options) { o.BatchSize = 0 }},
		{"non-train partition", func(o *Options) { o.TrainPartition = partition.Valid }},
		{"zero max length", func(o *Options) { o.MaxTextLength = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(2)
			tt.modify(&opts)

			if _, err := Open(path, opts); err == nil {
				t.Fatal("Open returned nil error")
			}
		})
	}
}

func TestOpen_MissingContainer(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "none.htr"), testOptions(2)); err == nil {
		t.Fatal("Open of missing file returned nil error")
	}
}

// ---------------------------------------------------------------------------
// Train
// ---------------------------------------------------------------------------

func TestTrain_SeededReshuffle(t *testing.T) {
	path := buildContainer(t, 10, 1, 1)
	opts := testOptions(4)
	g := openGenerator(t, path, opts)

	it := g.Train()

	want := [][]string{
		gtRange("tr", 0, 1, 2, 3),
		gtRange("tr", 4, 5, 6, 7),
		gtRange("tr", 8, 9),
	}

	for i, w := range want {
		if b := pull(t, it); !slices.Equal(b.GroundTruth, w) {
			t.Fatalf("pull %d gt = %v; want %v", i+1, b.GroundTruth, w)
		}
	}

	perm := rand.New(rand.NewPCG(opts.Seed, shuffleStream)).Perm(10)

	b := pull(t, it)
	if !slices.Equal(b.GroundTruth, gtRange("tr", perm[:4]...)) {
		t.Fatalf("pull 4 gt = %v; want %v", b.GroundTruth, gtRange("tr", perm[:4]...))
	}

	// Images, labels and paths stay paired after the shuffle.
	for i := range b.Size {
		if got := g.Tokenizer().Decode(int32sToInts(b.Label(i))); got != b.GroundTruth[i] {
			t.Errorf("row %d label decodes to %q; want %q", i, got, b.GroundTruth[i])
		}

		if want := fmt.Sprintf("tr-%d.png", perm[i]); b.Paths[i] != want {
			t.Errorf("row %d path = %q; want %q", i, b.Paths[i], want)
		}
	}

	pix, _ := rowPixels(fmt.Sprintf("tr-%d.png", perm[0]), testSize)
	wantImg := imageproc.Normalize(pix, testSize)

	if !slices.Equal(b.Image(0), wantImg) {
		t.Errorf("row 0 image = %v; want %v", b.Image(0), wantImg)
	}
}

func TestTrain_ResetOnNewIterator(t *testing.T) {
	g := openGenerator(t, buildContainer(t, 6, 1, 1), testOptions(4))

	pull(t, g.Train())

	if b := pull(t, g.Train()); !slices.Equal(b.GroundTruth, gtRange("tr", 0, 1, 2, 3)) {
		t.Errorf("gt after reset = %v; want rows 0-3", b.GroundTruth)
	}
}

func TestTrain_StreamDoesNotReshuffle(t *testing.T) {
	opts := testOptions(4)
	opts.Stream = true

	g := openGenerator(t, buildContainer(t, 10, 1, 1), opts)
	it := g.Train()

	for range 3 {
		pull(t, it)
	}

	if b := pull(t, it); !slices.Equal(b.GroundTruth, gtRange("tr", 0, 1, 2, 3)) {
		t.Errorf("stream wrap gt = %v; want rows 0-3 in stored order", b.GroundTruth)
	}
}

func TestTrain_AugmentationIsSeeded(t *testing.T) {
	path := buildContainer(t, 5, 1, 1)

	opts := testOptions(5)
	opts.Jitter = imageproc.Jitter{Rotation: 30, Scale: 0.5, HeightShift: 0.5, WidthShift: 0.5}

	a := pull(t, openGenerator(t, path, opts).Train())
	b := pull(t, openGenerator(t, path, opts).Train())

	if !slices.Equal(a.Images, b.Images) {
		t.Error("same seed produced different augmented batches")
	}
}

func TestTrain_BatchShape(t *testing.T) {
	g := openGenerator(t, buildContainer(t, 3, 1, 1), testOptions(2))
	b := pull(t, g.Train())

	if b.Size != 2 || b.Height != testSize.Height || b.Width != testSize.Width {
		t.Fatalf("batch shape = %d x %dx%d", b.Size, b.Height, b.Width)
	}

	if len(b.Images) != 2*testSize.Pixels() {
		t.Errorf("len(Images) = %d; want %d", len(b.Images), 2*testSize.Pixels())
	}

	if b.MaxLen != 128 || len(b.Labels) != 2*128 {
		t.Errorf("labels = %d (MaxLen %d); want 256 (128)", len(b.Labels), b.MaxLen)
	}

	if b.Label(0)[127] != int32(g.Tokenizer().PAD()) {
		t.Error("label row not padded with PAD")
	}

	testutil.AssertNormalized(t, b.Images, testSize.Pixels())
}

func TestTrain_LabelTooLong(t *testing.T) {
	opts := testOptions(2)
	opts.MaxTextLength = 3

	g := openGenerator(t, buildContainer(t, 2, 1, 1), opts)

	if _, err := g.Train().Next(); !errors.Is(err, tokenizer.ErrLengthExceeded) {
		t.Fatalf("Next error = %v; want ErrLengthExceeded", err)
	}
}

// ---------------------------------------------------------------------------
// Valid / Test
// ---------------------------------------------------------------------------

func TestValid_WrapsWithoutShuffle(t *testing.T) {
	g := openGenerator(t, buildContainer(t, 2, 5, 1), testOptions(2))
	it := g.Valid()

	want := [][]string{
		gtRange("va", 0, 1),
		gtRange("va", 2, 3),
		gtRange("va", 4),
		gtRange("va", 0, 1),
		gtRange("va", 2, 3),
	}

	for i, w := range want {
		if b := pull(t, it); !slices.Equal(b.GroundTruth, w) {
			t.Fatalf("pull %d gt = %v; want %v", i+1, b.GroundTruth, w)
		}
	}
}

func TestTest_SinglePassThenEOF(t *testing.T) {
	g := openGenerator(t, buildContainer(t, 2, 1, 7), testOptions(4))
	it := g.Test()

	if b := pull(t, it); b.Size != 4 {
		t.Fatalf("first batch size = %d; want 4", b.Size)
	}

	b := pull(t, it)
	if b.Size != 3 || !slices.Equal(b.GroundTruth, gtRange("te", 4, 5, 6)) {
		t.Fatalf("second batch = %d rows %v; want 3 rows te 4-6", b.Size, b.GroundTruth)
	}

	for range 2 {
		if _, err := it.Next(); !errors.Is(err, io.EOF) {
			t.Fatalf("Next after end = %v; want io.EOF", err)
		}
	}

	if b := pull(t, g.Test()); b.Size != 4 {
		t.Errorf("restarted test batch size = %d; want 4", b.Size)
	}
}

func TestTest_EmptyPartition(t *testing.T) {
	g := openGenerator(t, buildContainer(t, 2, 0, 0), testOptions(2))

	if _, err := g.Test().Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Test().Next() = %v; want io.EOF", err)
	}

	if _, err := g.Valid().Next(); !errors.Is(err, ErrEmptyPartition) {
		t.Errorf("Valid().Next() = %v; want ErrEmptyPartition", err)
	}
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestClose_Idempotent(t *testing.T) {
	for _, stream := range []bool{false, true} {
		opts := testOptions(2)
		opts.Stream = stream

		g, err := Open(buildContainer(t, 2, 1, 1), opts)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}

		if err := g.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		if err := g.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}

		if _, err := g.Train().Next(); !errors.Is(err, ErrClosed) {
			t.Errorf("Next after Close = %v; want ErrClosed", err)
		}
	}
}

func int32sToInts(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}

	return out
}
