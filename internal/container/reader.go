package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/example/go-htrdata/internal/imageproc"
	"github.com/example/go-htrdata/internal/partition"
)

// Reader gives random access to a container on disk. Rows are read with
// ReadAt, so a Reader may be shared between goroutines.
type Reader struct {
	f         *os.File
	path      string
	dataStart int64
	meta      metadata
	size      imageproc.Size
	parts     map[string]partEntries
	names     []string
}

type partEntries struct {
	rows   int
	images headerEntry
	gt     headerEntry
	path   headerEntry
}

// Rows is a contiguous range of rows from one partition.
type Rows struct {
	Size        imageproc.Size
	Images      []uint8
	GroundTruth []string
	Paths       []string
}

// Len returns the number of rows.
func (r Rows) Len() int { return len(r.Paths) }

// Image returns the pixels of row i.
func (r Rows) Image(i int) []uint8 {
	n := r.Size.Pixels()
	return r.Images[i*n : (i+1)*n]
}

// Open opens and validates the container at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: open %s: %w", path, err)
	}

	r, err := newReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return r, nil
}

func newReader(f *os.File, path string) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("container: stat %s: %w", path, err)
	}

	dataStart, header, err := decodeHeader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	payload := info.Size() - dataStart

	r := &Reader{
		f:         f,
		path:      path,
		dataStart: dataStart,
		parts:     make(map[string]partEntries),
	}

	if raw, ok := header[metadataKey]; ok {
		if err := json.Unmarshal(raw, &r.meta); err != nil {
			return nil, fmt.Errorf("%w: %s: metadata: %v", ErrCorrupt, path, err)
		}
	}

	if r.meta.Format != formatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported format %q", ErrCorrupt, path, r.meta.Format)
	}

	sized := false

	for _, name := range partition.Names {
		var (
			p     partEntries
			found int
		)

		for _, col := range []struct {
			name  string
			dtype string
			dst   *headerEntry
		}{
			{columnImages, dtypeU8, &p.images},
			{columnGroundTruth, dtypeStr, &p.gt},
			{columnPath, dtypeStr, &p.path},
		} {
			raw, ok := header[key(name, col.name)]
			if !ok {
				continue
			}

			if err := json.Unmarshal(raw, col.dst); err != nil {
				return nil, fmt.Errorf("%w: %s: entry %q: %v", ErrCorrupt, path, key(name, col.name), err)
			}

			if err := validateEntry(key(name, col.name), *col.dst, col.dtype, payload); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}

			found++
		}

		if found == 0 {
			continue
		}

		if found != 3 {
			return nil, fmt.Errorf("%w: %s: partition %q is missing columns", ErrCorrupt, path, name)
		}

		rows := p.images.Shape[0]
		if p.gt.Shape[0] != rows || p.path.Shape[0] != rows {
			return nil, fmt.Errorf("%w: %s: partition %q column lengths differ (%d/%d/%d)",
				ErrCorrupt, path, name, rows, p.gt.Shape[0], p.path.Shape[0])
		}

		size := imageproc.Size{Height: int(p.images.Shape[1]), Width: int(p.images.Shape[2])}
		if !sized {
			r.size = size
			sized = true
		} else if size != r.size {
			return nil, fmt.Errorf("%w: %s: partition %q has image size %dx%d, want %dx%d",
				ErrCorrupt, path, name, size.Height, size.Width, r.size.Height, r.size.Width)
		}

		if want := rows * int64(size.Pixels()); p.images.Offsets[1]-p.images.Offsets[0] != want {
			return nil, fmt.Errorf("%w: %s: partition %q image data is %d bytes, want %d",
				ErrCorrupt, path, name, p.images.Offsets[1]-p.images.Offsets[0], want)
		}

		for _, e := range []headerEntry{p.gt, p.path} {
			if e.Offsets[1]-e.Offsets[0] < 8*rows {
				return nil, fmt.Errorf("%w: %s: partition %q string column shorter than its offset table",
					ErrCorrupt, path, name)
			}
		}

		p.rows = int(rows)
		r.parts[name] = p
		r.names = append(r.names, name)
	}

	if len(r.names) == 0 {
		return nil, fmt.Errorf("%w: %s: no partitions found", ErrCorrupt, path)
	}

	return r, nil
}

func validateEntry(name string, e headerEntry, dtype string, payload int64) error {
	if !strings.EqualFold(e.DType, dtype) {
		return fmt.Errorf("%w: entry %q has dtype %q, want %q", ErrCorrupt, name, e.DType, dtype)
	}

	wantDims := 1
	if dtype == dtypeU8 {
		wantDims = 3
	}

	if len(e.Shape) != wantDims {
		return fmt.Errorf("%w: entry %q has shape %v, want %d dims", ErrCorrupt, name, e.Shape, wantDims)
	}

	for _, d := range e.Shape {
		if d < 0 {
			return fmt.Errorf("%w: entry %q has negative dimension in %v", ErrCorrupt, name, e.Shape)
		}
	}

	if e.Offsets[0] < 0 || e.Offsets[1] < e.Offsets[0] || e.Offsets[1] > payload {
		return fmt.Errorf("%w: entry %q data [%d:%d] exceeds payload size %d",
			ErrCorrupt, name, e.Offsets[0], e.Offsets[1], payload)
	}

	return nil
}

// Path returns the file the reader was opened from.
func (r *Reader) Path() string { return r.path }

// FullImagePath returns the directory that held the original images.
func (r *Reader) FullImagePath() string { return r.meta.FullImagePath }

// ImageSize returns the per-row image size.
func (r *Reader) ImageSize() imageproc.Size { return r.size }

// Partitions returns the partitions present, in processing order.
func (r *Reader) Partitions() []string { return append([]string(nil), r.names...) }

// Has reports whether the partition is present.
func (r *Reader) Has(name string) bool {
	_, ok := r.parts[name]
	return ok
}

// Len returns the row count of a partition.
func (r *Reader) Len(name string) (int, error) {
	p, ok := r.parts[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrPartitionNotFound, name)
	}

	return p.rows, nil
}

// Rows reads rows [lo, hi) of a partition. hi is clamped to the partition
// length.
func (r *Reader) Rows(name string, lo, hi int) (Rows, error) {
	p, ok := r.parts[name]
	if !ok {
		return Rows{}, fmt.Errorf("%w: %q", ErrPartitionNotFound, name)
	}

	lo, hi, err := clampRange(p.rows, lo, hi)
	if err != nil {
		return Rows{}, fmt.Errorf("container: %s: %w", name, err)
	}

	out := Rows{Size: r.size}

	pixels := int64(r.size.Pixels())
	out.Images = make([]uint8, int64(hi-lo)*pixels)

	if len(out.Images) > 0 {
		at := r.dataStart + p.images.Offsets[0] + int64(lo)*pixels
		if _, err := r.f.ReadAt(out.Images, at); err != nil {
			return Rows{}, fmt.Errorf("container: %s: read images: %w", name, err)
		}
	}

	if out.GroundTruth, err = r.readStrings(p.gt, p.rows, lo, hi); err != nil {
		return Rows{}, fmt.Errorf("container: %s: read gt: %w", name, err)
	}

	if out.Paths, err = r.readStrings(p.path, p.rows, lo, hi); err != nil {
		return Rows{}, fmt.Errorf("container: %s: read path: %w", name, err)
	}

	return out, nil
}

// Paths returns every image basename of a partition.
func (r *Reader) Paths(name string) ([]string, error) {
	p, ok := r.parts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, name)
	}

	return r.readStrings(p.path, p.rows, 0, p.rows)
}

// GroundTruth returns every label of a partition.
func (r *Reader) GroundTruth(name string) ([]string, error) {
	p, ok := r.parts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, name)
	}

	return r.readStrings(p.gt, p.rows, 0, p.rows)
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

func (r *Reader) readStrings(e headerEntry, rows, lo, hi int) ([]string, error) {
	if lo >= hi {
		return []string{}, nil
	}

	base := r.dataStart + e.Offsets[0]
	bytesStart := base + int64(8*rows)
	bytesLen := e.Offsets[1] - e.Offsets[0] - int64(8*rows)

	// One extra leading offset gives the start of row lo.
	first := lo
	if lo > 0 {
		first = lo - 1
	}

	table := make([]byte, 8*(hi-first))
	if _, err := r.f.ReadAt(table, base+int64(8*first)); err != nil {
		return nil, err
	}

	ends := make([]uint64, hi-first)
	for i := range ends {
		ends[i] = binary.LittleEndian.Uint64(table[8*i:])
	}

	var start uint64
	if lo > 0 {
		start = ends[0]
		ends = ends[1:]
	}

	end := ends[len(ends)-1]
	if start > end || int64(end) > bytesLen {
		return nil, fmt.Errorf("%w: string offsets [%d:%d] exceed %d bytes", ErrCorrupt, start, end, bytesLen)
	}

	data := make([]byte, end-start)
	if len(data) > 0 {
		if _, err := r.f.ReadAt(data, bytesStart+int64(start)); err != nil {
			return nil, err
		}
	}

	out := make([]string, len(ends))
	prev := start

	for i, e := range ends {
		if e < prev || e > end {
			return nil, fmt.Errorf("%w: string offsets are not monotonic", ErrCorrupt)
		}

		out[i] = string(data[prev-start : e-start])
		prev = e
	}

	return out, nil
}

func clampRange(n, lo, hi int) (int, int, error) {
	if lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("invalid row range [%d:%d]", lo, hi)
	}

	if lo > n {
		return 0, 0, fmt.Errorf("row %d out of range (len %d)", lo, n)
	}

	if hi > n {
		hi = n
	}

	return lo, hi, nil
}
