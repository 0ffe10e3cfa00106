// Package container implements the single-file HTR dataset container: six
// named partitions, each holding an image tensor, ground-truth strings and
// image basenames, plus the full_image_path attribute.
//
// File layout (all integers little-endian):
//
//	u64 header length N
//	N bytes of JSON header
//	payload
//
// The header maps "<partition>/<column>" to {dtype, shape, data_offsets};
// offsets are relative to the start of the payload. Column "dt" has dtype
// U8 and shape [rows, height, width]. Columns "gt" and "path" have dtype
// STR and shape [rows]; their data is rows u64 end offsets followed by the
// concatenated UTF-8 bytes. The "__metadata__" key holds format and
// full_image_path.
package container

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/example/go-htrdata/internal/imageproc"
	"github.com/example/go-htrdata/internal/partition"
)

const (
	formatVersion = "htrdata/v1"
	metadataKey   = "__metadata__"

	dtypeU8  = "U8"
	dtypeStr = "STR"

	columnImages      = "dt"
	columnGroundTruth = "gt"
	columnPath        = "path"

	// maxHeaderBytes bounds the JSON header we are willing to parse.
	maxHeaderBytes = 64 << 20
)

var (
	// ErrPartitionNotFound is returned for partitions absent from a container.
	ErrPartitionNotFound = errors.New("container: partition not found")
	// ErrCorrupt is returned when the header or payload is inconsistent.
	ErrCorrupt = errors.New("container: corrupt file")
)

type headerEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

type metadata struct {
	Format        string `json:"format"`
	FullImagePath string `json:"full_image_path"`
}

func key(part, column string) string {
	return part + "/" + column
}

// stringColumn is a STR column laid out in memory before it is written.
type stringColumn struct {
	values []string
	ends   []uint64
}

func newStringColumn(values []string) stringColumn {
	ends := make([]uint64, len(values))

	var total uint64
	for i, v := range values {
		total += uint64(len(v))
		ends[i] = total
	}

	return stringColumn{values: values, ends: ends}
}

// start returns the byte offset of row i within the string bytes.
func (c stringColumn) start(i int) uint64 {
	if i == 0 {
		return 0
	}

	return c.ends[i-1]
}

func (c stringColumn) byteLen() int64 {
	if len(c.ends) == 0 {
		return 0
	}

	return int64(c.ends[len(c.ends)-1])
}

// encodeEnds serialises ends[lo:hi].
func (c stringColumn) encodeEnds(lo, hi int) []byte {
	buf := make([]byte, 8*(hi-lo))
	for i := lo; i < hi; i++ {
		binary.LittleEndian.PutUint64(buf[8*(i-lo):], c.ends[i])
	}

	return buf
}

// encodeBytes concatenates values[lo:hi].
func (c stringColumn) encodeBytes(lo, hi int) []byte {
	if lo >= hi {
		return nil
	}

	buf := make([]byte, 0, c.ends[hi-1]-c.start(lo))
	for _, v := range c.values[lo:hi] {
		buf = append(buf, v...)
	}

	return buf
}

// partitionPlan records where one partition's columns live in the payload.
type partitionPlan struct {
	name   string
	rows   int
	images headerEntry
	gt     headerEntry
	path   headerEntry
	gtCol  stringColumn
	pthCol stringColumn
}

// layout is the complete on-disk plan of a container.
type layout struct {
	header    []byte
	dataStart int64
	total     int64
	parts     []partitionPlan
}

// planLayout assigns payload offsets to every column in partition order and
// encodes the header.
func planLayout(cols map[string][2][]string, size imageproc.Size, fullImagePath string) (layout, error) {
	var (
		off   int64
		parts []partitionPlan
	)

	header := make(map[string]any, 3*len(partition.Names)+1)
	header[metadataKey] = metadata{Format: formatVersion, FullImagePath: fullImagePath}

	for _, name := range partition.Names {
		c, ok := cols[name]
		if !ok {
			return layout{}, fmt.Errorf("container: partition %q missing from set", name)
		}

		gt, paths := c[0], c[1]
		if len(gt) != len(paths) {
			return layout{}, fmt.Errorf("container: partition %q has %d labels but %d paths", name, len(gt), len(paths))
		}

		rows := len(gt)
		p := partitionPlan{
			name:   name,
			rows:   rows,
			gtCol:  newStringColumn(gt),
			pthCol: newStringColumn(paths),
		}

		imgBytes := int64(rows) * int64(size.Pixels())
		p.images = headerEntry{
			DType:   dtypeU8,
			Shape:   []int64{int64(rows), int64(size.Height), int64(size.Width)},
			Offsets: [2]int64{off, off + imgBytes},
		}
		off += imgBytes

		gtBytes := int64(8*rows) + p.gtCol.byteLen()
		p.gt = headerEntry{DType: dtypeStr, Shape: []int64{int64(rows)}, Offsets: [2]int64{off, off + gtBytes}}
		off += gtBytes

		pathBytes := int64(8*rows) + p.pthCol.byteLen()
		p.path = headerEntry{DType: dtypeStr, Shape: []int64{int64(rows)}, Offsets: [2]int64{off, off + pathBytes}}
		off += pathBytes

		header[key(name, columnImages)] = p.images
		header[key(name, columnGroundTruth)] = p.gt
		header[key(name, columnPath)] = p.path

		parts = append(parts, p)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return layout{}, fmt.Errorf("container: encode header: %w", err)
	}

	buf := make([]byte, 8, 8+len(headerJSON))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)

	start := int64(len(buf))

	return layout{header: buf, dataStart: start, total: start + off, parts: parts}, nil
}

// decodeHeader reads the length prefix and JSON header from r.
func decodeHeader(r io.ReaderAt, fileSize int64) (int64, map[string]json.RawMessage, error) {
	if fileSize < 8 {
		return 0, nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorrupt, fileSize)
	}

	var prefix [8]byte
	if _, err := r.ReadAt(prefix[:], 0); err != nil {
		return 0, nil, fmt.Errorf("container: read header length: %w", err)
	}

	n := binary.LittleEndian.Uint64(prefix[:])
	if n > maxHeaderBytes || n > math.MaxInt64-8 || int64(n)+8 > fileSize {
		return 0, nil, fmt.Errorf("%w: header length %d exceeds file size %d", ErrCorrupt, n, fileSize)
	}

	raw := make([]byte, n)
	if _, err := r.ReadAt(raw, 8); err != nil {
		return 0, nil, fmt.Errorf("container: read header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, nil, fmt.Errorf("%w: parse header: %v", ErrCorrupt, err)
	}

	return 8 + int64(n), header, nil
}
