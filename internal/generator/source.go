package generator

import (
	"fmt"

	"github.com/example/go-htrdata/internal/container"
)

// source yields rows of one partition. rows returns images the caller may
// modify.
type source interface {
	len() int
	rows(lo, hi int) (container.Rows, error)
}

type permuter interface {
	permute(perm []int)
}

// memorySource holds a whole partition in memory.
type memorySource struct {
	data container.Rows
}

func loadMemorySource(r *container.Reader, name string) (*memorySource, error) {
	n, err := r.Len(name)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	rows, err := r.Rows(name, 0, n)
	if err != nil {
		return nil, fmt.Errorf("generator: load %s: %w", name, err)
	}

	return &memorySource{data: rows}, nil
}

func (m *memorySource) len() int { return m.data.Len() }

func (m *memorySource) rows(lo, hi int) (container.Rows, error) {
	pixels := m.data.Size.Pixels()

	return container.Rows{
		Size:        m.data.Size,
		Images:      append([]uint8(nil), m.data.Images[lo*pixels:hi*pixels]...),
		GroundTruth: append([]string(nil), m.data.GroundTruth[lo:hi]...),
		Paths:       append([]string(nil), m.data.Paths[lo:hi]...),
	}, nil
}

// permute reorders all columns so row i becomes old row perm[i].
func (m *memorySource) permute(perm []int) {
	pixels := m.data.Size.Pixels()

	images := make([]uint8, len(m.data.Images))
	gt := make([]string, len(perm))
	paths := make([]string, len(perm))

	for i, j := range perm {
		copy(images[i*pixels:(i+1)*pixels], m.data.Images[j*pixels:(j+1)*pixels])
		gt[i] = m.data.GroundTruth[j]
		paths[i] = m.data.Paths[j]
	}

	m.data.Images = images
	m.data.GroundTruth = gt
	m.data.Paths = paths
}

// streamSource reads rows from an open container on demand.
type streamSource struct {
	r    *container.Reader
	name string
	n    int
}

func newStreamSource(r *container.Reader, name string) (*streamSource, error) {
	n, err := r.Len(name)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	return &streamSource{r: r, name: name, n: n}, nil
}

func (s *streamSource) len() int { return s.n }

func (s *streamSource) rows(lo, hi int) (container.Rows, error) {
	return s.r.Rows(s.name, lo, hi)
}
