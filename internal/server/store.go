package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/example/go-htrdata/internal/container"
	"github.com/example/go-htrdata/internal/corpus"
)

// ContainerExt is the file extension of built containers.
const ContainerExt = ".htr"

// ErrDatasetNotFound is returned for unknown or unbuilt datasets.
var ErrDatasetNotFound = errors.New("server: dataset not found")

// Datasets hands out shared container readers. The release func must be
// called once the reader is no longer used.
type Datasets interface {
	Acquire(name string) (*container.Reader, func(), error)
	Available() []string
}

// Store opens containers from a directory and keeps the most recently used
// ones open. A reader evicted while a request still holds it is closed on
// release.
type Store struct {
	dir   string
	mu    sync.Mutex
	cache *lru.Cache
}

type storeEntry struct {
	r       *container.Reader
	modTime time.Time
	refs    int
	evicted bool
}

// NewStore returns a store over dir keeping at most size readers open.
func NewStore(dir string, size int) (*Store, error) {
	if size < 1 {
		size = 1
	}

	s := &Store{dir: dir}

	cache, err := lru.NewWithEvict(size, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("server: reader cache: %w", err)
	}

	s.cache = cache

	return s, nil
}

// Path returns the container file of a dataset.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+ContainerExt)
}

// Available lists the supported datasets whose container exists.
func (s *Store) Available() []string {
	var out []string

	for _, name := range corpus.Names() {
		if _, err := os.Stat(s.Path(name)); err == nil {
			out = append(out, name)
		}
	}

	return out
}

// Acquire returns an open reader for the dataset. A container rebuilt since
// it was cached is reopened.
func (s *Store) Acquire(name string) (*container.Reader, func(), error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !isSupported(name) {
		return nil, nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, name)
	}

	path := s.Path(name)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
		}

		return nil, nil, fmt.Errorf("server: stat %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(name); ok {
		e := v.(*storeEntry)
		if e.modTime.Equal(info.ModTime()) {
			e.refs++
			return e.r, s.releaser(e), nil
		}

		s.cache.Remove(name)
	}

	r, err := container.Open(path)
	if err != nil {
		return nil, nil, err
	}

	e := &storeEntry{r: r, modTime: info.ModTime(), refs: 1}
	s.cache.Add(name, e)

	return r, s.releaser(e), nil
}

// Close closes every idle reader and marks busy ones for closing on
// release.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Purge()
}

// onEvict runs with s.mu held: every cache mutation happens under it.
func (s *Store) onEvict(_, value interface{}) {
	e := value.(*storeEntry)
	e.evicted = true

	if e.refs == 0 {
		e.r.Close()
	}
}

func (s *Store) releaser(e *storeEntry) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			e.refs--
			if e.evicted && e.refs == 0 {
				e.r.Close()
			}
		})
	}
}

func isSupported(name string) bool {
	for _, n := range corpus.Names() {
		if n == name {
			return true
		}
	}

	return false
}
