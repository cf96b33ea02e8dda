// Package source provides the forward-only byte sources a remux job reads
// from: an in-memory buffer, a file, and a bounded pipe fed by a concurrent
// producer. No source exposes seeking, and every source keeps returning
// io.EOF once it is exhausted.
package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/zsiec/remux/internal/media"
)

// Source is a forward-only input for a single remux job.
type Source interface {
	io.ReadCloser
	Stats() Stats
}

// Stats captures read-side counters for a source.
type Stats struct {
	BytesRead int64 `json:"bytesRead"`
	ReadCount int64 `json:"readCount"`
}

type counter struct {
	bytes atomic.Int64
	reads atomic.Int64
}

func (c *counter) record(n int) {
	c.bytes.Add(int64(n))
	c.reads.Add(1)
}

func (c *counter) stats() Stats {
	return Stats{BytesRead: c.bytes.Load(), ReadCount: c.reads.Load()}
}

var errClosed = errors.New("source closed")

// Memory reads from a byte slice held in memory.
type Memory struct {
	data   []byte
	off    int
	closed atomic.Bool
	counter
}

// NewMemory returns a Source over b. The slice is not copied and must not
// be modified while the source is in use.
func NewMemory(b []byte) *Memory {
	return &Memory{data: b}
}

func (m *Memory) Read(p []byte) (int, error) {
	if m.closed.Load() {
		return 0, fmt.Errorf("%w: %w", media.ErrRead, errClosed)
	}
	if m.off >= len(m.data) {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := copy(p, m.data[m.off:])
	m.off += n
	m.record(n)
	return n, nil
}

// Len returns the number of unread bytes.
func (m *Memory) Len() int { return len(m.data) - m.off }

// Close makes later reads fail. It may be called concurrently with Read.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Memory) Stats() Stats { return m.stats() }

// File reads sequentially from a file on disk.
type File struct {
	f   *os.File
	eof bool
	counter
}

// OpenFile opens path for sequential reading. Failure wraps media.ErrOpen.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrOpen, err)
	}
	return &File{f: f}, nil
}

func (s *File) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	n, err := s.f.Read(p)
	if n > 0 {
		s.record(n)
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		s.eof = true
		return n, io.EOF
	default:
		return n, fmt.Errorf("%w: %w", media.ErrRead, err)
	}
}

// Name returns the path the file was opened with.
func (s *File) Name() string { return s.f.Name() }

func (s *File) Close() error { return s.f.Close() }

func (s *File) Stats() Stats { return s.stats() }
