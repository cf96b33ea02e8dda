package source

import (
	"fmt"
	"io"
	"sync"

	"github.com/zsiec/remux/internal/media"
)

// Pipe sizing defaults. Depth is counted in chunks, so the most a pipe
// buffers is depth*ChunkSize bytes.
const (
	DefaultPipeDepth = 64
	ChunkSize        = 32 * 1024
)

// NewPipe creates a bounded single-producer, single-consumer pipe. Writes
// block once depth chunks are queued and reads block while the pipe is
// empty. The writer signals end of stream with Close; the reader cancels
// the producer with Close.
func NewPipe(depth int) (*PipeReader, *PipeWriter) {
	if depth <= 0 {
		depth = DefaultPipeDepth
	}
	p := &pipe{
		ch:    make(chan []byte, depth),
		rdone: make(chan struct{}),
		wdone: make(chan struct{}),
	}
	return &PipeReader{p: p}, &PipeWriter{p: p}
}

type pipe struct {
	ch chan []byte

	rdone chan struct{}
	ronce sync.Once
	wdone chan struct{}
	wonce sync.Once
	werr  error // written before wdone is closed
}

// PipeReader is the consumer half of a pipe. It implements Source.
type PipeReader struct {
	p    *pipe
	buf  []byte
	err  error // sticky terminal error
	stat counter
}

func (r *PipeReader) Read(b []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, err := r.next()
		if err != nil {
			r.err = err
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(b, r.buf)
	r.buf = r.buf[n:]
	r.stat.record(n)
	return n, nil
}

func (r *PipeReader) next() ([]byte, error) {
	select {
	case c := <-r.p.ch:
		return c, nil
	default:
	}
	select {
	case c := <-r.p.ch:
		return c, nil
	case <-r.p.rdone:
		return nil, fmt.Errorf("%w: %w", media.ErrRead, io.ErrClosedPipe)
	case <-r.p.wdone:
		// Chunks queued before the writer closed are still delivered.
		select {
		case c := <-r.p.ch:
			return c, nil
		default:
		}
		if r.p.werr != nil {
			return nil, fmt.Errorf("%w: %w", media.ErrRead, r.p.werr)
		}
		return nil, io.EOF
	}
}

// Close cancels the pipe. Pending and future writes fail with
// io.ErrClosedPipe and further reads return an error wrapping media.ErrRead.
func (r *PipeReader) Close() error {
	r.p.ronce.Do(func() { close(r.p.rdone) })
	return nil
}

func (r *PipeReader) Stats() Stats { return r.stat.stats() }

// PipeWriter is the producer half of a pipe.
type PipeWriter struct {
	p    *pipe
	stat counter
}

// Write copies b into the pipe, blocking while it is full. It returns
// io.ErrClosedPipe once either side has been closed.
func (w *PipeWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := min(len(b), ChunkSize)
		chunk := make([]byte, n)
		copy(chunk, b[:n])

		select {
		case <-w.p.rdone:
			return written, io.ErrClosedPipe
		case <-w.p.wdone:
			return written, io.ErrClosedPipe
		default:
		}
		select {
		case w.p.ch <- chunk:
		case <-w.p.rdone:
			return written, io.ErrClosedPipe
		case <-w.p.wdone:
			return written, io.ErrClosedPipe
		}
		written += n
		b = b[n:]
		w.stat.record(n)
	}
	return written, nil
}

// Close marks the end of the stream. The reader sees io.EOF after draining.
func (w *PipeWriter) Close() error {
	return w.CloseWithError(nil)
}

// CloseWithError ends the stream with err. A nil err is equivalent to Close.
// Only the first close takes effect.
func (w *PipeWriter) CloseWithError(err error) error {
	w.p.wonce.Do(func() {
		w.p.werr = err
		close(w.p.wdone)
	})
	return nil
}

// Stats reports the bytes accepted by the pipe.
func (w *PipeWriter) Stats() Stats { return w.stat.stats() }
