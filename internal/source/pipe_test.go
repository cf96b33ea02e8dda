package source

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/remux/internal/media"
)

func TestPipeDeliversInOrder(t *testing.T) {
	t.Parallel()

	r, w := NewPipe(4)
	want := bytes.Repeat([]byte("0123456789abcdef"), 10000) // spans several chunks

	go func() {
		for off := 0; off < len(want); off += 1000 {
			end := min(off+1000, len(want))
			if _, err := w.Write(want[off:end]); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		w.Close()
	}()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %d bytes, want %d", len(got), len(want))
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("read after EOF = %v, want EOF", err)
	}
	if s := r.Stats(); s.BytesRead != int64(len(want)) {
		t.Errorf("BytesRead = %d, want %d", s.BytesRead, len(want))
	}
}

func TestPipeBackpressure(t *testing.T) {
	t.Parallel()

	r, w := NewPipe(1)
	if _, err := w.Write([]byte("first")); err != nil {
		t.Fatal(err)
	}

	wrote := make(chan struct{})
	go func() {
		w.Write([]byte("second"))
		close(wrote)
	}()

	select {
	case <-wrote:
		t.Fatal("second write completed while the pipe was full")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "first" {
		t.Fatalf("read = (%q, %v), want first", buf[:n], err)
	}

	select {
	case <-wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("second write still blocked after a read")
	}
}

func TestPipeWriterCloseDrainsThenEOF(t *testing.T) {
	t.Parallel()

	r, w := NewPipe(8)
	w.Write([]byte("a"))
	w.Write([]byte("b"))
	w.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ab" {
		t.Fatalf("got %q, want ab", got)
	}
	if _, err := w.Write([]byte("c")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("write after close = %v, want ErrClosedPipe", err)
	}
}

func TestPipeCloseWithError(t *testing.T) {
	t.Parallel()

	r, w := NewPipe(8)
	cause := errors.New("connection reset")
	w.Write([]byte("partial"))
	w.CloseWithError(cause)

	buf := make([]byte, 16)
	if n, err := r.Read(buf); err != nil || n != len("partial") {
		t.Fatalf("read = (%d, %v), want queued data first", n, err)
	}
	_, err := r.Read(buf)
	if !errors.Is(err, media.ErrRead) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrRead wrapping cause", err)
	}
	if _, again := r.Read(buf); again == nil || again.Error() != err.Error() {
		t.Fatalf("second read = %v, want sticky %v", again, err)
	}
}

func TestPipeReaderCloseUnblocksWriter(t *testing.T) {
	t.Parallel()

	r, w := NewPipe(1)
	w.Write([]byte("fill"))

	var wg sync.WaitGroup
	wg.Add(1)
	var werr error
	go func() {
		defer wg.Done()
		_, werr = w.Write([]byte("blocked"))
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()
	wg.Wait()

	if !errors.Is(werr, io.ErrClosedPipe) {
		t.Fatalf("write err = %v, want ErrClosedPipe", werr)
	}
	// Data queued before cancellation may still be observed, but the reader
	// must end in ErrRead rather than blocking.
	for {
		if _, err := r.Read(make([]byte, 8)); err != nil {
			if !errors.Is(err, media.ErrRead) {
				t.Fatalf("read err = %v, want ErrRead", err)
			}
			break
		}
	}
}
