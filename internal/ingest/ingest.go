// Package ingest implements the framing used to hand media to a remux job
// over a one-way byte channel: a fixed-size Header followed by the raw
// container bytes. It also tracks in-flight ingests so transports (SRT,
// HTTP) share one registration and hand-off path.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/remux/internal/source"
)

// ErrDuplicateKey is returned by Register when the key is already in use.
var ErrDuplicateKey = errors.New("ingest: key already active")

const copyBufferSize = 32 * 1024

// Frame returns a reader yielding the encoding of h followed by payload.
func Frame(h Header, payload io.Reader) io.Reader {
	b, _ := h.MarshalBinary()
	return io.MultiReader(bytes.NewReader(b), payload)
}

// Receive reads the header from r, then copies the rest of r into a new
// bounded pipe of the given depth from a background goroutine. The returned
// reader is the consumer half; closing it stops the copy. Cancelling ctx
// ends the stream with an error.
//
// No payload byte is delivered before the header has been read in full. A
// short header fails with media.ErrHeaderTruncated and no pipe is created.
func Receive(ctx context.Context, r io.Reader, depth int) (Header, *source.PipeReader, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return h, nil, err
	}
	if err := ctx.Err(); err != nil {
		return h, nil, err
	}

	pr, pw := source.NewPipe(depth)
	go func() {
		stop := context.AfterFunc(ctx, func() { pw.CloseWithError(context.Cause(ctx)) })
		defer stop()
		pw.CloseWithError(pump(r, pw, nil))
	}()
	return h, pr, nil
}

// pump copies r into pw until r is exhausted or pw is closed. It returns nil
// at end of input.
func pump(r io.Reader, pw *source.PipeWriter, record func(n int)) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if record != nil {
				record(n)
			}
			if _, werr := pw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Stats captures connection-level metrics for an ingest.
type Stats struct {
	Key           string `json:"key"`
	MimeType      string `json:"mimeType,omitempty"`
	FileSize      int64  `json:"fileSize"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Ingest is one in-flight ingest. Bytes written to its pipe by the transport
// are read by the remux job.
type Ingest struct {
	Key       string
	Transport string
	Header    Header
	StartedAt time.Time

	pw   *source.PipeWriter
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters. Transports call it
// after each successful read from the peer.
func (in *Ingest) RecordRead(n int) {
	in.bytesReceived.Add(int64(n))
	in.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (in *Ingest) SetRemoteAddr(addr string) {
	in.remoteAddr.Store(addr)
}

// Done is closed once the ingest has been unregistered.
func (in *Ingest) Done() <-chan struct{} {
	return in.done
}

// Stats returns a snapshot of the ingest's counters.
func (in *Ingest) Stats() Stats {
	addr, _ := in.remoteAddr.Load().(string)
	return Stats{
		Key:           in.Key,
		MimeType:      in.Header.MimeType,
		FileSize:      in.Header.FileSize,
		BytesReceived: in.bytesReceived.Load(),
		ReadCount:     in.readCount.Load(),
		ConnectedAt:   in.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(in.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingests by key and hands each new one to the
// onIngest callback. It is the rendezvous point between the transports and
// the job manager.
type Registry struct {
	mu      sync.RWMutex
	ingests   map[string]*Ingest
	depth     int
	transport string

	onIngest func(in *Ingest, src *source.PipeReader)
}

// DefaultTransport names the transport of ingests from a Registry created
// without RegistryOptTransport.
const DefaultTransport = "ingest"

// NewRegistry creates a Registry whose pipes hold up to depth chunks. The
// onIngest callback is invoked asynchronously for every registered ingest
// and owns src from then on.
func NewRegistry(depth int, onIngest func(in *Ingest, src *source.PipeReader), opts ...func(*Registry)) *Registry {
	r := &Registry{
		ingests:   make(map[string]*Ingest),
		depth:     depth,
		transport: DefaultTransport,
		onIngest:  onIngest,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistryOptTransport sets the transport name recorded on every ingest,
// such as "srt".
func RegistryOptTransport(name string) func(*Registry) {
	return func(r *Registry) {
		if name != "" {
			r.transport = name
		}
	}
}

// Register creates an ingest for key, returning it and the writer the
// transport should copy the payload into. When no callback is set the
// consumer half is discarded, so writes fail until Unregister.
func (r *Registry) Register(key string, h Header) (*Ingest, *source.PipeWriter, error) {
	pr, pw := source.NewPipe(r.depth)
	in := &Ingest{
		Key:       key,
		Transport: r.transport,
		Header:    h,
		StartedAt: time.Now(),
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.ingests[key]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.ingests[key] = in
	r.mu.Unlock()

	if r.onIngest != nil {
		go r.onIngest(in, pr)
	} else {
		pr.Close()
	}
	return in, pw, nil
}

// Unregister removes key, ending its stream cleanly.
func (r *Registry) Unregister(key string) {
	r.UnregisterWithError(key, nil)
}

// UnregisterWithError removes key. A non-nil err is delivered to the job as
// a read failure once the bytes already queued have been consumed.
func (r *Registry) UnregisterWithError(key string, err error) {
	r.mu.Lock()
	in, ok := r.ingests[key]
	if ok {
		delete(r.ingests, key)
	}
	r.mu.Unlock()

	if ok {
		in.pw.CloseWithError(err)
		close(in.done)
	}
}

// Get returns the ingest for key.
func (r *Registry) Get(key string) (*Ingest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.ingests[key]
	return in, ok
}

// List returns stats for every active ingest, ordered by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.ingests))
	for _, in := range r.ingests {
		out = append(out, in.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Accept runs one framed ingest from conn to completion: it reads the
// header, registers key and copies the payload into the job's pipe. It
// returns when conn is exhausted, fails, or the job stops reading.
func (r *Registry) Accept(ctx context.Context, key, remoteAddr string, conn io.Reader) (Header, error) {
	h, err := ReadHeader(conn)
	if err != nil {
		return h, err
	}
	in, pw, err := r.Register(key, h)
	if err != nil {
		return h, err
	}
	if remoteAddr != "" {
		in.SetRemoteAddr(remoteAddr)
	}

	stop := context.AfterFunc(ctx, func() { pw.CloseWithError(context.Cause(ctx)) })
	defer stop()

	err = pump(conn, pw, in.RecordRead)
	if errors.Is(err, io.ErrClosedPipe) {
		// The consumer went away; nothing more to deliver.
		err = nil
	}
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	r.UnregisterWithError(key, err)
	return h, err
}
