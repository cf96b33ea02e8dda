// Package pipeline runs a remux job: it opens and probes a source, maps its
// streams onto an HLS output and relays every packet from the demuxer to
// the segmenter, converting timestamps on the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/remux/internal/media"
)

// PacketSource yields demuxed packets in input time bases.
type PacketSource interface {
	ReadPacket() (*media.Packet, error)
}

// PacketSink consumes packets in output time bases. Finalize must be safe
// to call after a failed WritePacket.
type PacketSink interface {
	WritePacket(pkt *media.Packet) error
	Finalize() error
}

// Relay moves packets from a PacketSource to a PacketSink. Input and output
// streams correspond by index.
type Relay struct {
	log     *slog.Logger
	src     PacketSource
	sink    PacketSink
	in, out []media.StreamDescriptor
	lastDTS []int64
	warned  []bool

	packets  atomic.Int64
	bytes    atomic.Int64
	adjusted atomic.Int64
	dropped  atomic.Int64
	position atomic.Int64 // highest output DTS, in ns
}

// RelayStats is a snapshot of a Relay's counters.
type RelayStats struct {
	Packets int64 `json:"packets"`
	Bytes   int64 `json:"bytes"`
	// Adjusted counts packets whose DTS was moved forward to keep each
	// output stream strictly increasing.
	Adjusted int64 `json:"adjusted"`
	// Dropped counts packets for streams the output does not have.
	Dropped  int64         `json:"dropped"`
	Position time.Duration `json:"position"`
}

// NewRelay creates a relay between src, whose packets are described by in,
// and sink, described by out.
func NewRelay(src PacketSource, in *media.InputContainer, sink PacketSink, out *media.OutputContainer, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		log:     log.With("component", "relay"),
		src:     src,
		sink:    sink,
		in:      in.Streams,
		out:     out.Streams,
		lastDTS: make([]int64, len(out.Streams)),
		warned:  make([]bool, len(out.Streams)),
	}
	for i := range r.lastDTS {
		r.lastDTS[i] = media.NoTS
	}
	return r
}

// Run relays packets until the source is exhausted, then finalizes the
// sink. A read failure or cancellation returns an error wrapping
// media.ErrRead and a write failure one wrapping media.ErrWrite; either way
// the sink is finalized first so the output written so far stays usable.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return r.abort(fmt.Errorf("%w: %w", media.ErrRead, err))
		}

		pkt, err := r.src.ReadPacket()
		if errors.Is(err, io.EOF) {
			if err := r.sink.Finalize(); err != nil {
				return err
			}
			s := r.Stats()
			r.log.Info("relay complete", "packets", s.Packets, "bytes", s.Bytes,
				"adjusted", s.Adjusted, "position", s.Position)
			return nil
		}
		if err != nil {
			if !errors.Is(err, media.ErrRead) {
				err = fmt.Errorf("%w: %w", media.ErrRead, err)
			}
			return r.abort(err)
		}

		if !r.remap(pkt) {
			continue
		}
		if err := r.sink.WritePacket(pkt); err != nil {
			if !errors.Is(err, media.ErrWrite) {
				err = fmt.Errorf("%w: %w", media.ErrWrite, err)
			}
			return r.abort(err)
		}
		r.packets.Add(1)
		r.bytes.Add(int64(len(pkt.Data)))
	}
}

// abort finalizes the sink on a best-effort basis and returns cause.
func (r *Relay) abort(cause error) error {
	if err := r.sink.Finalize(); err != nil {
		r.log.Warn("finalize after failure", "cause", cause, "error", err)
	}
	r.log.Error("relay stopped", "error", cause, "packets", r.packets.Load())
	return cause
}

// remap converts pkt to its output stream's time base and enforces a
// strictly increasing DTS per output stream. It reports false for packets
// that have no output stream.
func (r *Relay) remap(pkt *media.Packet) bool {
	i := pkt.StreamIndex
	if i < 0 || i >= len(r.out) || i >= len(r.in) {
		if r.dropped.Add(1) == 1 {
			r.log.Warn("dropping packet for unmapped stream", "index", i)
		}
		return false
	}

	from, to := r.in[i].TimeBase, r.out[i].TimeBase
	pkt.PTS = media.Rescale(pkt.PTS, from, to)
	pkt.DTS = media.Rescale(pkt.DTS, from, to)
	pkt.Duration = media.Rescale(pkt.Duration, from, to)

	if last := r.lastDTS[i]; last != media.NoTS && pkt.DTS <= last {
		if !r.warned[i] {
			r.warned[i] = true
			r.log.Warn("non-monotonic DTS, adjusting", "stream", i, "dts", pkt.DTS, "previous", last)
		}
		pkt.DTS = last + 1
		r.adjusted.Add(1)
	}
	if pkt.DTS != media.NoTS {
		if pkt.PTS != media.NoTS && pkt.PTS < pkt.DTS {
			pkt.PTS = pkt.DTS
		}
		r.lastDTS[i] = pkt.DTS
		if d := to.Duration(pkt.DTS); int64(d) > r.position.Load() {
			r.position.Store(int64(d))
		}
	}
	pkt.Pos = -1
	return true
}

// Stats returns the relay's counters. It is safe to call while Run is in
// progress.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Packets:  r.packets.Load(),
		Bytes:    r.bytes.Load(),
		Adjusted: r.adjusted.Load(),
		Dropped:  r.dropped.Load(),
		Position: time.Duration(r.position.Load()),
	}
}
