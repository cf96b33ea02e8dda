package demux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/remux/internal/media"
)

// Probe defaults, used when ProbeOptions leaves a field zero.
const (
	DefaultProbeSize       = 5_000_000
	DefaultAnalyzeDuration = 5 * time.Second

	// probeWindow is how many leading bytes format detection looks at.
	probeWindow = 2048
)

// ProbeOptions bounds how much input Open may consume before every stream's
// parameters are known.
type ProbeOptions struct {
	// ProbeSize is the maximum number of bytes read while probing.
	ProbeSize int64
	// AnalyzeDuration is the maximum span of media time buffered while
	// probing, measured on any single stream.
	AnalyzeDuration time.Duration
	Log             *slog.Logger
}

func (o *ProbeOptions) setDefaults() {
	if o.ProbeSize <= 0 {
		o.ProbeSize = DefaultProbeSize
	}
	if o.AnalyzeDuration <= 0 {
		o.AnalyzeDuration = DefaultAnalyzeDuration
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// Demuxer yields the packets of a probed input. It is not safe for
// concurrent use.
type Demuxer struct {
	log       *slog.Logger
	r         packetReader
	container *media.InputContainer
	pending   []*media.Packet
	dropped   map[int]bool
	err       error
}

// Open identifies the container format of src and probes its streams. It
// fails with media.ErrOpen when src is empty or not a supported format and
// with media.ErrProbe when stream parameters cannot be resolved within the
// probe bounds.
func Open(ctx context.Context, src io.Reader, opts ProbeOptions) (*Demuxer, error) {
	opts.setDefaults()
	log := opts.Log.With("component", "demux")

	head := make([]byte, probeWindow)
	n, err := io.ReadFull(src, head)
	head = head[:n]
	switch {
	case n == 0 && (err == nil || errors.Is(err, io.EOF)):
		return nil, fmt.Errorf("%w: empty input", media.ErrOpen)
	case err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: %w", media.ErrOpen, err)
	}

	f, ok := detect(head)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized container format", media.ErrOpen)
	}
	log = log.With("format", f.name)

	d := &Demuxer{
		log:     log,
		r:       f.open(ctx, io.MultiReader(bytes.NewReader(head), src), log),
		dropped: make(map[int]bool),
	}
	if err := d.probe(f.name, opts); err != nil {
		return nil, err
	}
	d.dump()
	return d, nil
}

func (d *Demuxer) probe(name string, opts ProbeOptions) error {
	var (
		probes []paramProbe
		first  []int64
		span   time.Duration
	)

	for {
		pkt, err := d.r.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", media.ErrProbe, err)
		}
		d.pending = append(d.pending, pkt)

		streams := d.r.Streams()
		for len(probes) < len(streams) {
			probes = append(probes, paramProbe{})
			first = append(first, media.NoTS)
		}

		i := pkt.StreamIndex
		probes[i].inspect(&streams[i], pkt)

		if ts := pkt.DTS; ts != media.NoTS {
			if first[i] == media.NoTS {
				first[i] = ts
			}
			span = max(span, streams[i].TimeBase.Duration(ts-first[i]))
		}

		if allResolved(probes) {
			break
		}
		if d.r.BytesRead() > opts.ProbeSize {
			return fmt.Errorf("%w: parameters unresolved after %d bytes (probe size %d)",
				media.ErrProbe, d.r.BytesRead(), opts.ProbeSize)
		}
		if span > opts.AnalyzeDuration {
			return fmt.Errorf("%w: parameters unresolved after %s of media (analyze duration %s)",
				media.ErrProbe, span, opts.AnalyzeDuration)
		}
	}

	streams := d.r.Streams()
	if len(streams) == 0 {
		return fmt.Errorf("%w: no supported streams found", media.ErrProbe)
	}
	for i := range streams {
		if i >= len(probes) || !probes[i].resolved {
			return fmt.Errorf("%w: stream %d (%s): parameters not found before end of input",
				media.ErrProbe, i, streams[i].Codec)
		}
	}

	d.container = &media.InputContainer{
		Format:      name,
		Streams:     append([]media.StreamDescriptor(nil), streams...),
		ProbedBytes: d.r.BytesRead(),
	}
	for i := range d.container.Streams {
		d.container.Streams[i].Index = i
	}
	return nil
}

func allResolved(probes []paramProbe) bool {
	if len(probes) == 0 {
		return false
	}
	for _, p := range probes {
		if !p.resolved {
			return false
		}
	}
	return true
}

// dump logs the probed stream layout.
func (d *Demuxer) dump() {
	for _, s := range d.container.Streams {
		attrs := []any{"index", s.Index, "codec", s.Codec, "timeBase", s.TimeBase.String()}
		if s.Codec.IsVideo() {
			attrs = append(attrs, "width", s.Width, "height", s.Height, "closedCaptions", s.ClosedCaptions)
		} else {
			attrs = append(attrs, "sampleRate", s.SampleRate, "channels", s.Channels)
		}
		d.log.Info("input stream", attrs...)
	}
}

// Container returns the probed input description.
func (d *Demuxer) Container() *media.InputContainer {
	return d.container
}

// ReadPacket returns the next packet, replaying packets consumed during
// probing first. It returns io.EOF at end of input. Any other error wraps
// media.ErrRead and is terminal: later calls return it again.
func (d *Demuxer) ReadPacket() (*media.Packet, error) {
	for {
		if len(d.pending) > 0 {
			pkt := d.pending[0]
			d.pending = d.pending[1:]
			if d.known(pkt) {
				return pkt, nil
			}
			continue
		}
		if d.err != nil {
			return nil, d.err
		}

		pkt, err := d.r.ReadPacket()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				d.err = io.EOF
			case errors.Is(err, media.ErrRead):
				d.err = err
			default:
				d.err = fmt.Errorf("%w: %w", media.ErrRead, err)
			}
			return nil, d.err
		}
		if d.known(pkt) {
			return pkt, nil
		}
	}
}

// known drops packets of streams that appeared after probing.
func (d *Demuxer) known(pkt *media.Packet) bool {
	if pkt.StreamIndex < len(d.container.Streams) {
		return true
	}
	if !d.dropped[pkt.StreamIndex] {
		d.dropped[pkt.StreamIndex] = true
		d.log.Warn("dropping packets of stream discovered after probing", "index", pkt.StreamIndex)
	}
	return false
}

// BytesRead returns the number of input bytes consumed so far.
func (d *Demuxer) BytesRead() int64 { return d.r.BytesRead() }
