package demux

import (
	"context"
	"io"
	"log/slog"

	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

const tsPacketSize = 188

// probeMPEGTS accepts heads that carry the sync byte at every packet
// boundary present, requiring at least one whole packet.
func probeMPEGTS(head []byte) bool {
	if len(head) < tsPacketSize {
		return false
	}
	for off := 0; off < len(head) && off < 5*tsPacketSize; off += tsPacketSize {
		if head[off] != 0x47 {
			return false
		}
	}
	return true
}

type tsStream struct {
	index   int
	codec   media.Codec
	clock   unwrapper
	lastPTS int64
	lastDur int64
}

// tsReader turns PES units into packets. Streams are added in PMT order the
// first time their PID is announced; unsupported stream types are ignored.
type tsReader struct {
	log     *slog.Logger
	dmx     *mpegts.Demuxer
	pids    map[uint16]*tsStream
	streams []media.StreamDescriptor
	ignored map[uint16]bool
	queue   []*media.Packet
}

func openMPEGTS(ctx context.Context, r io.Reader, log *slog.Logger) packetReader {
	return &tsReader{
		log:     log,
		dmx:     mpegts.NewDemuxer(ctx, r),
		pids:    make(map[uint16]*tsStream),
		ignored: make(map[uint16]bool),
	}
}

func (r *tsReader) Streams() []media.StreamDescriptor { return r.streams }

func (r *tsReader) BytesRead() int64 { return r.dmx.BytesRead() }

func (r *tsReader) ReadPacket() (*media.Packet, error) {
	for len(r.queue) == 0 {
		u, err := r.dmx.Next()
		if err != nil {
			return nil, err
		}
		switch {
		case u.PMT != nil:
			r.handlePMT(u.PMT)
		case u.PES != nil:
			if s, ok := r.pids[u.PID]; ok {
				r.handlePES(s, u.PES)
			}
		}
	}
	pkt := r.queue[0]
	r.queue = r.queue[1:]
	return pkt, nil
}

func (r *tsReader) handlePMT(pmt *mpegts.PMT) {
	for _, es := range pmt.Streams {
		if _, ok := r.pids[es.PID]; ok || r.ignored[es.PID] {
			continue
		}
		var codec media.Codec
		switch es.Type {
		case mpegts.StreamTypeH264:
			codec = media.CodecH264
		case mpegts.StreamTypeH265:
			codec = media.CodecH265
		case mpegts.StreamTypeAAC:
			codec = media.CodecAAC
		default:
			r.ignored[es.PID] = true
			r.log.Debug("ignoring elementary stream", "pid", es.PID, "streamType", es.Type)
			continue
		}
		s := &tsStream{index: len(r.streams), codec: codec, lastPTS: media.NoTS}
		r.pids[es.PID] = s
		r.streams = append(r.streams, media.StreamDescriptor{
			Index:    s.index,
			Codec:    codec,
			TimeBase: media.MPEGTSTimeBase,
		})
		r.log.Debug("found elementary stream", "pid", es.PID, "codec", codec, "index", s.index)
	}
}

func (r *tsReader) handlePES(s *tsStream, pes *mpegts.PES) {
	if len(pes.Data) == 0 {
		return
	}

	pts, dts := media.NoTS, media.NoTS
	if pes.HasPTS {
		pts = pes.PTS
	}
	if pes.HasDTS {
		dts = pes.DTS
	}
	switch {
	case pts == media.NoTS && s.lastPTS != media.NoTS:
		// Unstamped PES continue from the previous one.
		pts = s.lastPTS + s.lastDur
		dts = pts
	case pts == media.NoTS:
	case dts == media.NoTS:
		pts = s.clock.unwrap(pts)
		dts = pts
	default:
		dts = s.clock.unwrap(dts)
		pts = s.clock.near(pts, dts)
	}

	pos := r.dmx.BytesRead()
	if s.codec == media.CodecAAC {
		r.splitADTS(s, pes.Data, pts, pos)
		return
	}

	r.queue = append(r.queue, &media.Packet{
		StreamIndex: s.index,
		Data:        pes.Data,
		PTS:         pts,
		DTS:         dts,
		Keyframe:    isVideoKeyframe(s.codec, pes.Data),
		Pos:         pos,
	})
	if pts != media.NoTS {
		if s.lastPTS != media.NoTS && pts > s.lastPTS {
			s.lastDur = pts - s.lastPTS
		}
		s.lastPTS = pts
	}
}

// splitADTS emits one packet per ADTS frame, advancing the timestamp by one
// frame's worth of samples.
func (r *tsReader) splitADTS(s *tsStream, data []byte, pts, pos int64) {
	frames, err := ParseADTS(data)
	if err != nil {
		r.log.Warn("failed to parse ADTS", "error", err)
	}
	for i, f := range frames {
		dur := media.Rescale(SamplesPerAACFrame, media.TimeBase{Num: 1, Den: f.SampleRate}, media.MPEGTSTimeBase)
		ts := pts
		if ts != media.NoTS {
			ts += int64(i) * dur
		}
		r.queue = append(r.queue, &media.Packet{
			StreamIndex: s.index,
			Data:        f.Data,
			PTS:         ts,
			DTS:         ts,
			Duration:    dur,
			Keyframe:    true,
			Pos:         pos,
		})
		if ts != media.NoTS {
			s.lastPTS, s.lastDur = ts, dur
		}
	}
}

// isVideoKeyframe reports whether an access unit holds an IDR (H.264) or an
// IRAP picture (H.265).
func isVideoKeyframe(codec media.Codec, au []byte) bool {
	syn := syntaxOf(codec)
	return syn != nil && syn.randomAccess(au)
}

// unwrapper extends 33-bit PES timestamps into a continuous 64-bit
// timeline across wraparounds.
type unwrapper struct {
	started bool
	last    int64
	offset  int64
}

const (
	tsWrap = int64(1) << mpegts.TimestampBits
	tsHalf = tsWrap / 2
)

func (u *unwrapper) unwrap(v int64) int64 {
	if u.started {
		switch d := v - u.last; {
		case d < -tsHalf:
			u.offset += tsWrap
		case d > tsHalf:
			u.offset -= tsWrap
		}
	}
	u.started = true
	u.last = v
	return v + u.offset
}

// near places a raw timestamp on the same wrap cycle as ref, an already
// unwrapped timestamp from the same PES.
func (u *unwrapper) near(v, ref int64) int64 {
	v += u.offset
	switch d := v - ref; {
	case d < -tsHalf:
		v += tsWrap
	case d > tsHalf:
		v -= tsWrap
	}
	return v
}
