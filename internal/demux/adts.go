package demux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/remux/internal/media"
)

// probeADTS accepts a head that starts with an ADTS header and, when the
// head is long enough, is followed by a second one.
func probeADTS(head []byte) bool {
	_, n, err := adtsHeader(head)
	if err != nil {
		return false
	}
	if len(head) >= n+7 {
		_, _, err = adtsHeader(head[n:])
		return err == nil
	}
	return true
}

// adtsReader reads a raw ADTS elementary stream. The single stream is
// created from the first frame and timed in samples.
type adtsReader struct {
	ctx     context.Context
	log     *slog.Logger
	r       *bufio.Reader
	read    int64
	streams []media.StreamDescriptor
	rate    int
	samples int64
}

func openADTS(ctx context.Context, r io.Reader, log *slog.Logger) packetReader {
	return &adtsReader{ctx: ctx, log: log, r: bufio.NewReaderSize(r, 64*1024)}
}

func (a *adtsReader) Streams() []media.StreamDescriptor { return a.streams }

func (a *adtsReader) BytesRead() int64 { return a.read }

func (a *adtsReader) ReadPacket() (*media.Packet, error) {
	for {
		if err := a.ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := a.r.Peek(9)
		if len(hdr) < 7 {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		f, n, herr := adtsHeader(hdr)
		if herr != nil {
			// Resynchronise one byte at a time.
			a.r.Discard(1)
			a.read++
			continue
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(a.r, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				a.log.Debug("dropping truncated ADTS frame", "want", n)
				return nil, io.EOF
			}
			return nil, err
		}
		pos := a.read
		a.read += int64(n)

		if len(a.streams) == 0 {
			a.rate = f.SampleRate
			a.streams = append(a.streams, media.StreamDescriptor{
				Codec:    media.CodecAAC,
				TimeBase: media.TimeBase{Num: 1, Den: f.SampleRate},
			})
		}
		if f.SampleRate != a.rate {
			a.log.Warn("ADTS sample rate changed mid-stream", "from", a.rate, "to", f.SampleRate)
		}

		pkt := &media.Packet{
			Data:     buf,
			PTS:      a.samples,
			DTS:      a.samples,
			Duration: SamplesPerAACFrame,
			Keyframe: true,
			Pos:      pos,
		}
		a.samples += SamplesPerAACFrame
		return pkt, nil
	}
}
