// Package mapper derives the output stream layout of a stream-copy remux
// from a probed input.
package mapper

import (
	"fmt"
	"slices"

	"github.com/zsiec/remux/internal/media"
)

// carriage lists the codecs each output format can hold.
var carriage = map[string][]media.Codec{
	"hls":    {media.CodecH264, media.CodecH265, media.CodecAAC},
	"mpegts": {media.CodecH264, media.CodecH265, media.CodecAAC},
}

// Map creates one output stream per input stream, in the same order. Codec
// parameters are copied; the codec tag is cleared so the muxer picks its
// own, and every output stream runs on the 90 kHz transport clock. If any
// stream cannot be carried by format, no streams are returned and the error
// wraps media.ErrMapping.
func Map(in *media.InputContainer, format string) (*media.OutputContainer, error) {
	codecs, ok := carriage[format]
	if !ok {
		return nil, fmt.Errorf("%w: unknown output format %q", media.ErrMapping, format)
	}
	if in == nil || len(in.Streams) == 0 {
		return nil, fmt.Errorf("%w: input has no streams", media.ErrMapping)
	}

	out := &media.OutputContainer{
		Format:  format,
		Streams: make([]media.StreamDescriptor, len(in.Streams)),
	}
	for i, s := range in.Streams {
		if !slices.Contains(codecs, s.Codec) {
			return nil, fmt.Errorf("%w: stream %d: codec %q not supported by %s",
				media.ErrMapping, i, s.Codec, format)
		}
		s.Index = i
		s.ExtraData = slices.Clone(s.ExtraData)
		s.CodecTag = 0
		s.TimeBase = media.MPEGTSTimeBase
		out.Streams[i] = s
	}
	return out, nil
}

// Formats returns the output formats Map accepts.
func Formats() []string {
	names := make([]string, 0, len(carriage))
	for name := range carriage {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
