// Package media defines the stream and packet types that flow through the
// remux pipeline, from demuxing through segment writing, along with the
// timestamp arithmetic and error kinds shared by every stage.
package media

import "math"

// NoTS marks an unset timestamp. It passes through rescaling unchanged.
const NoTS int64 = math.MinInt64

// Codec identifies the compressed format of an elementary stream.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecAAC  Codec = "aac"
)

// IsVideo reports whether the codec carries pictures.
func (c Codec) IsVideo() bool {
	return c == CodecH264 || c == CodecH265
}

// StreamDescriptor describes one elementary stream of a container. Stream
// copy carries every field from input to output except CodecTag and TimeBase.
type StreamDescriptor struct {
	Index     int
	Codec     Codec
	TimeBase  TimeBase
	ExtraData []byte // SPS/PPS(/VPS) in Annex B, or AudioSpecificConfig
	CodecTag  uint32
	// CodecString is the RFC 6381 codecs parameter, e.g. "avc1.64001F".
	CodecString string

	Width  int
	Height int

	SampleRate int
	Channels   int

	// ClosedCaptions is set when CEA-608/708 data was seen in the video
	// elementary stream while probing.
	ClosedCaptions bool
}

// InputContainer is the demuxed view of an input. It is immutable once
// probing completes.
type InputContainer struct {
	Format  string
	Streams []StreamDescriptor
	// ProbedBytes is how much of the source was consumed before the
	// stream parameters were resolved.
	ProbedBytes int64
}

// OutputContainer mirrors an InputContainer stream for stream.
type OutputContainer struct {
	Format  string
	Streams []StreamDescriptor
}

// Packet is one compressed unit of a single stream. Timestamps are in the
// time base of the container the packet currently belongs to.
type Packet struct {
	StreamIndex int
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
	// Pos is the byte offset in the input, or -1 once it no longer applies.
	Pos int64
}
