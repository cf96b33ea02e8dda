// Package mpegts reads and writes MPEG-TS transport streams. The demuxer
// follows PAT/PMT to find elementary streams and hands back reassembled
// PES payloads with their timestamps. The muxer writes a single program
// with PCR and random-access signalling, which is all an HLS segment needs.
package mpegts

// Elementary stream types carried in the PMT.
const (
	StreamTypeAAC  uint8 = 0x0F // ADTS AAC
	StreamTypeH264 uint8 = 0x1B
	StreamTypeH265 uint8 = 0x24
)

// TimestampBits is the width of PES timestamps. Values wrap modulo 1<<33.
const TimestampBits = 33

// Unit is one payload reassembled from a PID: a PAT, a PMT or a PES
// packet. Exactly one of Programs, PMT and PES is set.
type Unit struct {
	PID uint16
	// RandomAccess and PCR come from the adaptation field of the unit's
	// first packet. PCR is the 90 kHz base, or -1 when absent.
	RandomAccess bool
	PCR          int64

	Programs []Program
	PMT      *PMT
	PES      *PES
}

// Program is a PAT entry.
type Program struct {
	Number uint16
	PMTPID uint16
}

// PMT is a parsed program map section.
type PMT struct {
	Program uint16
	PCRPID  uint16
	Streams []ElementaryStream
}

// ElementaryStream is a PMT entry.
type ElementaryStream struct {
	PID  uint16
	Type uint8
}

// PES is a reassembled PES packet. PTS and DTS are valid only when the
// matching Has flag is set.
type PES struct {
	StreamID       uint8
	HasPTS, HasDTS bool
	PTS, DTS       int64
	Data           []byte
}
