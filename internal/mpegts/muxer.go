package mpegts

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Fixed PIDs written by the muxer. Elementary streams are numbered from
// FirstElementaryPID in the order they are added.
const (
	PIDPAT             uint16 = 0x0000
	PIDPMT             uint16 = 0x1000
	FirstElementaryPID uint16 = 0x0100

	programNumber     = 1
	transportStreamID = 1

	// pcrDelay keeps the PCR behind the DTS it accompanies, matching the
	// 0.7 s mux delay decoders expect by default.
	pcrDelay = 63000

	maxSectionSize = packetSize - 4 - 1
)

// MuxStream is an elementary stream registered with a Muxer.
type MuxStream struct {
	PID        uint16
	StreamType uint8
	streamID   uint8
	cc         uint8
}

// Muxer writes a single-program transport stream. Continuity counters
// survive SetWriter, so consecutive segments form one continuous stream.
type Muxer struct {
	w       io.Writer
	streams []*MuxStream
	pcrPID  uint16
	patCC   uint8
	pmtCC   uint8
	pkt     [packetSize]byte
	written int64
}

// NewMuxer creates a muxer writing to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w}
}

// SetWriter redirects subsequent output to w.
func (m *Muxer) SetWriter(w io.Writer) {
	m.w = w
}

// BytesWritten returns the total number of bytes written across writers.
func (m *Muxer) BytesWritten() int64 { return m.written }

// Streams returns the registered streams in the order they were added.
func (m *Muxer) Streams() []*MuxStream { return m.streams }

// AddStream registers an elementary stream and returns its index. The first
// video stream carries the PCR, or the first stream when there is no video.
func (m *Muxer) AddStream(streamType uint8) (int, error) {
	var sid uint8
	var nVideo, nAudio int
	for _, s := range m.streams {
		if isVideoStreamType(s.StreamType) {
			nVideo++
		} else {
			nAudio++
		}
	}
	switch {
	case isVideoStreamType(streamType):
		if nVideo >= 16 {
			return 0, fmt.Errorf("mpegts: too many video streams")
		}
		sid = 0xE0 + uint8(nVideo)
	case streamType == StreamTypeAAC:
		if nAudio >= 32 {
			return 0, fmt.Errorf("mpegts: too many audio streams")
		}
		sid = 0xC0 + uint8(nAudio)
	default:
		return 0, fmt.Errorf("mpegts: unsupported stream type 0x%02X", streamType)
	}

	s := &MuxStream{
		PID:        FirstElementaryPID + uint16(len(m.streams)),
		StreamType: streamType,
		streamID:   sid,
	}
	m.streams = append(m.streams, s)

	if len(m.streams) == 1 || (isVideoStreamType(streamType) && nVideo == 0) {
		m.pcrPID = s.PID
	}
	return len(m.streams) - 1, nil
}

// PCRPID returns the PID carrying the program clock reference.
func (m *Muxer) PCRPID() uint16 { return m.pcrPID }

func isVideoStreamType(st uint8) bool {
	return st == StreamTypeH264 || st == StreamTypeH265
}

// WriteTables writes one PAT and one PMT packet.
func (m *Muxer) WriteTables() error {
	if len(m.streams) == 0 {
		return fmt.Errorf("mpegts: no streams")
	}
	if err := m.writeSection(PIDPAT, &m.patCC, m.patSection()); err != nil {
		return err
	}
	return m.writeSection(PIDPMT, &m.pmtCC, m.pmtSection())
}

func (m *Muxer) patSection() []byte {
	s := make([]byte, 0, 16)
	s = appendSectionHeader(s, tableIDPAT, 5+4+4, transportStreamID)
	s = binary.BigEndian.AppendUint16(s, programNumber)
	s = binary.BigEndian.AppendUint16(s, 0xE000|PIDPMT)
	return binary.BigEndian.AppendUint32(s, crc32MPEG(s))
}

func (m *Muxer) pmtSection() []byte {
	sectionLength := 9 + 5*len(m.streams) + 4
	s := make([]byte, 0, 3+sectionLength)
	s = appendSectionHeader(s, tableIDPMT, sectionLength, programNumber)
	s = binary.BigEndian.AppendUint16(s, 0xE000|m.pcrPID)
	s = append(s, 0xF0, 0x00) // no program descriptors
	for _, st := range m.streams {
		s = append(s, st.StreamType)
		s = binary.BigEndian.AppendUint16(s, 0xE000|st.PID)
		s = append(s, 0xF0, 0x00)
	}
	return binary.BigEndian.AppendUint32(s, crc32MPEG(s))
}

// appendSectionHeader writes the long-form section header: table id,
// section length, table id extension, version 0, current, section 0 of 0.
func appendSectionHeader(b []byte, tableID uint8, sectionLength int, ext uint16) []byte {
	b = append(b, tableID, 0xB0|byte(sectionLength>>8)&0x0F, byte(sectionLength))
	b = binary.BigEndian.AppendUint16(b, ext)
	return append(b, 0xC1, 0x00, 0x00)
}

func (m *Muxer) writeSection(pid uint16, cc *uint8, section []byte) error {
	if len(section) > maxSectionSize {
		return fmt.Errorf("mpegts: section of %d bytes exceeds one packet", len(section))
	}
	b := m.pkt[:]
	b[0] = syncByte
	b[1] = 0x40 | byte(pid>>8)&0x1F
	b[2] = byte(pid)
	b[3] = 0x10 | *cc&0x0F
	*cc++
	b[4] = 0 // pointer field
	n := copy(b[5:], section)
	for i := 5 + n; i < packetSize; i++ {
		b[i] = 0xFF
	}
	return m.write(b)
}

// WritePES packetizes one access unit for stream index. pts and dts are in
// the 90 kHz clock; dts equal to pts is omitted from the header. keyframe
// sets the random access indicator on the first packet.
func (m *Muxer) WritePES(index int, data []byte, pts, dts int64, keyframe bool) error {
	if index < 0 || index >= len(m.streams) {
		return fmt.Errorf("mpegts: stream index %d out of range", index)
	}
	s := m.streams[index]

	pes := appendPESHeader(make([]byte, 0, 19+len(data)), s.streamID, len(data), pts, dts)
	pes = append(pes, data...)

	pcr := int64(-1)
	if s.PID == m.pcrPID {
		pcr = wrapTimestamp(dts - pcrDelay)
	}
	return m.writePayload(s, pes, pcr, keyframe)
}

func appendPESHeader(b []byte, streamID uint8, dataLen int, pts, dts int64) []byte {
	hasDTS := dts != pts
	hdrData := 5
	flags := byte(0x80)
	if hasDTS {
		hdrData = 10
		flags = 0xC0
	}

	// Video PES may be unbounded; audio records its length when it fits.
	pesLen := 3 + hdrData + dataLen
	if streamID >= 0xE0 || pesLen > 0xFFFF {
		pesLen = 0
	}

	b = append(b, 0x00, 0x00, 0x01, streamID, byte(pesLen>>8), byte(pesLen))
	b = append(b, 0x80, flags, byte(hdrData)) // '10' marker, data alignment off
	if hasDTS {
		b = appendTimestamp(b, 0x03, pts)
		return appendTimestamp(b, 0x01, dts)
	}
	return appendTimestamp(b, 0x02, pts)
}

// appendTimestamp encodes a 33-bit timestamp into the 5-byte PES form with
// its 4-bit prefix and marker bits.
func appendTimestamp(b []byte, prefix byte, v int64) []byte {
	v = wrapTimestamp(v)
	return append(b,
		prefix<<4|byte(v>>29)&0x0E|0x01,
		byte(v>>22),
		byte(v>>14)&0xFE|0x01,
		byte(v>>7),
		byte(v<<1)&0xFE|0x01,
	)
}

func wrapTimestamp(v int64) int64 {
	return v & (1<<TimestampBits - 1)
}

// writePayload splits payload across packets on the stream's PID. The first
// packet optionally carries a PCR and the random access indicator; the last
// is padded with adaptation field stuffing.
func (m *Muxer) writePayload(s *MuxStream, payload []byte, pcr int64, randomAccess bool) error {
	for first := true; first || len(payload) > 0; first = false {
		b := m.pkt[:]
		b[0] = syncByte
		b[1] = byte(s.PID>>8) & 0x1F
		b[2] = byte(s.PID)
		if first {
			b[1] |= 0x40
		}

		var afFlags byte
		var pcrField []byte
		if first {
			if randomAccess {
				afFlags |= 0x40
			}
			if pcr >= 0 {
				afFlags |= 0x10
				pcrField = encodePCR(pcr)
			}
		}

		// afLen counts the length byte too; 0 means no adaptation field.
		afLen := 0
		if afFlags != 0 {
			afLen = 2 + len(pcrField)
		}
		n := packetSize - 4 - afLen
		if len(payload) < n {
			afLen += n - len(payload)
			n = len(payload)
		}

		b[3] = 0x10 | s.cc&0x0F
		s.cc++
		if afLen > 0 {
			b[3] |= 0x20
			b[4] = byte(afLen - 1)
			if afLen > 1 {
				b[5] = afFlags
				off := 6 + copy(b[6:], pcrField)
				for i := off; i < 4+afLen; i++ {
					b[i] = 0xFF
				}
			}
		}
		copy(b[4+afLen:], payload[:n])
		payload = payload[n:]

		if err := m.write(b); err != nil {
			return err
		}
	}
	return nil
}

// encodePCR encodes a 90 kHz base with a zero 27 MHz extension.
func encodePCR(base int64) []byte {
	return []byte{
		byte(base >> 25),
		byte(base >> 17),
		byte(base >> 9),
		byte(base >> 1),
		byte(base<<7) | 0x7E,
		0x00,
	}
}

func (m *Muxer) write(b []byte) error {
	n, err := m.w.Write(b)
	m.written += int64(n)
	if err != nil {
		return fmt.Errorf("mpegts: write: %w", err)
	}
	return nil
}
