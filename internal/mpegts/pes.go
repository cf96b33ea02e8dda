package mpegts

import (
	"encoding/binary"
	"errors"
)

var errNotPES = errors.New("mpegts: not a PES packet")

// hasPESHeader reports whether packets of stream id carry the optional
// PES header with flags and timestamps.
func hasPESHeader(id uint8) bool {
	switch id {
	case 0xbc, 0xbe, 0xbf, 0xf0, 0xf1, 0xf2, 0xf8, 0xff:
		return false
	}
	return true
}

// parsePES decodes a reassembled PES packet. Data aliases b.
func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 || b[0] != 0 || b[1] != 0 || b[2] != 1 {
		return nil, errNotPES
	}
	p := &PES{StreamID: b[3]}
	end := len(b)
	if n := int(binary.BigEndian.Uint16(b[4:])); n > 0 && 6+n < end {
		end = 6 + n // zero length means unbounded, as video uses
	}
	if !hasPESHeader(p.StreamID) {
		p.Data = b[6:end]
		return p, nil
	}
	if len(b) < 9 {
		return nil, errNotPES
	}

	flags := b[7] >> 6
	if flags&0b10 != 0 && len(b) >= 14 {
		p.PTS, p.HasPTS = readTimestamp(b[9:]), true
	}
	if flags == 0b11 && len(b) >= 19 {
		p.DTS, p.HasDTS = readTimestamp(b[14:]), true
	}
	p.Data = b[min(9+int(b[8]), end):end]
	return p, nil
}

// readTimestamp decodes the 5-byte marker-bit layout shared by PTS and DTS.
func readTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(binary.BigEndian.Uint16(b[1:])>>1)<<15 |
		int64(binary.BigEndian.Uint16(b[3:])>>1)
}
