package mpegts

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

var (
	errShortSection = errors.New("mpegts: section too short")
	errCRC          = errors.New("mpegts: section CRC mismatch")
)

// crcTable is the MSB-first table for the MPEG-2 CRC32 (polynomial
// 0x04C11DB7, no reflection, no final xor).
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			msb := c & 0x80000000
			c <<= 1
			if msb != 0 {
				c ^= 0x04c11db7
			}
		}
		t[i] = c
	}
	return t
}()

func crc32MPEG(b []byte) uint32 {
	c := ^uint32(0)
	for _, v := range b {
		c = c<<8 ^ crcTable[byte(c>>24)^v]
	}
	return c
}

// sections splits a PSI payload, which begins with a pointer_field, into
// whole sections. complete is false while the last section runs past the
// end of the payload.
func sections(payload []byte) (secs [][]byte, complete bool) {
	if len(payload) == 0 {
		return nil, false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, false
	}
	for off < len(payload) {
		// 0xFF is stuffing. A clear section_syntax_indicator is zero padding.
		if payload[off] == 0xff {
			break
		}
		if off+3 > len(payload) {
			return secs, false
		}
		if payload[off+1]&0x80 == 0 {
			break
		}
		end := off + 3 + int(binary.BigEndian.Uint16(payload[off+1:])&0x0fff)
		if end > len(payload) {
			return secs, false
		}
		secs = append(secs, payload[off:end])
		off = end
	}
	return secs, true
}

// checkSection verifies the trailing CRC of a whole section.
func checkSection(sec []byte, minLen int) error {
	if len(sec) < minLen {
		return errShortSection
	}
	if crc32MPEG(sec) != 0 {
		return errCRC
	}
	return nil
}

func parsePAT(sec []byte) ([]Program, error) {
	if err := checkSection(sec, 12); err != nil {
		return nil, fmt.Errorf("pat: %w", err)
	}
	var progs []Program
	for e := sec[8 : len(sec)-4]; len(e) >= 4; e = e[4:] {
		num := binary.BigEndian.Uint16(e)
		if num == 0 {
			continue // network PID
		}
		progs = append(progs, Program{Number: num, PMTPID: binary.BigEndian.Uint16(e[2:]) & 0x1fff})
	}
	return progs, nil
}

func parsePMT(sec []byte) (*PMT, error) {
	if err := checkSection(sec, 16); err != nil {
		return nil, fmt.Errorf("pmt: %w", err)
	}
	pmt := &PMT{
		Program: binary.BigEndian.Uint16(sec[3:]),
		PCRPID:  binary.BigEndian.Uint16(sec[8:]) & 0x1fff,
	}
	body := sec[:len(sec)-4]
	for off := 12 + int(binary.BigEndian.Uint16(sec[10:])&0x0fff); off+5 <= len(body); {
		es := body[off:]
		pmt.Streams = append(pmt.Streams, ElementaryStream{
			Type: es[0],
			PID:  binary.BigEndian.Uint16(es[1:]) & 0x1fff,
		})
		off += 5 + int(binary.BigEndian.Uint16(es[3:])&0x0fff)
	}
	return pmt, nil
}
