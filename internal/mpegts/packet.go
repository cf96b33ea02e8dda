package mpegts

import (
	"errors"
	"fmt"
)

const (
	packetSize = 188
	syncByte   = 0x47
)

var errSync = errors.New("mpegts: lost sync")

// header is the fixed part of a transport packet plus the adaptation field
// flags the demuxer cares about.
type header struct {
	pid            uint16
	cc             uint8
	unitStart      bool
	transportError bool
	discontinuity  bool
	randomAccess   bool
	hasPayload     bool
	pcr            int64
}

// readPacket parses one 188-byte packet. The returned payload aliases pkt.
func readPacket(pkt []byte) (header, []byte, error) {
	if len(pkt) != packetSize {
		return header{}, nil, fmt.Errorf("mpegts: %d byte packet", len(pkt))
	}
	if pkt[0] != syncByte {
		return header{}, nil, fmt.Errorf("%w: sync byte %#02x", errSync, pkt[0])
	}
	h := header{
		transportError: pkt[1]&0x80 != 0,
		unitStart:      pkt[1]&0x40 != 0,
		pid:            uint16(pkt[1]&0x1f)<<8 | uint16(pkt[2]),
		hasPayload:     pkt[3]&0x10 != 0,
		cc:             pkt[3] & 0x0f,
		pcr:            -1,
	}

	body := pkt[4:]
	if pkt[3]&0x20 != 0 {
		n := min(int(body[0]), len(body)-1)
		h.readAdaptation(body[1 : 1+n])
		body = body[1+n:]
	}
	if !h.hasPayload || len(body) == 0 {
		return h, nil, nil
	}
	return h, body, nil
}

func (h *header) readAdaptation(af []byte) {
	if len(af) == 0 {
		return
	}
	h.discontinuity = af[0]&0x80 != 0
	h.randomAccess = af[0]&0x40 != 0
	if af[0]&0x10 != 0 && len(af) >= 7 {
		// 33-bit base; the 6 reserved bits and the 27 MHz extension are dropped.
		h.pcr = int64(af[1])<<25 | int64(af[2])<<17 | int64(af[3])<<9 | int64(af[4])<<1 | int64(af[5]>>7)
	}
}
