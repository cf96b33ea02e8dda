package tsgen

// CaptionSEI returns an H.264 SEI NAL unit (without start code) carrying
// the given CEA-608 field 1 bytes as ATSC A/53 cc_data. Bytes are paired;
// an odd trailing byte is padded with a null.
func CaptionSEI(text []byte) []byte {
	if len(text)%2 == 1 {
		text = append(text, 0x00)
	}
	msg := encodeSEIMessage(4, a53Payload(text))
	msg = append(msg, 0x80) // rbsp trailing bits

	nal := []byte{0x06}
	return append(nal, addEPB(msg)...)
}

// a53Payload builds a user_data_registered_itu_t_t35 payload with one
// cc_data triplet per byte pair.
func a53Payload(text []byte) []byte {
	count := min(len(text)/2, 31)
	p := []byte{
		0xB5,       // country code: United States
		0x00, 0x31, // provider code: ATSC
		'G', 'A', '9', '4',
		0x03, // cc_data
		0x40 | byte(count),
		0xFF,
	}
	for i := range count {
		p = append(p, 0xFC, oddParity(text[2*i]), oddParity(text[2*i+1]))
	}
	return append(p, 0xFF)
}

func oddParity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

func encodeSEIMessage(payloadType int, payload []byte) []byte {
	var out []byte
	for pt := payloadType; ; pt -= 255 {
		if pt < 255 {
			out = append(out, byte(pt))
			break
		}
		out = append(out, 0xFF)
	}
	for ps := len(payload); ; ps -= 255 {
		if ps < 255 {
			out = append(out, byte(ps))
			break
		}
		out = append(out, 0xFF)
	}
	return append(out, payload...)
}

// addEPB inserts emulation prevention bytes.
func addEPB(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
