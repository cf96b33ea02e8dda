package demux

import "errors"

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// SamplesPerAACFrame is the number of PCM samples one AAC-LC frame decodes to.
const SamplesPerAACFrame = 1024

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame represents a single AAC audio frame parsed from ADTS.
type AACFrame struct {
	Data       []byte // complete ADTS frame (header + payload)
	SampleRate int
	Channels   int
	// ObjectType is the MPEG-4 audio object type (2 for AAC-LC).
	ObjectType int
	// RateIndex is the sampling_frequency_index from the header.
	RateIndex int
}

// AudioSpecificConfig returns the two-byte MPEG-4 AudioSpecificConfig that
// describes this frame's stream, as stored in a stream's extra data.
func (f AACFrame) AudioSpecificConfig() []byte {
	return []byte{
		byte(f.ObjectType<<3) | byte(f.RateIndex>>1),
		byte(f.RateIndex<<7) | byte(f.Channels<<3),
	}
}

// adtsHeader parses the fixed part of an ADTS header at the start of data
// and returns the declared frame length, header included.
func adtsHeader(data []byte) (frame AACFrame, frameLen int, err error) {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF6 != 0xF0 {
		return AACFrame{}, 0, ErrInvalidADTS
	}

	hasCRC := data[1]&0x01 == 0
	headerSize := 7
	if hasCRC {
		headerSize = 9
	}

	rateIdx := int(data[2]>>2) & 0x0F
	if rateIdx >= len(aacSampleRates) {
		return AACFrame{}, 0, ErrInvalidADTS
	}

	frameLen = int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
	if frameLen < headerSize {
		return AACFrame{}, 0, ErrInvalidADTS
	}

	return AACFrame{
		SampleRate: aacSampleRates[rateIdx],
		Channels:   int(data[2]&0x01)<<2 | int(data[3]>>6),
		ObjectType: int(data[2]>>6) + 1,
		RateIndex:  rateIdx,
	}, frameLen, nil
}

// ParseADTS parses an ADTS byte stream into individual AAC frames. Bytes
// before a sync word are skipped and a truncated trailing frame is dropped.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0

	for len(data)-offset >= 7 {
		if data[offset] != 0xFF || data[offset+1]&0xF6 != 0xF0 {
			offset++
			continue
		}

		f, frameLen, err := adtsHeader(data[offset:])
		if err != nil {
			return frames, err
		}
		if offset+frameLen > len(data) {
			break
		}

		f.Data = data[offset : offset+frameLen]
		frames = append(frames, f)
		offset += frameLen
	}

	return frames, nil
}
