// Package tsgen builds small synthetic H.264/AAC inputs: MPEG-TS programs
// and raw ADTS streams with exact, predictable timing. The payloads are not
// decodable pictures or audio, but every header a remuxer looks at is real.
package tsgen

import (
	"bytes"
	"fmt"
	"time"

	"github.com/zsiec/remux/internal/mpegts"
)

// SPS720p is a High profile level 3.1 sequence parameter set for 1280x720.
var SPS720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

// PPS is a picture parameter set matching SPS720p.
var PPS = []byte{0x68, 0xCE, 0x38, 0x80}

const (
	clockRate = 90000

	idrSliceSize   = 1200
	interSliceSize = 240
	audioFrameSize = 96
)

// Config describes a generated stream. Zero fields take the defaults noted
// on each field.
type Config struct {
	Duration time.Duration // default 10s

	Video bool
	// FrameRate in frames per second. Default 25.
	FrameRate int
	// KeyframeInterval is the distance between IDR pictures. Default 1s.
	KeyframeInterval time.Duration
	// Captions adds a CEA-608 SEI message to every access unit.
	Captions bool
	// OmitParameterSets leaves SPS and PPS out of every access unit.
	OmitParameterSets bool
	// PTSOffset is added to every video PTS to model reordering delay.
	PTSOffset int64

	Audio bool
	// SampleRateIndex is the ADTS sampling_frequency_index. Default 3 (48 kHz).
	SampleRateIndex int
	// Channels default 2.
	Channels int

	// StartPTS is the first timestamp in 90 kHz units. Values beyond 33 bits
	// are wrapped by the muxer.
	StartPTS int64
}

var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

func (c *Config) setDefaults() {
	if c.Duration <= 0 {
		c.Duration = 10 * time.Second
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 25
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = time.Second
	}
	if c.SampleRateIndex <= 0 {
		c.SampleRateIndex = 3
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
}

// SampleRate returns the audio sample rate the config produces.
func (c Config) SampleRate() int {
	c.setDefaults()
	if c.SampleRateIndex >= len(sampleRates) {
		return 0
	}
	return sampleRates[c.SampleRateIndex]
}

// Frames returns the number of video access units the config produces.
func (c Config) Frames() int {
	c.setDefaults()
	return int(c.Duration * time.Duration(c.FrameRate) / time.Second)
}

// AudioFrames returns the number of ADTS frames the config produces.
func (c Config) AudioFrames() int {
	c.setDefaults()
	rate := c.SampleRate()
	samples := int64(c.Duration) * int64(rate) / int64(time.Second)
	return int((samples + 1023) / 1024)
}

type event struct {
	stream   int
	data     []byte
	pts, dts int64
	keyframe bool
}

// MPEGTS generates a single-program transport stream. PAT and PMT are
// repeated before every keyframe.
func MPEGTS(cfg Config) ([]byte, error) {
	cfg.setDefaults()
	if !cfg.Video && !cfg.Audio {
		return nil, fmt.Errorf("tsgen: no streams enabled")
	}
	if cfg.SampleRateIndex >= len(sampleRates) {
		return nil, fmt.Errorf("tsgen: invalid sample rate index %d", cfg.SampleRateIndex)
	}

	var buf bytes.Buffer
	mux := mpegts.NewMuxer(&buf)
	videoIdx, audioIdx := -1, -1
	var err error
	if cfg.Video {
		if videoIdx, err = mux.AddStream(mpegts.StreamTypeH264); err != nil {
			return nil, err
		}
	}
	if cfg.Audio {
		if audioIdx, err = mux.AddStream(mpegts.StreamTypeAAC); err != nil {
			return nil, err
		}
	}

	var video, audio []event
	if cfg.Video {
		video = videoEvents(cfg, videoIdx)
	}
	if cfg.Audio {
		audio = audioEvents(cfg, audioIdx)
	}

	if err := mux.WriteTables(); err != nil {
		return nil, err
	}
	first := true
	for len(video) > 0 || len(audio) > 0 {
		var ev event
		if len(audio) == 0 || (len(video) > 0 && video[0].dts <= audio[0].dts) {
			ev, video = video[0], video[1:]
		} else {
			ev, audio = audio[0], audio[1:]
		}
		if ev.keyframe && ev.stream == videoIdx && !first {
			if err := mux.WriteTables(); err != nil {
				return nil, err
			}
		}
		first = false
		if err := mux.WritePES(ev.stream, ev.data, ev.pts, ev.dts, ev.keyframe); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ADTS generates a raw ADTS elementary stream.
func ADTS(cfg Config) ([]byte, error) {
	cfg.setDefaults()
	if cfg.SampleRateIndex >= len(sampleRates) {
		return nil, fmt.Errorf("tsgen: invalid sample rate index %d", cfg.SampleRateIndex)
	}
	var out []byte
	for i := range cfg.AudioFrames() {
		out = append(out, ADTSFrame(cfg.SampleRateIndex, cfg.Channels, audioPayload(i))...)
	}
	return out, nil
}

func videoEvents(cfg Config, stream int) []event {
	gop := int(cfg.KeyframeInterval * time.Duration(cfg.FrameRate) / time.Second)
	if gop < 1 {
		gop = 1
	}
	frames := cfg.Frames()
	evs := make([]event, 0, frames)
	for i := range frames {
		dts := cfg.StartPTS + int64(i)*clockRate/int64(cfg.FrameRate)
		key := i%gop == 0
		evs = append(evs, event{
			stream:   stream,
			data:     AccessUnit(key, cfg.Captions, !cfg.OmitParameterSets),
			pts:      dts + cfg.PTSOffset,
			dts:      dts,
			keyframe: key,
		})
	}
	return evs
}

func audioEvents(cfg Config, stream int) []event {
	rate := int64(cfg.SampleRate())
	n := cfg.AudioFrames()
	evs := make([]event, 0, n)
	for i := range n {
		pts := cfg.StartPTS + int64(i)*1024*clockRate/rate
		evs = append(evs, event{
			stream:   stream,
			data:     ADTSFrame(cfg.SampleRateIndex, cfg.Channels, audioPayload(i)),
			pts:      pts,
			dts:      pts,
			keyframe: true,
		})
	}
	return evs
}

// AccessUnit builds an Annex B H.264 access unit. Keyframes carry an IDR
// slice preceded by the parameter sets when params is set.
func AccessUnit(keyframe, captions, params bool) []byte {
	var au []byte
	nal := func(b []byte) {
		au = append(au, 0x00, 0x00, 0x00, 0x01)
		au = append(au, b...)
	}
	if keyframe && params {
		nal(SPS720p)
		nal(PPS)
	}
	if captions {
		nal(CaptionSEI([]byte{'H', 'I'}))
	}
	if keyframe {
		nal(slice(0x65, idrSliceSize))
	} else {
		nal(slice(0x41, interSliceSize))
	}
	return au
}

func slice(header byte, size int) []byte {
	s := bytes.Repeat([]byte{0xAB}, size)
	s[0] = header
	return s
}

func audioPayload(i int) []byte {
	p := bytes.Repeat([]byte{0x21}, audioFrameSize)
	p[0] = byte(i)
	return p
}

// ADTSFrame wraps payload in a 7-byte AAC-LC ADTS header without CRC.
func ADTSFrame(rateIndex, channels int, payload []byte) []byte {
	frameLen := 7 + len(payload)
	h := []byte{
		0xFF,
		0xF1,
		byte(1<<6 | rateIndex<<2 | channels>>2),
		byte(channels&0x03<<6 | frameLen>>11&0x03),
		byte(frameLen >> 3),
		byte(frameLen&0x07<<5 | 0x1F),
		0xFC,
	}
	return append(h, payload...)
}
