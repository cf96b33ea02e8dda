package mapper

import (
	"errors"
	"testing"

	"github.com/zsiec/remux/internal/media"
)

func input() *media.InputContainer {
	return &media.InputContainer{
		Format: "mpegts",
		Streams: []media.StreamDescriptor{
			{
				Index: 0, Codec: media.CodecH264, TimeBase: media.MPEGTSTimeBase,
				ExtraData: []byte{0, 0, 0, 1, 0x67}, CodecTag: 0x1B, Width: 1280, Height: 720,
				ClosedCaptions: true,
			},
			{
				Index: 1, Codec: media.CodecAAC, TimeBase: media.TimeBase{Num: 1, Den: 48000},
				ExtraData: []byte{0x11, 0x90}, CodecTag: 0x0F, SampleRate: 48000, Channels: 2,
			},
		},
	}
}

func TestMap(t *testing.T) {
	t.Parallel()
	in := input()
	out, err := Map(in, "hls")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if out.Format != "hls" {
		t.Errorf("format = %q", out.Format)
	}
	if len(out.Streams) != len(in.Streams) {
		t.Fatalf("streams = %d, want %d", len(out.Streams), len(in.Streams))
	}
	for i, s := range out.Streams {
		src := in.Streams[i]
		if s.Index != i || s.Codec != src.Codec {
			t.Errorf("stream %d: index=%d codec=%s", i, s.Index, s.Codec)
		}
		if s.CodecTag != 0 {
			t.Errorf("stream %d: codec tag = %#x, want 0", i, s.CodecTag)
		}
		if s.TimeBase != media.MPEGTSTimeBase {
			t.Errorf("stream %d: time base = %s", i, s.TimeBase)
		}
		if string(s.ExtraData) != string(src.ExtraData) {
			t.Errorf("stream %d: extra data = % X", i, s.ExtraData)
		}
	}
	if !out.Streams[0].ClosedCaptions || out.Streams[0].Width != 1280 {
		t.Error("video parameters not carried over")
	}
	if out.Streams[1].SampleRate != 48000 || out.Streams[1].Channels != 2 {
		t.Error("audio parameters not carried over")
	}

	// Output must not alias input.
	out.Streams[0].ExtraData[4] = 0xFF
	if in.Streams[0].ExtraData[4] != 0x67 {
		t.Error("extra data shared between input and output")
	}
	if in.Streams[0].CodecTag != 0x1B {
		t.Error("input codec tag modified")
	}
}

func TestMap_Errors(t *testing.T) {
	t.Parallel()

	unsupported := input()
	unsupported.Streams = append(unsupported.Streams, media.StreamDescriptor{Index: 2, Codec: "opus"})

	tests := []struct {
		name   string
		in     *media.InputContainer
		format string
	}{
		{"nil input", nil, "hls"},
		{"no streams", &media.InputContainer{Format: "mpegts"}, "hls"},
		{"unknown format", input(), "mp4"},
		{"unsupported codec", unsupported, "hls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := Map(tt.in, tt.format)
			if !errors.Is(err, media.ErrMapping) {
				t.Errorf("err = %v, want ErrMapping", err)
			}
			if out != nil {
				t.Error("partial output returned")
			}
		})
	}
}

func TestFormats(t *testing.T) {
	t.Parallel()
	got := Formats()
	if len(got) != 2 || got[0] != "hls" || got[1] != "mpegts" {
		t.Errorf("Formats() = %v", got)
	}
}
