package mpegts

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"
)

func patSection(tsID uint16, progs ...Program) []byte {
	s := appendSectionHeader(nil, tableIDPAT, 5+4*len(progs)+4, tsID)
	for _, p := range progs {
		s = binary.BigEndian.AppendUint16(s, p.Number)
		s = binary.BigEndian.AppendUint16(s, 0xE000|p.PMTPID)
	}
	return binary.BigEndian.AppendUint32(s, crc32MPEG(s))
}

func TestCRC32MPEG(t *testing.T) {
	t.Parallel()
	// CRC-32/MPEG-2 check value.
	if got := crc32MPEG([]byte("123456789")); got != 0x0376E6E7 {
		t.Errorf("crc = %#08x, want 0x0376e6e7", got)
	}
	sec := patSection(1, Program{1, 0x1000})
	if crc32MPEG(sec) != 0 {
		t.Error("section with trailing CRC should check to zero")
	}
}

func TestParsePAT(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		progs []Program
		want  []Program
	}{
		{"one program", []Program{{1, 0x1000}}, []Program{{1, 0x1000}}},
		{"two programs", []Program{{1, 0x100}, {2, 0x200}}, []Program{{1, 0x100}, {2, 0x200}}},
		{"skips network PID", []Program{{0, 0x10}, {1, 0x1000}}, []Program{{1, 0x1000}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parsePAT(patSection(7, tc.progs...))
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("programs = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParsePMT(t *testing.T) {
	t.Parallel()
	m := NewMuxer(nil)
	m.AddStream(StreamTypeAAC)
	m.AddStream(StreamTypeH264)

	pmt, err := parsePMT(m.pmtSection())
	if err != nil {
		t.Fatal(err)
	}
	if pmt.Program != programNumber || pmt.PCRPID != FirstElementaryPID+1 {
		t.Errorf("pmt = %+v", pmt)
	}
	want := []ElementaryStream{
		{PID: FirstElementaryPID, Type: StreamTypeAAC},
		{PID: FirstElementaryPID + 1, Type: StreamTypeH264},
	}
	if !slices.Equal(pmt.Streams, want) {
		t.Errorf("streams = %+v, want %+v", pmt.Streams, want)
	}
}

func TestParseSection_Errors(t *testing.T) {
	t.Parallel()
	bad := patSection(1, Program{1, 0x1000})
	bad[len(bad)-1] ^= 0xFF
	if _, err := parsePAT(bad); !errors.Is(err, errCRC) {
		t.Errorf("PAT err = %v, want errCRC", err)
	}
	if _, err := parsePMT(patSection(1)); !errors.Is(err, errShortSection) {
		t.Errorf("PMT err = %v, want errShortSection", err)
	}
}

func TestSections(t *testing.T) {
	t.Parallel()
	pat := patSection(1, Program{1, 0x1000})
	withPointer := func(pointer int, parts ...[]byte) []byte {
		b := append([]byte{byte(pointer)}, make([]byte, pointer)...)
		for _, p := range parts {
			b = append(b, p...)
		}
		return b
	}

	tests := []struct {
		name     string
		payload  []byte
		count    int
		complete bool
	}{
		{"single section", withPointer(0, pat), 1, true},
		{"stuffing after section", withPointer(0, pat, []byte{0xFF, 0xFF}), 1, true},
		{"zero padding after section", withPointer(0, pat, make([]byte, 8)), 1, true},
		{"two sections", withPointer(0, pat, pat), 2, true},
		{"pointer skips bytes", withPointer(3, pat), 1, true},
		{"truncated section", withPointer(0, pat[:len(pat)-2]), 0, false},
		{"truncated header", withPointer(0, pat[:2]), 0, false},
		{"pointer out of range", []byte{0x05, 0x00}, 0, false},
		{"empty", nil, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			secs, complete := sections(tc.payload)
			if len(secs) != tc.count || complete != tc.complete {
				t.Errorf("got %d sections complete=%v, want %d complete=%v", len(secs), complete, tc.count, tc.complete)
			}
		})
	}
}
