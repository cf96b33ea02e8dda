package mpegts

import (
	"bytes"
	"errors"
	"testing"
)

func TestMuxer_AddStream(t *testing.T) {
	t.Parallel()
	m := NewMuxer(nil)

	if _, err := m.AddStream(0x06); err == nil {
		t.Error("expected error for unsupported stream type")
	}
	for i, st := range []uint8{StreamTypeAAC, StreamTypeH264, StreamTypeAAC} {
		idx, err := m.AddStream(st)
		if err != nil {
			t.Fatal(err)
		}
		if idx != i {
			t.Errorf("index = %d, want %d", idx, i)
		}
	}

	want := []struct {
		pid uint16
		sid uint8
	}{{0x100, 0xC0}, {0x101, 0xE0}, {0x102, 0xC1}}
	for i, s := range m.Streams() {
		if s.PID != want[i].pid || s.streamID != want[i].sid {
			t.Errorf("stream %d = PID 0x%X sid 0x%X, want 0x%X 0x%X", i, s.PID, s.streamID, want[i].pid, want[i].sid)
		}
	}
	if m.PCRPID() != 0x101 {
		t.Errorf("PCR PID = 0x%X, want 0x101", m.PCRPID())
	}
}

func TestMuxer_WriteTablesRequiresStreams(t *testing.T) {
	t.Parallel()
	if err := NewMuxer(&bytes.Buffer{}).WriteTables(); err == nil {
		t.Error("expected error with no streams")
	}
}

func TestMuxer_ContinuityAcrossWriters(t *testing.T) {
	t.Parallel()
	var a, b bytes.Buffer
	m := NewMuxer(&a)
	m.AddStream(StreamTypeAAC)
	m.WriteTables()
	m.WritePES(0, []byte{1, 2, 3}, 0, 0, true)

	m.SetWriter(&b)
	m.WriteTables()
	m.WritePES(0, []byte{4, 5, 6}, 1920, 1920, true)

	// Packets on each PID carry consecutive counters across both buffers.
	last := map[uint16]uint8{}
	all := append(a.Bytes(), b.Bytes()...)
	for off := 0; off < len(all); off += packetSize {
		h, _, err := readPacket(all[off : off+packetSize])
		if err != nil {
			t.Fatal(err)
		}
		if prev, ok := last[h.pid]; ok && h.cc != (prev+1)&0x0F {
			t.Errorf("PID 0x%X: CC %d after %d", h.pid, h.cc, prev)
		}
		last[h.pid] = h.cc
	}
}

func TestMuxer_StuffingLengths(t *testing.T) {
	t.Parallel()
	// Sizes around the point where the last packet needs one or two bytes
	// of stuffing, with and without a leading adaptation field.
	for size := 150; size < 200; size++ {
		for _, key := range []bool{false, true} {
			var buf bytes.Buffer
			m := NewMuxer(&buf)
			m.AddStream(StreamTypeAAC)
			data := bytes.Repeat([]byte{0xA5}, size)
			if err := m.WritePES(0, data, 100, 100, key); err != nil {
				t.Fatal(err)
			}
			if buf.Len()%packetSize != 0 {
				t.Fatalf("size %d: output %d bytes", size, buf.Len())
			}
			var payload []byte
			raw := buf.Bytes()
			for off := 0; off < len(raw); off += packetSize {
				_, body, err := readPacket(raw[off : off+packetSize])
				if err != nil {
					t.Fatal(err)
				}
				payload = append(payload, body...)
			}
			pes, err := parsePES(payload)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(pes.Data, data) {
				t.Fatalf("size %d key %v: payload mismatch", size, key)
			}
		}
	}
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestMuxer_WriteError(t *testing.T) {
	t.Parallel()
	m := NewMuxer(errWriter{})
	m.AddStream(StreamTypeH264)
	if err := m.WriteTables(); err == nil {
		t.Error("expected write error")
	}
	if err := m.WritePES(0, []byte{1}, 0, 0, true); err == nil {
		t.Error("expected write error")
	}
	if err := m.WritePES(3, []byte{1}, 0, 0, true); err == nil {
		t.Error("expected range error")
	}
}
