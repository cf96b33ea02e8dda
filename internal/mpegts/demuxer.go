package mpegts

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
)

// Demuxer reads a transport stream and yields PAT, PMT and PES units.
// Packets with a bad sync byte are counted and skipped.
type Demuxer struct {
	ctx     context.Context
	r       io.Reader
	buf     []byte
	pids    map[uint16]*assembler
	pmtPIDs map[uint16]bool
	pending []Unit
	eof     bool

	bytesRead int64
	corrupt   int64
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		ctx:     ctx,
		r:       r,
		buf:     make([]byte, packetSize),
		pids:    make(map[uint16]*assembler),
		pmtPIDs: make(map[uint16]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptPacketSize sets the size of each packet on the wire. Sizes above
// 188, such as 192-byte M2TS or 204-byte Reed-Solomon framing, keep the
// transport packet first and discard the trailer.
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		if size > packetSize {
			d.buf = make([]byte, size)
		}
	}
}

// BytesRead returns how many bytes the demuxer has consumed.
func (d *Demuxer) BytesRead() int64 { return d.bytesRead }

// CorruptPackets returns the number of packets skipped for a bad sync byte.
func (d *Demuxer) CorruptPackets() int64 { return d.corrupt }

// Next returns the next unit, or io.EOF once the input is exhausted and
// every partially assembled payload has been flushed. Other read errors are
// returned as is and end the stream.
func (d *Demuxer) Next() (Unit, error) {
	for len(d.pending) == 0 {
		if d.eof {
			return Unit{}, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return Unit{}, err
		}
		n, err := io.ReadFull(d.r, d.buf)
		d.bytesRead += int64(n)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.eof = true
			d.flushAll()
			continue
		}
		if err != nil {
			return Unit{}, err
		}

		h, payload, err := readPacket(d.buf[:packetSize])
		if err != nil {
			d.corrupt++
			continue
		}
		a := d.pids[h.pid]
		if a == nil {
			a = &assembler{cc: -1}
			d.pids[h.pid] = a
		}
		if done, first := a.push(h, payload, d.isPSI(h.pid)); done != nil {
			d.decode(h.pid, first, done)
		}
	}
	u := d.pending[0]
	d.pending = d.pending[1:]
	return u, nil
}

func (d *Demuxer) isPSI(pid uint16) bool {
	return pid == PIDPAT || d.pmtPIDs[pid]
}

// flushAll hands over whatever is still buffered, lowest PID first so a
// trailing PAT is seen before the PMTs it announces.
func (d *Demuxer) flushAll() {
	for _, pid := range slices.Sorted(maps.Keys(d.pids)) {
		a := d.pids[pid]
		if a.started && len(a.buf) > 0 {
			d.decode(pid, a.first, a.buf)
		}
		a.reset()
	}
}

func (d *Demuxer) decode(pid uint16, first header, payload []byte) {
	base := Unit{PID: pid, RandomAccess: first.randomAccess, PCR: first.pcr}
	if !d.isPSI(pid) {
		if pes, err := parsePES(payload); err == nil {
			base.PES = pes
			d.pending = append(d.pending, base)
		}
		return
	}

	// Sections that fail their CRC are dropped.
	secs, _ := sections(payload)
	for _, sec := range secs {
		u := base
		switch sec[0] {
		case tableIDPAT:
			progs, err := parsePAT(sec)
			if err != nil {
				continue
			}
			for _, p := range progs {
				d.pmtPIDs[p.PMTPID] = true
			}
			u.Programs = progs
		case tableIDPMT:
			pmt, err := parsePMT(sec)
			if err != nil {
				continue
			}
			u.PMT = pmt
		default:
			continue
		}
		d.pending = append(d.pending, u)
	}
}

// assembler gathers the payload of one PID between unit starts.
type assembler struct {
	buf     []byte
	first   header
	started bool
	cc      int // last continuity counter, -1 before the first packet
}

func (a *assembler) reset() {
	a.buf, a.started = nil, false
}

// push adds one packet. It returns a finished payload and the header of its
// first packet when the packet completes one: a new unit start ends a PES,
// and a PSI payload ends as soon as its sections are whole. A continuity
// gap drops the partial payload; a repeated counter drops the duplicate.
func (a *assembler) push(h header, payload []byte, psi bool) ([]byte, header) {
	if h.transportError {
		a.reset()
		a.cc = -1
		return nil, header{}
	}
	if !h.hasPayload {
		return nil, header{}
	}
	if a.cc >= 0 && !h.discontinuity {
		switch want := uint8(a.cc+1) & 0x0f; {
		case h.cc == uint8(a.cc):
			return nil, header{}
		case h.cc != want:
			a.reset()
		}
	}
	a.cc = int(h.cc)

	var done []byte
	var first header
	if h.unitStart {
		// A PSI payload still buffered here never completed.
		if a.started && !psi && len(a.buf) > 0 {
			done, first = a.buf, a.first
		}
		a.buf = append([]byte(nil), payload...)
		a.first = h
		a.started = true
	} else if a.started {
		a.buf = append(a.buf, payload...)
	}

	if done == nil && psi && a.started {
		if _, complete := sections(a.buf); complete {
			done, first = a.buf, a.first
			a.reset()
		}
	}
	return done, first
}
