package demux

import (
	"errors"

	"github.com/zsiec/remux/internal/media"
)

var (
	errShortRBSP   = errors.New("parameter set truncated")
	errExpGolomb   = errors.New("exp-Golomb code too long")
	errBadCropping = errors.New("cropping exceeds picture size")
)

// videoParams is what probing needs from a sequence parameter set.
type videoParams struct {
	width, height int
	codecString   string
}

// nalSyntax describes how a video codec frames and names its NAL units.
type nalSyntax struct {
	headerLen int
	unitType  func(hdr byte) byte
	irap      func(typ byte) bool

	hasVPS             bool
	vps, sps, pps, sei byte

	parseSPS func(nal []byte) (videoParams, error)
}

// syntaxOf returns the NAL syntax of codec, or nil for non-NAL codecs.
func syntaxOf(codec media.Codec) *nalSyntax {
	switch codec {
	case media.CodecH264:
		return &avcSyntax
	case media.CodecH265:
		return &hevcSyntax
	}
	return nil
}

type nalUnit struct {
	typ  byte
	data []byte // header included, start code excluded
}

// units splits an Annex B access unit. Zero bytes in front of a start code
// belong to the start code, not to the preceding unit.
func (s *nalSyntax) units(au []byte) []nalUnit {
	var out []nalUnit
	start := -1
	for i := 0; i+2 < len(au); {
		if au[i] != 0 || au[i+1] != 0 {
			i++
			continue
		}
		j := i + 2
		for j < len(au) && au[j] == 0 {
			j++
		}
		if j < len(au) && au[j] == 1 {
			if start >= 0 {
				out = s.appendUnit(out, au[start:i])
			}
			start = j + 1
		}
		i = j + 1
	}
	if start >= 0 && start < len(au) {
		out = s.appendUnit(out, au[start:])
	}
	return out
}

func (s *nalSyntax) appendUnit(out []nalUnit, data []byte) []nalUnit {
	if len(data) < s.headerLen {
		return out
	}
	return append(out, nalUnit{typ: s.unitType(data[0]), data: data})
}

// randomAccess reports whether au contains a picture decoding can start at.
func (s *nalSyntax) randomAccess(au []byte) bool {
	for _, n := range s.units(au) {
		if s.irap(n.typ) {
			return true
		}
	}
	return false
}

// rbsp strips emulation prevention bytes (the 03 in 00 00 03).
func rbsp(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		out = append(out, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// bitReader reads big-endian bit fields. The first failure sticks in err
// and every later read returns zero, so parsers check err once at the end.
type bitReader struct {
	buf []byte
	off int // bits consumed
	err error
}

func (r *bitReader) u(n int) uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+n > len(r.buf)*8 {
		r.err = errShortRBSP
		return 0
	}
	var v uint64
	for range n {
		v = v<<1 | uint64(r.buf[r.off>>3]>>(7-r.off&7)&1)
		r.off++
	}
	return v
}

func (r *bitReader) flag() bool { return r.u(1) == 1 }

func (r *bitReader) skip(n int) {
	for n > 0 && r.err == nil {
		k := min(n, 64)
		r.u(k)
		n -= k
	}
}

// ue reads an unsigned exp-Golomb code.
func (r *bitReader) ue() uint64 {
	zeros := 0
	for !r.flag() {
		if r.err != nil {
			return 0
		}
		if zeros++; zeros > 31 {
			r.err = errExpGolomb
			return 0
		}
	}
	return 1<<zeros - 1 + r.u(zeros)
}

// se reads a signed exp-Golomb code.
func (r *bitReader) se() int64 {
	k := r.ue()
	if k%2 == 0 {
		return -int64(k / 2)
	}
	return int64(k+1) / 2
}

// crop subtracts a cropping window, in chroma units of unit samples, from
// a picture dimension.
func crop(size, unit uint64, window ...uint64) (int, error) {
	var cut uint64
	for _, w := range window {
		cut += w * unit
	}
	if cut >= size {
		return 0, errBadCropping
	}
	return int(size - cut), nil
}
