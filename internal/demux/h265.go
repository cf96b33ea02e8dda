package demux

import (
	"fmt"
	"math/bits"
	"strings"
)

// H.265 nal_unit_type values used while probing and segmenting.
const (
	hevcBLAWLP    = 16
	hevcCRA       = 21
	hevcVPS       = 32
	hevcSPS       = 33
	hevcPPS       = 34
	hevcSEIPrefix = 39
)

var hevcSyntax = nalSyntax{
	headerLen: 2,
	unitType:  func(hdr byte) byte { return hdr >> 1 & 0x3f },
	irap:      func(typ byte) bool { return typ >= hevcBLAWLP && typ <= hevcCRA },
	hasVPS:    true,
	vps:       hevcVPS,
	sps:       hevcSPS,
	pps:       hevcPPS,
	sei:       hevcSEIPrefix,
	parseSPS:  parseHEVCSPS,
}

// hevcPTL is the general part of profile_tier_level().
type hevcPTL struct {
	highTier    bool
	profile     uint64
	compat      uint32
	constraints uint64 // 48 bits
	level       uint64
}

// codecString formats the ISO/IEC 14496-15 "hev1" codecs parameter.
func (p hevcPTL) codecString() string {
	tier := 'L'
	if p.highTier {
		tier = 'H'
	}
	var b strings.Builder
	fmt.Fprintf(&b, "hev1.%d.%X.%c%d", p.profile, bits.Reverse32(p.compat), tier, p.level)

	var cb [6]byte
	for i := range cb {
		cb[i] = byte(p.constraints >> (40 - 8*i))
	}
	end := len(cb)
	for end > 0 && cb[end-1] == 0 {
		end--
	}
	for _, c := range cb[:end] {
		fmt.Fprintf(&b, ".%X", c)
	}
	return b.String()
}

func (r *bitReader) profileTierLevel(subLayers int) hevcPTL {
	var p hevcPTL
	r.skip(2) // general_profile_space
	p.highTier = r.flag()
	p.profile = r.u(5)
	p.compat = uint32(r.u(32))
	p.constraints = r.u(48)
	p.level = r.u(8)
	if subLayers == 0 {
		return p
	}

	profile := make([]bool, subLayers)
	level := make([]bool, subLayers)
	for i := range subLayers {
		profile[i] = r.flag()
		level[i] = r.flag()
	}
	r.skip(2 * (8 - subLayers)) // reserved_zero_2bits
	for i := range subLayers {
		if profile[i] {
			r.skip(88)
		}
		if level[i] {
			r.skip(8)
		}
	}
	return p
}

// parseHEVCSPS reads the picture size and codec string from an H.265 SPS
// NAL unit, two-byte header included.
func parseHEVCSPS(nal []byte) (videoParams, error) {
	if len(nal) < 4 {
		return videoParams{}, fmt.Errorf("h265 sps: %w", errShortRBSP)
	}
	r := bitReader{buf: rbsp(nal[2:])}
	r.skip(4) // sps_video_parameter_set_id
	subLayers := int(r.u(3))
	r.skip(1) // sps_temporal_id_nesting_flag
	ptl := r.profileTierLevel(subLayers)

	r.ue() // sps_seq_parameter_set_id
	chroma := r.ue()
	if chroma == 3 {
		r.skip(1) // separate_colour_plane_flag
	}
	width, height := r.ue(), r.ue()
	var left, right, top, bottom uint64
	if r.flag() {
		left, right, top, bottom = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return videoParams{}, fmt.Errorf("h265 sps: %w", r.err)
	}

	subW, subH := uint64(1), uint64(1)
	switch chroma {
	case 1:
		subW, subH = 2, 2
	case 2:
		subW = 2
	}
	w, err := crop(width, subW, left, right)
	if err != nil {
		return videoParams{}, fmt.Errorf("h265 sps: %w", err)
	}
	h, err := crop(height, subH, top, bottom)
	if err != nil {
		return videoParams{}, fmt.Errorf("h265 sps: %w", err)
	}
	return videoParams{width: w, height: h, codecString: ptl.codecString()}, nil
}
