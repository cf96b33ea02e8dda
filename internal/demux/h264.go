package demux

import "fmt"

// H.264 nal_unit_type values used while probing and segmenting.
const (
	avcIDR = 5
	avcSEI = 6
	avcSPS = 7
	avcPPS = 8
)

var avcSyntax = nalSyntax{
	headerLen: 1,
	unitType:  func(hdr byte) byte { return hdr & 0x1f },
	irap:      func(typ byte) bool { return typ == avcIDR },
	sps:       avcSPS,
	pps:       avcPPS,
	sei:       avcSEI,
	parseSPS:  parseAVCSPS,
}

// Profiles whose SPS carries chroma_format_idc and scaling matrices.
var avcHighProfiles = map[uint64]bool{
	44: true, 83: true, 86: true, 100: true, 110: true, 118: true,
	122: true, 128: true, 134: true, 138: true, 139: true, 244: true,
}

// parseAVCSPS reads the picture size and RFC 6381 codec string from an
// H.264 SPS NAL unit, header byte included.
func parseAVCSPS(nal []byte) (videoParams, error) {
	if len(nal) < 4 {
		return videoParams{}, fmt.Errorf("h264 sps: %w", errShortRBSP)
	}
	r := bitReader{buf: rbsp(nal[1:])}
	profile := r.u(8)
	constraints := r.u(8)
	level := r.u(8)
	r.ue() // seq_parameter_set_id

	chroma := uint64(1)
	separatePlanes := false
	if avcHighProfiles[profile] {
		if chroma = r.ue(); chroma == 3 {
			separatePlanes = r.flag()
		}
		r.ue()    // bit_depth_luma_minus8
		r.ue()    // bit_depth_chroma_minus8
		r.skip(1) // qpprime_y_zero_transform_bypass_flag
		if r.flag() {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := range lists {
				if !r.flag() {
					continue
				}
				if i < 6 {
					r.scalingList(16)
				} else {
					r.scalingList(64)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.skip(1)
		r.se()
		r.se()
		cycle := r.ue()
		if cycle > 255 {
			return videoParams{}, fmt.Errorf("h264 sps: %d frames in poc cycle", cycle)
		}
		for range cycle {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.skip(1) // gaps_in_frame_num_value_allowed_flag
	widthMbs := r.ue() + 1
	heightUnits := r.ue() + 1
	frameMbsOnly := r.flag()
	if !frameMbsOnly {
		r.skip(1) // mb_adaptive_frame_field_flag
	}
	r.skip(1) // direct_8x8_inference_flag
	var left, right, top, bottom uint64
	if r.flag() {
		left, right, top, bottom = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return videoParams{}, fmt.Errorf("h264 sps: %w", r.err)
	}

	fields := uint64(2)
	if frameMbsOnly {
		fields = 1
	}
	subW, subH := uint64(1), uint64(1)
	if !separatePlanes {
		switch chroma {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW = 2
		}
	}
	w, err := crop(widthMbs*16, subW, left, right)
	if err != nil {
		return videoParams{}, fmt.Errorf("h264 sps: %w", err)
	}
	h, err := crop(heightUnits*16*fields, subH*fields, top, bottom)
	if err != nil {
		return videoParams{}, fmt.Errorf("h264 sps: %w", err)
	}
	return videoParams{
		width:       w,
		height:      h,
		codecString: fmt.Sprintf("avc1.%02X%02X%02X", profile, constraints, level),
	}, nil
}

// scalingList consumes one scaling_list() structure.
func (r *bitReader) scalingList(size int) {
	last, next := int64(8), int64(8)
	for range size {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}
