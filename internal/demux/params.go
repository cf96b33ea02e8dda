package demux

import (
	"fmt"

	"github.com/zsiec/ccx"

	"github.com/zsiec/remux/internal/media"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// paramProbe accumulates codec parameters for one stream while probing.
type paramProbe struct {
	vps, sps, pps []byte
	resolved      bool
}

// inspect updates sd from the contents of pkt and reports whether the
// stream's parameters are now fully known.
func (p *paramProbe) inspect(sd *media.StreamDescriptor, pkt *media.Packet) bool {
	if p.resolved {
		if sd.Codec.IsVideo() && !sd.ClosedCaptions {
			sd.ClosedCaptions = hasCaptions(sd.Codec, pkt.Data)
		}
		return true
	}

	if syn := syntaxOf(sd.Codec); syn != nil {
		for _, n := range syn.units(pkt.Data) {
			switch {
			case syn.hasVPS && n.typ == syn.vps:
				p.vps = clone(n.data)
			case n.typ == syn.sps:
				vp, err := syn.parseSPS(n.data)
				if err != nil {
					continue
				}
				p.sps = clone(n.data)
				sd.Width, sd.Height = vp.width, vp.height
				sd.CodecString = vp.codecString
			case n.typ == syn.pps:
				p.pps = clone(n.data)
			case n.typ == syn.sei && len(n.data) > syn.headerLen:
				sd.ClosedCaptions = sd.ClosedCaptions || captionsInSEI(n.data)
			}
		}
		p.resolved = p.sps != nil && p.pps != nil && (p.vps != nil || !syn.hasVPS)
		if p.resolved {
			sd.ExtraData = annexB(p.vps, p.sps, p.pps)
		}
		return p.resolved
	}

	switch sd.Codec {
	case media.CodecAAC:
		frames, err := ParseADTS(pkt.Data)
		if err != nil || len(frames) == 0 {
			return false
		}
		f := frames[0]
		sd.SampleRate, sd.Channels = f.SampleRate, f.Channels
		sd.ExtraData = f.AudioSpecificConfig()
		sd.CodecString = fmt.Sprintf("mp4a.40.%d", f.ObjectType)
		p.resolved = true
	}
	return p.resolved
}

// hasCaptions scans an access unit's SEI NAL units for CEA-608/708 data.
func hasCaptions(codec media.Codec, au []byte) bool {
	syn := syntaxOf(codec)
	if syn == nil {
		return false
	}
	for _, n := range syn.units(au) {
		if n.typ == syn.sei && len(n.data) > syn.headerLen && captionsInSEI(n.data) {
			return true
		}
	}
	return false
}

func captionsInSEI(sei []byte) bool {
	cd := ccx.ExtractCaptions(sei)
	return cd != nil && (len(cd.CC608Pairs) > 0 || len(cd.DTVCC) > 0)
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
