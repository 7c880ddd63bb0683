package demux

import (
	"errors"

	"github.com/zsiec/reel/media"
)

var (
	errShortSPS = errors.New("demux: truncated SPS")
	errBadSPS   = errors.New("demux: malformed SPS")
)

// pictureInfo is the picture geometry carried in a sequence parameter set.
type pictureInfo struct {
	Width     int
	Height    int
	FrameRate float64
}

// rbsp reads bit fields from a NAL payload with emulation prevention bytes
// removed. The first error sticks; later reads return zero.
type rbsp struct {
	b   []byte
	pos int
	err error
}

func newRBSP(payload []byte) *rbsp {
	out := make([]byte, 0, len(payload))
	zeros := 0
	for _, c := range payload {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, c)
	}
	return &rbsp{b: out}
}

func (r *rbsp) u(n int) uint {
	var v uint
	for range n {
		if r.err != nil {
			return 0
		}
		if r.pos >= 8*len(r.b) {
			r.err = errShortSPS
			return 0
		}
		v = v<<1 | uint(r.b[r.pos>>3]>>(7-r.pos&7)&1)
		r.pos++
	}
	return v
}

func (r *rbsp) skip(n int) {
	for n > 0 {
		k := min(n, 32)
		r.u(k)
		n -= k
	}
}

// ue reads an unsigned Exp-Golomb code.
func (r *rbsp) ue() uint {
	n := 0
	for r.u(1) == 0 {
		if r.err != nil {
			return 0
		}
		if n++; n > 31 {
			r.err = errBadSPS
			return 0
		}
	}
	return 1<<n - 1 + r.u(n)
}

// se reads a signed Exp-Golomb code.
func (r *rbsp) se() int {
	v := r.ue()
	if v&1 == 1 {
		return int(v+1) / 2
	}
	return -int(v / 2)
}

func (r *rbsp) scalingList(size int) {
	last, next := 8, 8
	for range size {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// chromaSubsampling returns SubWidthC and SubHeightC for chroma_format_idc.
// Monochrome, 4:4:4 and separate colour planes crop in whole luma samples.
func chromaSubsampling(chroma uint) (int, int) {
	switch chroma {
	case 1:
		return 2, 2
	case 2:
		return 2, 1
	default:
		return 1, 1
	}
}

// High profiles carry chroma format, bit depth and scaling matrices.
var avcHighProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// parseSPS reads the display size, and for H.264 the VUI frame rate, from
// an SPS NAL unit given without its start code.
func parseSPS(codec media.Codec, nal []byte) (pictureInfo, error) {
	if codec == media.CodecHEVC {
		return parseHEVCSPS(nal)
	}
	return parseAVCSPS(nal)
}

func parseAVCSPS(nal []byte) (pictureInfo, error) {
	if len(nal) < 4 {
		return pictureInfo{}, errShortSPS
	}
	r := newRBSP(nal[1:])
	profile := r.u(8)
	r.skip(16) // constraint flags, level_idc
	r.ue()     // seq_parameter_set_id

	chroma := uint(1)
	if avcHighProfiles[profile] {
		if chroma = r.ue(); chroma == 3 {
			r.skip(1) // separate_colour_plane_flag
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.skip(1)
		if r.u(1) == 1 {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := range lists {
				if r.u(1) == 0 {
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
		r.ue()
	case 1:
		r.skip(1)
		r.se()
		r.se()
		n := r.ue()
		if n > 255 {
			return pictureInfo{}, errBadSPS
		}
		for range n {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.skip(1) // gaps_in_frame_num_value_allowed_flag

	mbWidth := int(r.ue()) + 1
	mapHeight := int(r.ue()) + 1
	fields := 2 - int(r.u(1))
	if fields == 2 {
		r.skip(1) // mb_adaptive_frame_field_flag
	}
	r.skip(1) // direct_8x8_inference_flag
	var crop [4]int
	if r.u(1) == 1 {
		for i := range crop {
			crop[i] = int(r.ue())
		}
	}
	if r.err != nil {
		return pictureInfo{}, r.err
	}

	subW, subH := chromaSubsampling(chroma)
	info := pictureInfo{
		Width:  mbWidth*16 - subW*(crop[0]+crop[1]),
		Height: fields*mapHeight*16 - fields*subH*(crop[2]+crop[3]),
	}
	if info.Width <= 0 || info.Height <= 0 {
		return pictureInfo{}, errBadSPS
	}
	if r.u(1) == 1 {
		info.FrameRate = r.avcFrameRate()
	}
	return info, nil
}

// avcFrameRate walks the VUI up to its timing info. A truncated VUI just
// yields no rate.
func (r *rbsp) avcFrameRate() float64 {
	if r.u(1) == 1 && r.u(8) == 255 {
		r.skip(32) // sar_width, sar_height
	}
	if r.u(1) == 1 {
		r.skip(1) // overscan_appropriate_flag
	}
	if r.u(1) == 1 {
		r.skip(4) // video_format, video_full_range_flag
		if r.u(1) == 1 {
			r.skip(24) // colour primaries, transfer, matrix
		}
	}
	if r.u(1) == 1 {
		r.ue()
		r.ue()
	}
	if r.u(1) == 0 {
		return 0
	}
	tick, scale := r.u(32), r.u(32)
	if r.err != nil || tick == 0 {
		return 0
	}
	// One tick per field.
	return float64(scale) / float64(2*tick)
}

func parseHEVCSPS(nal []byte) (pictureInfo, error) {
	if len(nal) < 4 {
		return pictureInfo{}, errShortSPS
	}
	r := newRBSP(nal[2:])
	r.skip(4) // sps_video_parameter_set_id
	subLayers := int(r.u(3))
	r.skip(1)  // sps_temporal_id_nesting_flag
	r.skip(96) // general profile, tier and level

	if subLayers > 0 {
		present := make([]uint, subLayers)
		for i := range present {
			present[i] = r.u(2)
		}
		r.skip(2 * (8 - subLayers))
		for _, p := range present {
			if p&2 != 0 {
				r.skip(88)
			}
			if p&1 != 0 {
				r.skip(8)
			}
		}
	}

	r.ue() // sps_seq_parameter_set_id
	chroma := r.ue()
	if chroma == 3 {
		r.skip(1) // separate_colour_plane_flag
	}
	w, h := int(r.ue()), int(r.ue())
	if r.u(1) == 1 {
		var win [4]int
		for i := range win {
			win[i] = int(r.ue())
		}
		subW, subH := chromaSubsampling(chroma)
		w -= subW * (win[0] + win[1])
		h -= subH * (win[2] + win[3])
	}
	if r.err != nil {
		return pictureInfo{}, r.err
	}
	if w <= 0 || h <= 0 {
		return pictureInfo{}, errBadSPS
	}
	return pictureInfo{Width: w, Height: h}, nil
}
