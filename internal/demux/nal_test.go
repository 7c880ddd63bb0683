package demux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/media"
)

var (
	h264AUD = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0}
	h264SPS = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1F, 0x01}
	h264PPS = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80}
	h264IDR = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x10}
	h264P   = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x02, 0x04}
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestAccessUnitSplitter(t *testing.T) {
	t.Parallel()

	au1 := concat(h264AUD, h264SPS, h264PPS, h264IDR)
	au2 := concat(h264AUD, h264P)
	au3 := concat(h264AUD, h264P)
	stream := concat(au1, au2, au3)

	// Feed in awkward chunk sizes so start codes straddle writes.
	for _, chunk := range []int{1, 3, 7, 64} {
		s := NewAccessUnitSplitter(media.CodecH264)
		var got [][]byte
		for off := 0; off < len(stream); off += chunk {
			end := min(off+chunk, len(stream))
			got = append(got, s.Write(stream[off:end])...)
		}
		if tail := s.Flush(); tail != nil {
			got = append(got, tail)
		}

		if len(got) != 3 {
			t.Fatalf("chunk=%d: got %d AUs, want 3", chunk, len(got))
		}
		for i, want := range [][]byte{au1, au2, au3} {
			if !bytes.Equal(got[i], want) {
				t.Errorf("chunk=%d AU %d: got % X, want % X", chunk, i, got[i], want)
			}
		}
	}
}

func TestAccessUnitSplitterDiscardsLeadingGarbage(t *testing.T) {
	t.Parallel()

	s := NewAccessUnitSplitter(media.CodecH264)
	if aus := s.Write(bytes.Repeat([]byte{0xAA}, 100)); len(aus) != 0 {
		t.Fatalf("got %d AUs from garbage", len(aus))
	}
	au := concat(h264AUD, h264IDR)
	s.Write(au)
	if got := s.Flush(); !bytes.Equal(got, au) {
		t.Errorf("got % X, want % X", got, au)
	}
}

func TestAccessUnitSplitterHEVC(t *testing.T) {
	t.Parallel()

	aud := []byte{0x00, 0x00, 0x00, 0x01, 0x46, 0x01, 0x50}
	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x26, 0x01, 0xAF}
	trail := []byte{0x00, 0x00, 0x00, 0x01, 0x02, 0x01, 0xD0}

	s := NewAccessUnitSplitter(media.CodecHEVC)
	aus := s.Write(concat(aud, idr, aud, trail, aud))
	if len(aus) != 2 {
		t.Fatalf("got %d AUs, want 2", len(aus))
	}
	if !IsKeyframeAU(media.CodecHEVC, aus[0]) {
		t.Error("first HEVC AU should be a keyframe")
	}
	if IsKeyframeAU(media.CodecHEVC, aus[1]) {
		t.Error("second HEVC AU should not be a keyframe")
	}
}

func TestParameterSets(t *testing.T) {
	t.Parallel()

	au := concat(h264AUD, h264SPS, h264PPS, h264IDR)
	if !IsKeyframeAU(media.CodecH264, au) {
		t.Error("IDR AU should be a keyframe")
	}
	if !HasParameterSets(media.CodecH264, au) {
		t.Error("AU with SPS should report parameter sets")
	}
	sets := ParameterSets(media.CodecH264, au)
	if len(sets) != 2 {
		t.Fatalf("got %d parameter sets, want 2", len(sets))
	}
	if !bytes.Equal(sets[0], h264SPS) || !bytes.Equal(sets[1], h264PPS) {
		t.Errorf("parameter sets mismatch: % X", sets)
	}

	plain := concat(h264AUD, h264P)
	if HasParameterSets(media.CodecH264, plain) {
		t.Error("P-frame AU should not report parameter sets")
	}
	if IsKeyframeAU(media.CodecH264, plain) {
		t.Error("P-frame AU should not be a keyframe")
	}
}

func TestInjectParameterSets(t *testing.T) {
	t.Parallel()

	sets := [][]byte{h264SPS, h264PPS}
	got := InjectParameterSets(media.CodecH264, concat(h264AUD, h264IDR), sets)
	if want := concat(h264AUD, h264SPS, h264PPS, h264IDR); !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}

	got = InjectParameterSets(media.CodecH264, h264IDR, sets)
	if want := concat(h264SPS, h264PPS, h264IDR); !bytes.Equal(got, want) {
		t.Errorf("without AUD: got % X, want % X", got, want)
	}

	full := concat(h264AUD, h264SPS, h264PPS, h264IDR)
	if got := InjectParameterSets(media.CodecH264, full, sets); !bytes.Equal(got, full) {
		t.Error("AU with parameter sets should be unchanged")
	}
}

func TestSplitNALs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		codec media.Codec
		au    []byte
		types []byte
		sizes []int
	}{
		{
			name:  "four byte start codes",
			codec: media.CodecH264,
			au:    concat(h264AUD, h264SPS, h264PPS, h264IDR),
			types: []byte{avcAUD, avcSPS, avcPPS, avcIDR},
			sizes: []int{2, 5, 4, 5},
		},
		{
			name:  "mixed start codes",
			codec: media.CodecH264,
			au:    []byte{0, 0, 1, 0x09, 0xF0, 0, 0, 0, 1, 0x41, 0x9A, 0, 0, 1, 0x06, 0xFF},
			types: []byte{avcAUD, 1, 6},
			sizes: []int{2, 2, 2},
		},
		{
			name:  "zeros before a start code belong to it",
			codec: media.CodecH264,
			au:    []byte{0, 0, 0, 1, 0x06, 0xAA, 0xBB, 0, 0, 0, 1, 0x41, 0x9A},
			types: []byte{6, 1},
			sizes: []int{3, 2},
		},
		{
			name:  "hevc two byte headers",
			codec: media.CodecHEVC,
			au:    []byte{0, 0, 0, 1, 0x46, 0x01, 0x50, 0, 0, 0, 1, 0x40, 0x01, 0, 0, 1, 0x2A, 0x01, 0xAF},
			types: []byte{hevcAUD, hevcVPS, hevcCRA},
			sizes: []int{3, 2, 3},
		},
		{
			name:  "leading garbage and no start code",
			codec: media.CodecH264,
			au:    []byte{0xAA, 0xBB, 0x00, 0x01},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			nals := splitNALs(tt.codec, tt.au)
			require.Len(t, nals, len(tt.types))
			for i, n := range nals {
				assert.Equal(t, tt.types[i], n.typ, "unit %d", i)
				assert.Len(t, n.data, tt.sizes[i], "unit %d", i)
			}
		})
	}
}

func TestKeyframeTypes(t *testing.T) {
	t.Parallel()

	for typ := byte(0); typ < 40; typ++ {
		hevc := typ >= 16 && typ <= 21
		assert.Equal(t, hevc, isRandomAccess(media.CodecHEVC, typ), "hevc type %d", typ)
		assert.Equal(t, typ == 5, isRandomAccess(media.CodecH264, typ), "h264 type %d", typ)
	}
}
