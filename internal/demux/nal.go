package demux

import "github.com/zsiec/reel/media"

// NAL unit types the recorder inspects.
const (
	avcIDR = 5
	avcSPS = 7
	avcPPS = 8
	avcAUD = 9

	hevcBLAWLP = 16
	hevcCRA    = 21
	hevcVPS    = 32
	hevcSPS    = 33
	hevcPPS    = 34
	hevcAUD    = 35
)

type nalUnit struct {
	typ  byte
	data []byte // header onwards, start code excluded
	sc   int    // offset of the start code in the access unit
}

// nalType reads the unit type from a NAL header. HEVC headers are two
// bytes with the type in bits 1-6 of the first.
func nalType(codec media.Codec, header []byte) byte {
	if codec == media.CodecHEVC {
		return header[0] >> 1 & 0x3F
	}
	return header[0] & 0x1F
}

func headerLen(codec media.Codec) int {
	if codec == media.CodecHEVC {
		return 2
	}
	return 1
}

// splitNALs cuts an Annex B access unit at its 3- and 4-byte start codes.
// Zero bytes ahead of a start code belong to it, not to the previous unit.
func splitNALs(codec media.Codec, au []byte) []nalUnit {
	var units []nalUnit
	start, sc := -1, 0
	add := func(end int) {
		if d := au[start:end]; len(d) >= headerLen(codec) {
			units = append(units, nalUnit{typ: nalType(codec, d), data: d, sc: sc})
		}
	}
	for i := 0; i+2 < len(au); {
		if au[i] != 0 || au[i+1] != 0 || au[i+2] != 1 {
			i++
			continue
		}
		at := i
		for at > max(start, 0) && au[at-1] == 0 {
			at--
		}
		if start >= 0 {
			add(at)
		}
		sc, start = at, i+3
		i = start
	}
	if start >= 0 {
		add(len(au))
	}
	return units
}

func isAUD(codec media.Codec, t byte) bool {
	if codec == media.CodecHEVC {
		return t == hevcAUD
	}
	return t == avcAUD
}

func isSPS(codec media.Codec, t byte) bool {
	if codec == media.CodecHEVC {
		return t == hevcSPS
	}
	return t == avcSPS
}

func isParameterSet(codec media.Codec, t byte) bool {
	if codec == media.CodecHEVC {
		return t == hevcVPS || t == hevcSPS || t == hevcPPS
	}
	return t == avcSPS || t == avcPPS
}

// isRandomAccess matches IDR for H.264 and BLA, IDR or CRA for HEVC.
func isRandomAccess(codec media.Codec, t byte) bool {
	if codec == media.CodecHEVC {
		return t >= hevcBLAWLP && t <= hevcCRA
	}
	return t == avcIDR
}

// IsKeyframeAU reports whether an Annex B access unit contains a random
// access picture.
func IsKeyframeAU(codec media.Codec, au []byte) bool {
	for _, n := range splitNALs(codec, au) {
		if isRandomAccess(codec, n.typ) {
			return true
		}
	}
	return false
}

// ParameterSets returns the VPS/SPS/PPS NAL units of an access unit, each
// prefixed with a 4-byte start code, in stream order.
func ParameterSets(codec media.Codec, au []byte) [][]byte {
	var sets [][]byte
	for _, n := range splitNALs(codec, au) {
		if isParameterSet(codec, n.typ) {
			sets = append(sets, append([]byte{0, 0, 0, 1}, n.data...))
		}
	}
	return sets
}

// HasParameterSets reports whether au carries an SPS and, for HEVC, a VPS.
func HasParameterSets(codec media.Codec, au []byte) bool {
	vps := codec != media.CodecHEVC
	sps := false
	for _, n := range splitNALs(codec, au) {
		switch {
		case isSPS(codec, n.typ):
			sps = true
		case codec == media.CodecHEVC && n.typ == hevcVPS:
			vps = true
		}
	}
	return vps && sps
}

// InjectParameterSets returns au with sets inserted after its leading AUD
// (or at the front when there is none). au is returned unchanged when it
// already carries parameter sets.
func InjectParameterSets(codec media.Codec, au []byte, sets [][]byte) []byte {
	if len(sets) == 0 || HasParameterSets(codec, au) {
		return au
	}
	at := 0
	if nals := splitNALs(codec, au); len(nals) > 0 && isAUD(codec, nals[0].typ) {
		at = len(au)
		if len(nals) > 1 {
			at = nals[1].sc
		}
	}
	size := len(au)
	for _, s := range sets {
		size += len(s)
	}
	out := make([]byte, 0, size)
	out = append(out, au[:at]...)
	for _, s := range sets {
		out = append(out, s...)
	}
	return append(out, au[at:]...)
}

// AccessUnitSplitter cuts a continuous Annex B elementary stream into
// access units at AUD NAL boundaries. Encoders are expected to emit an AUD
// at the start of every access unit.
type AccessUnitSplitter struct {
	codec   media.Codec
	buf     []byte
	scanned int
	start   int // offset of the current AU's AUD, -1 before the first
}

// NewAccessUnitSplitter returns a splitter for the given video codec.
func NewAccessUnitSplitter(codec media.Codec) *AccessUnitSplitter {
	return &AccessUnitSplitter{codec: codec, start: -1}
}

// Write appends stream bytes and returns every access unit completed by
// them. Returned slices are owned by the caller.
func (s *AccessUnitSplitter) Write(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var aus [][]byte
	i := max(s.scanned-5, 0)
	for ; i+3 < len(s.buf); i++ {
		if s.buf[i] != 0 || s.buf[i+1] != 0 || s.buf[i+2] != 1 {
			continue
		}
		if !isAUD(s.codec, nalType(s.codec, s.buf[i+3:])) {
			continue
		}
		pos := i
		if pos > 0 && s.buf[pos-1] == 0 {
			pos--
		}
		if s.start >= 0 && pos > s.start {
			au := make([]byte, pos-s.start)
			copy(au, s.buf[s.start:pos])
			aus = append(aus, au)
		}
		s.start = pos
		i += 3
	}
	s.scanned = i

	// Compact consumed bytes so the buffer holds only the open AU.
	if s.start < 0 && len(s.buf) > 8 {
		drop := len(s.buf) - 8
		n := copy(s.buf, s.buf[drop:])
		s.buf = s.buf[:n]
		s.scanned = max(s.scanned-drop, 0)
	}
	if s.start > 0 {
		n := copy(s.buf, s.buf[s.start:])
		s.buf = s.buf[:n]
		s.scanned -= s.start
		s.start = 0
	}
	return aus
}

// Flush returns the trailing access unit, if any, and resets the splitter.
func (s *AccessUnitSplitter) Flush() []byte {
	var au []byte
	if s.start >= 0 && len(s.buf) > s.start {
		au = make([]byte, len(s.buf)-s.start)
		copy(au, s.buf[s.start:])
	}
	s.buf = s.buf[:0]
	s.scanned = 0
	s.start = -1
	return au
}
