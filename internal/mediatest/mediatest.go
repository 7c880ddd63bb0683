// Package mediatest builds synthetic encoded media for tests: minimal H.264
// access units, ADTS frames and timed packet sequences.
package mediatest

import (
	"time"

	"github.com/zsiec/reel/media"
)

var (
	AUD = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0}
	// SPS describes a 320x240 baseline stream.
	SPS = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1F, 0x01}
	PPS = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80}
	IDR = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x10}
	P   = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x02, 0x04}
)

// AudioFrameDuration is one 1024-sample AAC frame at 48 kHz.
const AudioFrameDuration = 1024 * time.Second / 48000

// Concat joins byte slices into a new slice.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// KeyAU returns an IDR access unit. With params set it carries SPS and PPS.
func KeyAU(params bool) []byte {
	if params {
		return Concat(AUD, SPS, PPS, IDR)
	}
	return Concat(AUD, IDR)
}

// DeltaAU returns a non-IDR access unit.
func DeltaAU() []byte {
	return Concat(AUD, P)
}

// ADTS wraps payload in a 7-byte ADTS header (AAC-LC, 48 kHz, stereo).
func ADTS(payload []byte) []byte {
	n := 7 + len(payload)
	h := []byte{
		0xFF, 0xF1,
		(1 << 6) | (3 << 2),
		byte(2<<6) | byte(n>>11)&0x03,
		byte(n >> 3),
		byte(n&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}

// VideoPacket returns an H.264 packet at pts.
func VideoPacket(pts time.Duration, key bool, fps int) *media.Packet {
	data := DeltaAU()
	if key {
		data = KeyAU(true)
	}
	return &media.Packet{
		Kind:     media.KindVideo,
		Codec:    media.CodecH264,
		PTS:      pts,
		Duration: time.Second / time.Duration(fps),
		Keyframe: key,
		Data:     data,
	}
}

// AudioPacket returns an AAC packet for track at pts.
func AudioPacket(track int, pts time.Duration) *media.Packet {
	return &media.Packet{
		Kind:     media.KindAudio,
		Codec:    media.CodecAAC,
		Track:    track,
		PTS:      pts,
		Duration: AudioFrameDuration,
		Keyframe: true,
		Data:     ADTS([]byte{0x21, 0x10, byte(track)}),
	}
}

// Sequence describes a synthetic recording.
type Sequence struct {
	Start       time.Duration
	Length      time.Duration
	FPS         int // zero for audio-only
	GOP         int // frames per keyframe interval
	AudioTracks int
}

// Packets returns the sequence's packets in timestamp order, video first on
// ties.
func (s Sequence) Packets() []*media.Packet {
	var out []*media.Packet
	gop := s.GOP
	if gop <= 0 {
		gop = s.FPS * 2
	}
	var frame int
	nextVideo := s.Start
	nextAudio := s.Start
	end := s.Start + s.Length
	for {
		videoDue := s.FPS > 0 && nextVideo < end
		audioDue := s.AudioTracks > 0 && nextAudio < end
		if !videoDue && !audioDue {
			return out
		}
		if videoDue && (!audioDue || nextVideo <= nextAudio) {
			out = append(out, VideoPacket(nextVideo, frame%gop == 0, s.FPS))
			frame++
			nextVideo = s.Start + time.Duration(frame)*time.Second/time.Duration(s.FPS)
			continue
		}
		for t := 0; t < s.AudioTracks; t++ {
			out = append(out, AudioPacket(t, nextAudio))
		}
		nextAudio += AudioFrameDuration
	}
}
