// Package media defines the unit types that flow through the reel capture
// pipeline, from raw capture through encoding and muxing.
package media

import (
	"fmt"
	"image"
	"time"
)

// Queue sizes used between pipeline stages. Sized to absorb scheduling
// jitter without holding much raw video: ~1 second of frames at 60fps,
// ~2.5s of 20ms audio chunks.
const (
	VideoBufferSize  = 60
	AudioBufferSize  = 120
	EncodeBufferSize = 64
	PacketBufferSize = 256
)

// StreamKind distinguishes video from audio units and packets.
type StreamKind uint8

const (
	KindVideo StreamKind = iota
	KindAudio
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Codec identifies the compression format of an encoded packet.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
	CodecAAC  Codec = "aac"
)

// Rational is a frame rate expressed as Num/Den.
type Rational struct {
	Num int
	Den int
}

// Float returns the rate as a float, or 0 for an invalid rational.
func (r Rational) Float() float64 {
	if r.Num <= 0 || r.Den <= 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Interval returns the duration of one frame at this rate.
func (r Rational) Interval() time.Duration {
	if r.Num <= 0 || r.Den <= 0 {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(r.Den) / int64(r.Num))
}

func (r Rational) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }

// Frame is one captured picture. PTS is measured on the source's own
// monotonic clock, starting near zero at the source epoch.
type Frame struct {
	Image  *image.RGBA
	Width  int
	Height int
	PTS    time.Duration
	Source string
}

// AudioChunk is a block of interleaved signed 16-bit little-endian PCM.
type AudioChunk struct {
	Samples    []byte
	SampleRate int
	Channels   int
	PTS        time.Duration
	Source     string
	Gain       float64
}

// SampleFrames returns the number of per-channel sample frames in the chunk.
func (c *AudioChunk) SampleFrames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / (2 * c.Channels)
}

// Duration returns the playback length of the chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.SampleFrames()) * time.Second / time.Duration(c.SampleRate)
}

// Unit carries exactly one of Frame or Audio. Track is the registration
// index of the producing source. Timestamp is the global session time,
// assigned by the synchronizer; it is zero until then.
type Unit struct {
	Frame     *Frame
	Audio     *AudioChunk
	Track     int
	Timestamp time.Duration
}

// Kind reports whether the unit carries video or audio.
func (u *Unit) Kind() StreamKind {
	if u.Frame != nil {
		return KindVideo
	}
	return KindAudio
}

// LocalPTS returns the source-local timestamp of the payload.
func (u *Unit) LocalPTS() time.Duration {
	if u.Frame != nil {
		return u.Frame.PTS
	}
	if u.Audio != nil {
		return u.Audio.PTS
	}
	return 0
}

// Packet is one encoded access unit (video) or ADTS frame (audio).
// PTS is on the global session timeline.
type Packet struct {
	Kind     StreamKind
	Codec    Codec
	Track    int
	PTS      time.Duration
	Duration time.Duration
	Keyframe bool
	Data     []byte
}

// Clone returns a shallow copy sharing the payload, for retiming.
func (p *Packet) Clone() *Packet {
	c := *p
	return &c
}
