// Package encoder turns synchronized capture units into encoded packets.
// Encoders are external: a Registry enumerates what a Backend offers and
// opens the preferred implementation for a codec.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zsiec/reel/media"
)

// ErrRetryLater is returned by Encode when the encoder cannot accept more
// input right now. The unit was not consumed.
var ErrRetryLater = errors.New("encoder: input saturated, retry later")

// DefaultGOP is the keyframe interval.
const DefaultGOP = 2 * time.Second

// Descriptor identifies one encoder implementation.
type Descriptor struct {
	Name     string
	Kind     media.StreamKind
	Type     media.Codec
	Hardware bool
	// Priority orders candidates of the same class; lower is preferred.
	Priority int
}

func (d Descriptor) String() string {
	class := "software"
	if d.Hardware {
		class = "hardware"
	}
	return fmt.Sprintf("%s (%s %s)", d.Name, d.Type, class)
}

// Params configures an encoder instance.
type Params struct {
	// Track is stamped on every packet.
	Track int

	// Video input and output geometry. Output defaults to the input size.
	Width, Height       int
	OutWidth, OutHeight int
	FPS                 media.Rational
	GOP                 time.Duration

	// Audio input format.
	SampleRate int
	Channels   int

	// Bitrate in bits per second.
	Bitrate int
}

func (p *Params) setDefaults() {
	if p.OutWidth <= 0 || p.OutHeight <= 0 {
		p.OutWidth, p.OutHeight = p.Width, p.Height
	}
	if p.GOP <= 0 {
		p.GOP = DefaultGOP
	}
	if p.FPS.Num <= 0 || p.FPS.Den <= 0 {
		p.FPS = media.Rational{Num: 30, Den: 1}
	}
}

// GOPFrames returns the keyframe interval in frames, at least 1.
func (p Params) GOPFrames() int {
	n := int(math.Round(p.FPS.Float() * p.GOP.Seconds()))
	return max(n, 1)
}

// Encoder converts units of one stream into packets. Encode and Flush are
// called from a single goroutine.
type Encoder interface {
	Descriptor() Descriptor
	// Encode submits u and returns any packets that became ready.
	Encode(u *media.Unit) ([]*media.Packet, error)
	// Flush ends the input and returns the remaining packets.
	Flush(ctx context.Context) ([]*media.Packet, error)
	// Close releases the encoder. It is idempotent.
	Close() error
}
