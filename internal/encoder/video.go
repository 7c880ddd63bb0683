package encoder

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/bamiaux/rez"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/media"
)

// videoEncoder feeds RGBA frames to an encoder process and splits its
// Annex B output into access units. The encoder runs without B-frames, so
// access units come out in input order and take their timestamps from a
// FIFO of input timestamps.
type videoEncoder struct {
	*stream
	params Params
	frame  time.Duration

	scaled *image.RGBA
	filter rez.Filter

	mu      sync.Mutex
	pts     []time.Duration
	lastPTS time.Duration
}

func newVideoEncoder(d Descriptor, p Params, proc *process, log *slog.Logger) *videoEncoder {
	e := &videoEncoder{
		stream: newStream(d, proc, log),
		params: p,
		frame:  p.FPS.Interval(),
		filter: rez.NewBicubicFilter(),
	}
	go e.readLoop()
	return e
}

func (e *videoEncoder) Encode(u *media.Unit) ([]*media.Packet, error) {
	if u.Frame == nil || u.Frame.Image == nil {
		return nil, errors.New("video encoder: unit has no frame")
	}
	raw, err := e.pixels(u.Frame)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.pts = append(e.pts, u.Timestamp)
	e.mu.Unlock()

	if err := e.proc.write(raw); err != nil {
		e.mu.Lock()
		e.pts = e.pts[:len(e.pts)-1]
		e.mu.Unlock()
		return e.collect(), err
	}
	return e.collect(), nil
}

// pixels returns a tightly packed copy of the frame at the output size.
func (e *videoEncoder) pixels(f *media.Frame) ([]byte, error) {
	img := f.Image
	w, h := e.params.OutWidth, e.params.OutHeight
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		if e.scaled == nil {
			e.scaled = image.NewRGBA(image.Rect(0, 0, w, h))
		}
		if err := rez.Convert(e.scaled, img, e.filter); err != nil {
			return nil, fmt.Errorf("scale %dx%d to %dx%d: %w", b.Dx(), b.Dy(), w, h, err)
		}
		img = e.scaled
	}

	row := w * 4
	raw := make([]byte, row*h)
	if img.Stride == row {
		copy(raw, img.Pix[:row*h])
		return raw, nil
	}
	for y := 0; y < h; y++ {
		copy(raw[y*row:(y+1)*row], img.Pix[y*img.Stride:])
	}
	return raw, nil
}

func (e *videoEncoder) readLoop() {
	split := demux.NewAccessUnitSplitter(e.desc.Type)
	e.read(func(b []byte) bool {
		for _, au := range split.Write(b) {
			if !e.send(e.packet(au)) {
				return false
			}
		}
		return true
	}, func() {
		if rest := split.Flush(); len(rest) > 0 {
			e.send(e.packet(rest))
		}
	})
}

func (e *videoEncoder) packet(au []byte) *media.Packet {
	e.mu.Lock()
	var pts time.Duration
	if len(e.pts) > 0 {
		pts = e.pts[0]
		e.pts = e.pts[1:]
	} else {
		pts = e.lastPTS + e.frame
		e.log.Debug("access unit without queued timestamp", "pts", pts)
	}
	e.lastPTS = pts
	e.mu.Unlock()

	return &media.Packet{
		Kind:     media.KindVideo,
		Codec:    e.desc.Type,
		Track:    e.params.Track,
		PTS:      pts,
		Duration: e.frame,
		Keyframe: demux.IsKeyframeAU(e.desc.Type, au),
		Data:     au,
	}
}
