package encoder

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/media"
)

// maxSilenceFill caps how much silence is inserted to cover an input gap.
const maxSilenceFill = time.Second

// audioEncoder feeds S16LE PCM to an encoder process and splits its ADTS
// output into frames. Timestamps follow a sample clock started at the
// first input unit, so dropped input is covered with silence to keep the
// clock aligned with the session timeline.
type audioEncoder struct {
	*stream
	params Params

	started bool
	// inSamples counts per-channel samples written, including fill.
	inSamples int64

	mu         sync.Mutex
	base       time.Duration
	outSamples int64
}

func newAudioEncoder(d Descriptor, p Params, proc *process, log *slog.Logger) *audioEncoder {
	e := &audioEncoder{stream: newStream(d, proc, log), params: p}
	go e.readLoop()
	return e
}

func (e *audioEncoder) Encode(u *media.Unit) ([]*media.Packet, error) {
	if u.Audio == nil {
		return nil, errors.New("audio encoder: unit has no audio")
	}
	if !e.started {
		e.mu.Lock()
		e.base = u.Timestamp
		e.mu.Unlock()
		e.started = true
	}

	if fill := e.gap(u.Timestamp); fill > 0 {
		if err := e.proc.write(make([]byte, fill*e.frameBytes())); err != nil {
			return e.collect(), err
		}
		e.inSamples += int64(fill)
	}
	if err := e.proc.write(u.Audio.Samples); err != nil {
		return e.collect(), err
	}
	e.inSamples += int64(u.Audio.SampleFrames())
	return e.collect(), nil
}

func (e *audioEncoder) frameBytes() int {
	return 2 * e.params.Channels
}

// gap returns how many sample frames of silence bring the input clock up
// to ts. Gaps shorter than one AAC frame are ignored.
func (e *audioEncoder) gap(ts time.Duration) int {
	sr := int64(e.params.SampleRate)
	if sr <= 0 {
		return 0
	}
	e.mu.Lock()
	base := e.base
	e.mu.Unlock()

	expected := base + time.Duration(e.inSamples*int64(time.Second)/sr)
	missing := ts - expected
	if missing < time.Duration(demux.AACSamplesPerFrame)*time.Second/time.Duration(sr) {
		return 0
	}
	missing = min(missing, maxSilenceFill)
	e.log.Debug("filling audio gap with silence", "gap", missing)
	return int(int64(missing) * sr / int64(time.Second))
}

func (e *audioEncoder) readLoop() {
	var split demux.ADTSSplitter
	e.read(func(b []byte) bool {
		frames, err := split.Write(b)
		if err != nil {
			e.log.Warn("resyncing ADTS output", "error", err)
		}
		for _, f := range frames {
			if !e.send(e.packet(f)) {
				return false
			}
		}
		return true
	}, func() {
		if n := split.Pending(); n > 0 {
			e.log.Debug("discarding partial ADTS frame", "bytes", n)
		}
	})
}

func (e *audioEncoder) packet(f demux.AACFrame) *media.Packet {
	sr := int64(f.SampleRate)
	if sr <= 0 {
		sr = int64(e.params.SampleRate)
	}
	e.mu.Lock()
	pts := e.base + time.Duration(e.outSamples*int64(time.Second)/sr)
	e.outSamples += demux.AACSamplesPerFrame
	e.mu.Unlock()

	return &media.Packet{
		Kind:     media.KindAudio,
		Codec:    media.CodecAAC,
		Track:    e.params.Track,
		PTS:      pts,
		Duration: f.Duration(),
		Keyframe: true,
		Data:     f.Data,
	}
}
