package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/media"
)

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2

	callbackBuffer = 64
)

// SourceConfig configures a Source.
type SourceConfig struct {
	Kind Kind
	// Device is an ID or a case-insensitive name fragment. Empty selects
	// the default device.
	Device     string
	Gain       float64
	SampleRate int
	Channels   int
	Track      int
	Now        func() time.Time
}

func (c *SourceConfig) setDefaults() {
	if c.Kind == "" {
		c.Kind = KindDesktop
	}
	if c.Gain <= 0 {
		c.Gain = 1
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stats counts what a Source has done.
type Stats struct {
	Chunks  int64
	Frames  int64
	Dropped int64
}

// Source captures one audio device. The backend's data callback never
// blocks: chunks are handed to a forwarding goroutine that applies the
// queue's backpressure.
type Source struct {
	cfg     SourceConfig
	backend Backend
	log     *slog.Logger

	device   Device
	deviceID string
	epoch    time.Time

	ch       chan *media.Unit
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error

	// Touched only by the callback thread.
	first   time.Duration
	samples int64
	anchor  bool

	chunks  atomic.Int64
	frames  atomic.Int64
	dropped atomic.Int64
}

// NewSource creates a Source using backend.
func NewSource(cfg SourceConfig, backend Backend, log *slog.Logger) *Source {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		cfg:     cfg,
		backend: backend,
		log:     log.With("component", "audio", "source", string(cfg.Kind)),
		ch:      make(chan *media.Unit, callbackBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Name returns the source's kind as a string.
func (s *Source) Name() string { return string(s.cfg.Kind) }

// Open resolves and initialises the device without starting it. A named
// device that does not exist fails with DeviceUnavailable.
func (s *Source) Open() error {
	if s.device != nil {
		return nil
	}
	op := "open " + string(s.cfg.Kind) + " audio"

	var id string
	if s.cfg.Device != "" {
		devices, err := s.backend.Devices()
		if err != nil {
			return failure.New(failure.DeviceUnavailable, op, err)
		}
		d, ok := Match(devices, s.cfg.Device)
		if !ok {
			return failure.Newf(failure.DeviceUnavailable, op, "no capture device matches %q", s.cfg.Device)
		}
		id = d.ID
		s.log.Debug("device selected", "id", d.ID, "name", d.Name)
	}

	dev, err := s.backend.Open(DeviceConfig{
		Kind:       s.cfg.Kind,
		DeviceID:   id,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	}, s.onData)
	if err != nil {
		return failure.New(failure.DeviceUnavailable, op, err)
	}
	s.device, s.deviceID = dev, id
	s.epoch = s.cfg.Now()
	return nil
}

// Epoch returns the instant local timestamps count from.
func (s *Source) Epoch() time.Time { return s.epoch }

// Start starts the device. Chunks go to q until Stop or ctx is done; q is
// closed when forwarding ends.
func (s *Source) Start(ctx context.Context, q *queue.Queue[*media.Unit]) error {
	if s.device == nil {
		return failure.Newf(failure.InvalidState, "start audio", "source not opened")
	}
	if !s.started.CompareAndSwap(false, true) {
		return failure.Newf(failure.InvalidState, "start audio", "already started")
	}
	go s.forward(ctx, q)
	if err := s.device.Start(); err != nil {
		return failure.New(failure.DeviceUnavailable, "start "+string(s.cfg.Kind)+" audio", err)
	}
	s.log.Info("audio capture started", "rate", s.cfg.SampleRate, "channels", s.cfg.Channels, "gain", s.cfg.Gain)
	return nil
}

func (s *Source) onData(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	select {
	case <-s.quit:
		return
	default:
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	applyGain(buf, s.cfg.Gain)

	if !s.anchor {
		s.anchor = true
		s.first = s.cfg.Now().Sub(s.epoch)
	}
	chunk := &media.AudioChunk{
		Samples:    buf,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		PTS:        s.first + time.Duration(s.samples)*time.Second/time.Duration(s.cfg.SampleRate),
		Source:     string(s.cfg.Kind),
		Gain:       s.cfg.Gain,
	}
	n := int64(chunk.SampleFrames())
	s.samples += n
	s.frames.Add(n)
	s.chunks.Add(1)

	select {
	case s.ch <- &media.Unit{Audio: chunk, Track: s.cfg.Track}:
	default:
		s.dropped.Add(1)
	}
}

func (s *Source) forward(ctx context.Context, q *queue.Queue[*media.Unit]) {
	defer close(s.done)
	defer q.Close()
	for {
		select {
		case u := <-s.ch:
			if q.Push(u) {
				s.dropped.Add(1)
			}
		case <-s.quit:
			for {
				select {
				case u := <-s.ch:
					q.Push(u)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed once forwarding has ended.
func (s *Source) Done() <-chan struct{} { return s.done }

// Stop stops and releases the device. Safe to call more than once.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		if s.device != nil {
			if err := s.device.Stop(); err != nil {
				s.log.Debug("device stop", "error", err)
			}
		}
		close(s.quit)
		if s.started.Load() {
			<-s.done
		}
		if s.device != nil {
			s.stopErr = s.device.Close()
		}
	})
	return s.stopErr
}

// Stats returns the source's counters.
func (s *Source) Stats() Stats {
	return Stats{
		Chunks:  s.chunks.Load(),
		Frames:  s.frames.Load(),
		Dropped: s.dropped.Load(),
	}
}
