// Package muxer sequences encoded packets into an MPEG-TS container. A
// Muxer writes one output (a live recording or a replay save); PacketSinks
// can be combined with Tee so one packet stream feeds several outputs.
package muxer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/media"
)

const (
	DefaultInterleaveDelay = 500 * time.Millisecond
	DefaultFlushInterval   = 250 * time.Millisecond

	writeBufferSize = 256 << 10

	// minStep survives the round trip through the 90 kHz clock as at
	// least one tick.
	minStep = 2 * time.Second / mpegts.ClockHz
)

// ErrFinalized is returned by Write after Finalize.
var ErrFinalized = errors.New("muxer: already finalized")

// PacketSink consumes encoded packets in timestamp order.
type PacketSink interface {
	Write(p *media.Packet) error
	Finalize() error
}

// Layout describes the streams of a recording. Video is empty for an
// audio-only session.
type Layout struct {
	Video       media.Codec
	AudioTracks int
}

// Streams returns the transport stream configuration for the layout.
func (l Layout) Streams() []mpegts.StreamConfig {
	var s []mpegts.StreamConfig
	switch l.Video {
	case media.CodecH264:
		s = append(s, mpegts.StreamConfig{PID: mpegts.PIDVideo, StreamType: mpegts.StreamTypeH264})
	case media.CodecHEVC:
		s = append(s, mpegts.StreamConfig{PID: mpegts.PIDVideo, StreamType: mpegts.StreamTypeHEVC})
	}
	for i := 0; i < l.AudioTracks; i++ {
		s = append(s, mpegts.StreamConfig{PID: mpegts.PIDAudioBase + uint16(i), StreamType: mpegts.StreamTypeAAC})
	}
	return s
}

func (l Layout) pid(p *media.Packet) uint16 {
	if p.Kind == media.KindVideo {
		return mpegts.PIDVideo
	}
	return mpegts.PIDAudioBase + uint16(p.Track)
}

// Options configures a Muxer.
type Options struct {
	Layout Layout
	// InterleaveDelay bounds how long packets are held for cross-stream
	// reordering. Zero writes packets as they arrive.
	InterleaveDelay time.Duration
	// FlushInterval bounds how long written bytes sit in the write buffer.
	FlushInterval time.Duration
	Log           *slog.Logger
	// Now is the clock used for flush scheduling. Defaults to time.Now.
	Now func() time.Time
}

// Stats summarises what a Muxer has written.
type Stats struct {
	Packets  int64
	Bytes    int64
	Late     int64
	FirstPTS time.Duration
	LastPTS  time.Duration
}

// Duration is the span between the first and last written timestamps.
func (s Stats) Duration() time.Duration {
	return s.LastPTS - s.FirstPTS
}

type streamKey struct {
	kind  media.StreamKind
	track int
}

// Muxer writes packets to an io.WriteCloser as MPEG-TS. It is not safe for
// concurrent Write calls; Finalize and Stats may be called from any
// goroutine.
type Muxer struct {
	log    *slog.Logger
	layout Layout
	sink   io.WriteCloser
	bw     *bufio.Writer
	ts     *mpegts.Writer
	il     interleaver
	now    func() time.Time
	flush  time.Duration

	lastFlush time.Time
	lastPTS   map[streamKey]time.Duration

	mu        sync.Mutex
	stats     Stats
	finalized bool
	finalErr  error
}

// New creates a Muxer writing to sink. The sink is closed by Finalize.
func New(sink io.WriteCloser, opts Options) (*Muxer, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	streams := opts.Layout.Streams()
	if len(streams) == 0 {
		return nil, failure.Newf(failure.InvalidConfig, "create muxer", "layout has no streams")
	}

	bw := bufio.NewWriterSize(sink, writeBufferSize)
	ts, err := mpegts.NewWriter(bw, streams)
	if err != nil {
		return nil, failure.New(failure.InvalidConfig, "create muxer", err)
	}
	return &Muxer{
		log:       opts.Log.With("component", "muxer"),
		layout:    opts.Layout,
		sink:      sink,
		bw:        bw,
		ts:        ts,
		il:        interleaver{delay: opts.InterleaveDelay},
		now:       opts.Now,
		flush:     opts.FlushInterval,
		lastFlush: opts.Now(),
		lastPTS:   make(map[streamKey]time.Duration),
	}, nil
}

// Write queues p for output. Packets already past the interleave window
// are written immediately; the write buffer is flushed at most once per
// FlushInterval.
func (m *Muxer) Write(p *media.Packet) error {
	m.mu.Lock()
	done := m.finalized
	m.mu.Unlock()
	if done {
		return ErrFinalized
	}

	m.il.push(p)
	for {
		next, ok := m.il.ready()
		if !ok {
			break
		}
		if err := m.writePacket(next); err != nil {
			return err
		}
	}

	if now := m.now(); now.Sub(m.lastFlush) >= m.flush {
		m.lastFlush = now
		if err := m.bw.Flush(); err != nil {
			return failure.New(failure.WriteIOError, "flush output", err)
		}
	}
	return nil
}

func (m *Muxer) writePacket(p *media.Packet) error {
	key := streamKey{p.Kind, p.Track}
	pts := p.PTS
	if last, ok := m.lastPTS[key]; ok && pts <= last {
		// Per-stream timestamps must strictly increase in the container.
		pts = last + minStep
		m.mu.Lock()
		m.stats.Late++
		m.mu.Unlock()
	}
	if pts < 0 {
		pts = 0
	}
	m.lastPTS[key] = pts

	if err := m.ts.WritePES(m.layout.pid(p), mpegts.ToClock(pts), p.Keyframe, p.Data); err != nil {
		if errors.Is(err, mpegts.ErrUnknownPID) {
			m.log.Warn("dropping packet for undeclared stream", "kind", p.Kind, "track", p.Track)
			return nil
		}
		return failure.New(failure.WriteIOError, "write packet", err)
	}

	m.mu.Lock()
	if m.stats.Packets == 0 || pts < m.stats.FirstPTS {
		m.stats.FirstPTS = pts
	}
	if end := pts + p.Duration; end > m.stats.LastPTS {
		m.stats.LastPTS = end
	}
	m.stats.Packets++
	m.stats.Bytes = m.ts.BytesWritten()
	m.mu.Unlock()
	return nil
}

// Finalize drains the interleave buffer, flushes and closes the sink. It
// is idempotent: calls after the first return that call's result.
func (m *Muxer) Finalize() error {
	m.mu.Lock()
	if m.finalized {
		err := m.finalErr
		m.mu.Unlock()
		return err
	}
	m.finalized = true
	m.mu.Unlock()

	var err error
	for _, p := range m.il.drain() {
		if werr := m.writePacket(p); werr != nil && err == nil {
			err = werr
		}
	}
	if ferr := m.bw.Flush(); ferr != nil && err == nil {
		err = failure.New(failure.WriteIOError, "flush output", ferr)
	}
	if s, ok := m.sink.(interface{ Sync() error }); ok && err == nil {
		if serr := s.Sync(); serr != nil {
			err = failure.New(failure.WriteIOError, "sync output", serr)
		}
	}
	if cerr := m.sink.Close(); cerr != nil && err == nil {
		err = failure.New(failure.WriteIOError, "close output", cerr)
	}

	st := m.Stats()
	m.log.Debug("finalized", "packets", st.Packets, "bytes", st.Bytes, "duration", st.Duration())

	if err != nil {
		err = fmt.Errorf("finalize: %w", err)
	}
	m.mu.Lock()
	m.finalErr = err
	m.mu.Unlock()
	return err
}

// Pending returns the number of packets held for interleaving.
func (m *Muxer) Pending() int {
	return m.il.len()
}

// Stats returns a snapshot of the muxer's counters.
func (m *Muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
