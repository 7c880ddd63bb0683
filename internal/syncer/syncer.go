// Package syncer merges units from independently clocked capture sources
// onto one session timeline in non-decreasing timestamp order.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/media"
)

const (
	DefaultStaleTimeout   = 250 * time.Millisecond
	DefaultDriftTolerance = 100 * time.Millisecond
	DefaultMaxLookahead   = 256

	driftWarnInterval = time.Second
)

// Config tunes a Synchronizer. Zero fields take the defaults above.
type Config struct {
	// StaleTimeout is how long a source with nothing buffered may hold
	// back the others before it is skipped.
	StaleTimeout time.Duration
	// DriftTolerance is the largest gap between the last emitted video and
	// audio timestamps that passes without a warning.
	DriftTolerance time.Duration
	// MaxLookahead bounds each source's buffer; a full buffer forces
	// emission without waiting for slower sources.
	MaxLookahead int
	// OnDrift is called for every drift event, before rate limiting.
	OnDrift func(gap time.Duration)
}

func (c *Config) setDefaults() {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = DefaultDriftTolerance
	}
	if c.MaxLookahead <= 0 {
		c.MaxLookahead = DefaultMaxLookahead
	}
}

// Stats counts what the Synchronizer has done.
type Stats struct {
	Emitted       int64
	Clamped       int64
	DriftWarnings int64
	StaleEvents   int64
}

type source struct {
	name   string
	kind   media.StreamKind
	offset time.Duration
	buf    []*media.Unit
	seen   time.Time
	stale  bool
	closed bool
}

// Synchronizer is fed by Push and drained by Pop from a single goroutine;
// Stats may be read concurrently.
type Synchronizer struct {
	cfg   Config
	clock func() time.Time
	log   *slog.Logger
	epoch time.Time

	sources []*source

	last      time.Duration
	lastVideo time.Duration
	lastAudio time.Duration
	haveVideo bool
	haveAudio bool
	lastWarn  time.Time

	emitted       atomic.Int64
	clamped       atomic.Int64
	driftWarnings atomic.Int64
	staleEvents   atomic.Int64
}

// New creates a Synchronizer whose session epoch is clock() now. A nil
// clock uses time.Now; a nil log uses slog.Default().
func New(cfg Config, clock func() time.Time, log *slog.Logger) *Synchronizer {
	cfg.setDefaults()
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		cfg:   cfg,
		clock: clock,
		log:   log.With("component", "syncer"),
		epoch: clock(),
	}
}

// Epoch returns the session epoch.
func (s *Synchronizer) Epoch() time.Time {
	return s.epoch
}

// Register adds a source whose local timestamps count from epoch and
// returns its index, which producers put in Unit.Track. Register video
// before audio.
func (s *Synchronizer) Register(name string, kind media.StreamKind, epoch time.Time) int {
	offset := epoch.Sub(s.epoch)
	if offset < 0 {
		offset = 0
	}
	s.sources = append(s.sources, &source{
		name:   name,
		kind:   kind,
		offset: offset,
		seen:   s.clock(),
	})
	return len(s.sources) - 1
}

// Push assigns u its global timestamp and buffers it. Units for unknown
// tracks are dropped.
func (s *Synchronizer) Push(u *media.Unit) {
	if u.Track < 0 || u.Track >= len(s.sources) {
		s.log.Warn("unit for unregistered source", "track", u.Track)
		return
	}
	src := s.sources[u.Track]
	u.Timestamp = src.offset + u.LocalPTS()
	src.buf = append(src.buf, u)
	src.seen = s.clock()
	if src.stale {
		src.stale = false
		s.log.Info("source resumed", "source", src.name)
	}
}

// Close marks a source as finished; it no longer holds back the others.
func (s *Synchronizer) Close(track int) {
	if track >= 0 && track < len(s.sources) {
		s.sources[track].closed = true
	}
}

// less orders units by timestamp, then video first, then registration order.
func less(a, b *media.Unit) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.Kind() != b.Kind() {
		return a.Kind() == media.KindVideo
	}
	return a.Track < b.Track
}

func (s *Synchronizer) head() (*source, bool) {
	var best *source
	for _, src := range s.sources {
		if len(src.buf) == 0 {
			continue
		}
		if best == nil || less(src.buf[0], best.buf[0]) {
			best = src
		}
	}
	return best, best != nil
}

// Pop returns the next unit once no live source could still produce an
// earlier one.
func (s *Synchronizer) Pop() (*media.Unit, bool) {
	best, ok := s.head()
	if !ok {
		return nil, false
	}

	if len(best.buf) < s.cfg.MaxLookahead {
		now := s.clock()
		for _, src := range s.sources {
			if src == best || src.closed || src.stale || len(src.buf) > 0 {
				continue
			}
			if now.Sub(src.seen) < s.cfg.StaleTimeout {
				return nil, false
			}
			src.stale = true
			s.staleEvents.Add(1)
			s.log.Warn("source stale, continuing without it", "source", src.name, "silent", now.Sub(src.seen).Round(time.Millisecond))
		}
	}
	return s.emit(best), true
}

// Flush returns every buffered unit in order, without waiting.
func (s *Synchronizer) Flush() []*media.Unit {
	var out []*media.Unit
	for {
		best, ok := s.head()
		if !ok {
			return out
		}
		out = append(out, s.emit(best))
	}
}

func (s *Synchronizer) emit(src *source) *media.Unit {
	u := src.buf[0]
	src.buf[0] = nil
	src.buf = src.buf[1:]

	if u.Timestamp < s.last {
		u.Timestamp = s.last
		s.clamped.Add(1)
	}
	s.last = u.Timestamp
	s.emitted.Add(1)

	if u.Kind() == media.KindVideo {
		s.lastVideo, s.haveVideo = u.Timestamp, true
	} else {
		s.lastAudio, s.haveAudio = u.Timestamp, true
	}
	s.checkDrift()
	return u
}

func (s *Synchronizer) checkDrift() {
	if !s.haveVideo || !s.haveAudio {
		return
	}
	gap := s.lastVideo - s.lastAudio
	if gap < 0 {
		gap = -gap
	}
	if gap <= s.cfg.DriftTolerance {
		return
	}
	s.driftWarnings.Add(1)
	if s.cfg.OnDrift != nil {
		s.cfg.OnDrift(gap)
	}
	if now := s.clock(); now.Sub(s.lastWarn) >= driftWarnInterval {
		s.lastWarn = now
		s.log.Warn("audio/video drift", "gap", gap.Round(time.Millisecond), "tolerance", s.cfg.DriftTolerance)
	}
}

// Buffered returns the number of units held across all sources.
func (s *Synchronizer) Buffered() int {
	n := 0
	for _, src := range s.sources {
		n += len(src.buf)
	}
	return n
}

// Stats returns the synchronizer's counters.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		Emitted:       s.emitted.Load(),
		Clamped:       s.clamped.Load(),
		DriftWarnings: s.driftWarnings.Load(),
		StaleEvents:   s.staleEvents.Load(),
	}
}

// Input is one source's queue feeding Run.
type Input struct {
	Track int
	C     <-chan *media.Unit
}

type arrival struct {
	track int
	u     *media.Unit
}

// Run merges inputs until all of them are closed, emitting units in order.
// Remaining units are flushed once every input has closed. An emit error
// stops the loop and is returned.
func (s *Synchronizer) Run(ctx context.Context, inputs []Input, emit func(*media.Unit) error) error {
	in := make(chan arrival, media.EncodeBufferSize)
	var wg sync.WaitGroup
	for _, input := range inputs {
		wg.Add(1)
		go func(input Input) {
			defer wg.Done()
			for u := range input.C {
				select {
				case in <- arrival{input.Track, u}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case in <- arrival{track: input.Track}:
			case <-ctx.Done():
			}
		}(input)
	}
	go func() {
		wg.Wait()
		close(in)
	}()

	tick := time.NewTicker(max(s.cfg.StaleTimeout/2, time.Millisecond))
	defer tick.Stop()

	drain := func() error {
		for {
			u, ok := s.Pop()
			if !ok {
				return nil
			}
			if err := emit(u); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-in:
			if !ok {
				for _, u := range s.Flush() {
					if err := emit(u); err != nil {
						return err
					}
				}
				return nil
			}
			if a.u == nil {
				s.Close(a.track)
			} else {
				s.Push(a.u)
			}
			if err := drain(); err != nil {
				return err
			}
		case <-tick.C:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}
