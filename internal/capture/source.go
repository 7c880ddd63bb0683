// Package capture produces timestamped video frames from a monitor or a
// window at a fixed rate.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/media"
)

const (
	DefaultMaxGrabRetries = 5
	DefaultRetryBackoff   = 20 * time.Millisecond
	maxRetryBackoff       = time.Second
)

// VideoConfig configures a VideoSource.
type VideoConfig struct {
	Name   string
	Target Target
	FPS    media.Rational
	// Track is stamped on every unit.
	Track int
	// MaxGrabRetries is how many consecutive failed grabs are tolerated
	// before the source is declared lost.
	MaxGrabRetries int
	RetryBackoff   time.Duration
	Now            func() time.Time
}

func (c *VideoConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "screen"
	}
	if c.FPS.Num <= 0 || c.FPS.Den <= 0 {
		c.FPS = media.Rational{Num: 30, Den: 1}
	}
	if c.MaxGrabRetries <= 0 {
		c.MaxGrabRetries = DefaultMaxGrabRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stats counts what a VideoSource has done.
type Stats struct {
	Captured  int64
	Dropped   int64
	GrabFails int64
}

// VideoSource grabs frames on a ticker and pushes them into a queue.
type VideoSource struct {
	cfg  VideoConfig
	open GrabberFunc
	log  *slog.Logger

	grabber Grabber
	width   int
	height  int
	epoch   time.Time

	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	mu       sync.Mutex
	err      error
	closed   bool
	closeErr error

	captured  atomic.Int64
	dropped   atomic.Int64
	grabFails atomic.Int64
}

// NewVideoSource creates a source. open defaults to Open.
func NewVideoSource(cfg VideoConfig, open GrabberFunc, log *slog.Logger) *VideoSource {
	cfg.setDefaults()
	if open == nil {
		open = Open
	}
	if log == nil {
		log = slog.Default()
	}
	return &VideoSource{
		cfg:  cfg,
		open: open,
		log:  log.With("component", "capture", "source", cfg.Name, "target", cfg.Target.String()),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Name returns the source name.
func (s *VideoSource) Name() string { return s.cfg.Name }

// Open acquires the grabber and fixes the capture geometry. The source's
// epoch is the moment Open succeeds.
func (s *VideoSource) Open() error {
	if s.grabber != nil {
		return nil
	}
	g, err := s.open(s.cfg.Target)
	if err != nil {
		return failure.New(failure.DeviceUnavailable, "open "+s.cfg.Target.String(), err)
	}
	w, h := g.Size()
	if w <= 0 || h <= 0 {
		g.Close()
		return failure.Newf(failure.DeviceUnavailable, "open "+s.cfg.Target.String(), "empty capture area %dx%d", w, h)
	}
	s.grabber, s.width, s.height = g, w, h
	s.epoch = s.cfg.Now()
	s.log.Info("capture opened", "width", w, "height", h, "fps", s.cfg.FPS.String())
	return nil
}

// Size returns the capture dimensions fixed by Open.
func (s *VideoSource) Size() (int, int) { return s.width, s.height }

// Epoch returns the instant local timestamps count from.
func (s *VideoSource) Epoch() time.Time { return s.epoch }

// Start launches the capture loop. The loop closes q when it exits, after
// Stop, cancellation of ctx or a fatal capture error.
func (s *VideoSource) Start(ctx context.Context, q *queue.Queue[*media.Unit]) error {
	if s.grabber == nil {
		return failure.Newf(failure.InvalidState, "start capture", "source not opened")
	}
	if !s.started.CompareAndSwap(false, true) {
		return failure.Newf(failure.InvalidState, "start capture", "already started")
	}
	go s.run(ctx, q)
	return nil
}

func (s *VideoSource) run(ctx context.Context, q *queue.Queue[*media.Unit]) {
	defer close(s.done)
	defer q.Close()

	tick := time.NewTicker(s.cfg.FPS.Interval())
	defer tick.Stop()

	cursor, _ := s.grabber.(pointer)
	if !s.cfg.Target.Cursor {
		cursor = nil
	}

	last := time.Duration(-1)
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-tick.C:
		}

		img, err := s.grabber.Grab()
		if err != nil {
			s.grabFails.Add(1)
			if errors.Is(err, ErrTargetGone) {
				s.fail(failure.New(failure.CaptureSourceLost, "grab frame", err))
				return
			}
			fails++
			if fails > s.cfg.MaxGrabRetries {
				s.fail(failure.Newf(failure.CaptureSourceLost, "grab frame", "%d consecutive failures: %w", fails, err))
				return
			}
			s.log.Debug("grab failed, retrying", "attempt", fails, "error", err)
			if !s.backoff(ctx, fails) {
				return
			}
			continue
		}
		fails = 0

		pts := s.cfg.Now().Sub(s.epoch)
		if pts <= last {
			pts = last + time.Microsecond
		}
		last = pts

		if cursor != nil {
			if p, err := cursor.Pointer(); err == nil {
				drawCursor(img, p)
			}
		}

		u := &media.Unit{
			Track: s.cfg.Track,
			Frame: &media.Frame{
				Image:  img,
				Width:  s.width,
				Height: s.height,
				PTS:    pts,
				Source: s.cfg.Name,
			},
		}
		s.captured.Add(1)
		if q.Push(u) {
			s.dropped.Add(1)
		}
	}
}

func (s *VideoSource) backoff(ctx context.Context, attempt int) bool {
	d := s.cfg.RetryBackoff << (attempt - 1)
	if d > maxRetryBackoff || d <= 0 {
		d = maxRetryBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.quit:
		return false
	}
}

func (s *VideoSource) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.log.Error("capture source lost", "error", err)
}

// Err returns the error that ended the capture loop, if any.
func (s *VideoSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the capture loop has exited.
func (s *VideoSource) Done() <-chan struct{} { return s.done }

// Stop ends the capture loop and releases the grabber. Safe to call more
// than once and on a source that never started.
func (s *VideoSource) Stop() error {
	s.stopOnce.Do(func() { close(s.quit) })
	if s.started.Load() {
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.grabber == nil {
		return s.closeErr
	}
	s.closed = true
	s.closeErr = s.grabber.Close()
	return s.closeErr
}

// Stats returns the source's counters.
func (s *VideoSource) Stats() Stats {
	return Stats{
		Captured:  s.captured.Load(),
		Dropped:   s.dropped.Load(),
		GrabFails: s.grabFails.Load(),
	}
}
