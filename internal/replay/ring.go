// Package replay keeps the most recent encoded media in memory as a ring of
// GOP-aligned segments and saves snapshots of it to standalone files.
package replay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/reel/media"
)

// Segment is a run of packets starting at a video keyframe and ending
// before the next one; audio-only sessions use fixed-length chunks. A
// segment is never modified after it is appended to a Ring.
type Segment struct {
	Seq      uint64
	Start    time.Duration
	Duration time.Duration
	Packets  []*media.Packet
	// ParamSets are the codec parameter sets in effect at Start.
	ParamSets [][]byte
	Bytes     int64
}

func (s *Segment) add(p *media.Packet) {
	s.Packets = append(s.Packets, p)
	s.Bytes += int64(len(p.Data))
	if end := p.PTS + p.Duration - s.Start; end > s.Duration {
		s.Duration = end
	}
}

// Snapshot is a consistent view of a Ring. The segments it references are
// immutable, so it stays valid while the ring keeps evicting.
type Snapshot struct {
	Segments []*Segment
	Duration time.Duration
	Bytes    int64
	// Partial is set when the snapshot holds only the in-progress segment.
	Partial bool
}

// Empty reports whether the snapshot holds no packets.
func (s Snapshot) Empty() bool {
	for _, seg := range s.Segments {
		if len(seg.Packets) > 0 {
			return false
		}
	}
	return true
}

// Ring retains closed segments covering at least the configured window and
// at most the window plus one segment. Eviction drops whole segments from
// the front.
type Ring struct {
	log    *slog.Logger
	window time.Duration

	mu      sync.Mutex
	segs    []*Segment
	open    *Segment
	total   time.Duration
	bytes   int64
	evicted uint64
}

// NewRing creates a ring retaining window worth of media. If log is nil,
// slog.Default() is used.
func NewRing(window time.Duration, log *slog.Logger) *Ring {
	if log == nil {
		log = slog.Default()
	}
	return &Ring{
		log:    log.With("component", "replay-ring"),
		window: window,
	}
}

// Window returns the configured retention window.
func (r *Ring) Window() time.Duration {
	return r.window
}

// Append adds a closed segment and evicts from the front while the
// remaining segments still cover the window.
func (r *Ring) Append(s *Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.segs = append(r.segs, s)
	r.total += s.Duration
	r.bytes += s.Bytes
	r.open = nil

	for len(r.segs) > 1 && r.total-r.segs[0].Duration >= r.window {
		old := r.segs[0]
		r.segs[0] = nil
		r.segs = r.segs[1:]
		r.total -= old.Duration
		r.bytes -= old.Bytes
		r.evicted++
	}
}

// SetOpen publishes the segment currently being filled. The ring keeps a
// copy of the segment header; packets already in it are never rewritten.
func (r *Ring) SetOpen(s Segment) {
	r.mu.Lock()
	r.open = &s
	r.mu.Unlock()
}

// Snapshot returns the closed segments. Before the first segment closes it
// returns the in-progress one so an early save still has content.
func (r *Ring) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.segs) == 0 {
		if r.open == nil {
			return Snapshot{}
		}
		return Snapshot{
			Segments: []*Segment{r.open},
			Duration: r.open.Duration,
			Bytes:    r.open.Bytes,
			Partial:  true,
		}
	}
	segs := make([]*Segment, len(r.segs))
	copy(segs, r.segs)
	return Snapshot{Segments: segs, Duration: r.total, Bytes: r.bytes}
}

// Duration returns the retained duration of closed segments.
func (r *Ring) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Len returns the number of closed segments.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segs)
}

// Bytes returns the payload bytes held by closed segments.
func (r *Ring) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Evicted returns the number of segments evicted so far.
func (r *Ring) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
