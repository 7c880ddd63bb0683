package replay

import (
	"log/slog"
	"time"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/media"
)

// AudioChunk is the segment length used when a session has no video.
const AudioChunk = time.Second

// Segmenter is the PacketSink that feeds a Ring. It expects packets in
// timestamp order. With video, each keyframe starts a new segment and
// packets before the first keyframe are discarded.
type Segmenter struct {
	log   *slog.Logger
	ring  *Ring
	video media.Codec

	cur       *Segment
	params    [][]byte
	seq       uint64
	discarded int
}

// NewSegmenter creates a Segmenter appending to ring. video is the
// session's video codec, or empty for audio-only sessions.
func NewSegmenter(ring *Ring, video media.Codec, log *slog.Logger) *Segmenter {
	if log == nil {
		log = slog.Default()
	}
	return &Segmenter{
		log:   log.With("component", "segmenter"),
		ring:  ring,
		video: video,
	}
}

func (s *Segmenter) Write(p *media.Packet) error {
	switch {
	case s.video != "" && p.Kind == media.KindVideo && p.Keyframe:
		if ps := demux.ParameterSets(p.Codec, p.Data); len(ps) > 0 {
			s.params = ps
		}
		s.cut(p.PTS)
	case s.video == "" && (s.cur == nil || p.PTS-s.cur.Start >= AudioChunk):
		s.cut(p.PTS)
	}

	if s.cur == nil {
		s.discarded++
		return nil
	}
	s.cur.add(p)
	s.ring.SetOpen(*s.cur)
	return nil
}

// cut closes the open segment, if any, and starts a new one at at.
func (s *Segmenter) cut(at time.Duration) {
	if s.cur != nil {
		if d := at - s.cur.Start; d > 0 {
			s.cur.Duration = d
		}
		s.ring.Append(s.cur)
	}
	s.seq++
	s.cur = &Segment{Seq: s.seq, Start: at, ParamSets: s.params}
}

// Finalize closes the open segment.
func (s *Segmenter) Finalize() error {
	if s.cur != nil && len(s.cur.Packets) > 0 {
		s.ring.Append(s.cur)
	}
	s.cur = nil
	if s.discarded > 0 {
		s.log.Debug("discarded packets before first keyframe", "count", s.discarded)
	}
	return nil
}
