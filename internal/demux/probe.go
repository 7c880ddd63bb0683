package demux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/media"
)

// Report summarises a recorded transport stream.
type Report struct {
	Tracks       []TrackInfo
	VideoPackets int
	Keyframes    int
	AudioPackets []int
	Width        int
	Height       int
	FrameRate    float64
	FirstPTS     time.Duration
	LastPTS      time.Duration
	Duration     time.Duration
	StartsOnKey  bool
	HasParamSets bool
}

type span struct {
	first, last time.Duration
	lastDur     time.Duration
	n           int
}

func (s *span) add(p *media.Packet) {
	if s.n == 0 || p.PTS < s.first {
		s.first = p.PTS
	}
	if s.n == 0 || p.PTS >= s.last {
		s.last = p.PTS
		s.lastDur = p.Duration
	}
	s.n++
}

// duration is the PTS span plus one unit, estimating the trailing video
// frame from the average spacing when packets carry no duration.
func (s *span) duration() time.Duration {
	if s.n == 0 {
		return 0
	}
	d := s.last - s.first
	tail := s.lastDur
	if tail == 0 && s.n > 1 {
		tail = d / time.Duration(s.n-1)
	}
	return d + tail
}

// Probe demuxes r to the end and reports its streams and playable duration.
// Video timing takes precedence; audio-only streams use the audio span.
func Probe(ctx context.Context, r io.Reader, log *slog.Logger) (Report, error) {
	d := NewDemuxer(r, log)

	var rep Report
	var video, audio span
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(ctx) })
	g.Go(func() error {
		for p := range d.Packets() {
			if p.Kind == media.KindVideo {
				if rep.VideoPackets == 0 {
					rep.StartsOnKey = p.Keyframe
					rep.HasParamSets = HasParameterSets(p.Codec, p.Data)
				}
				rep.VideoPackets++
				video.add(p)
				if p.Keyframe {
					rep.Keyframes++
					if rep.Width == 0 {
						sizeFromSPS(&rep, p)
					}
				}
				continue
			}
			for len(rep.AudioPackets) <= p.Track {
				rep.AudioPackets = append(rep.AudioPackets, 0)
			}
			rep.AudioPackets[p.Track]++
			audio.add(p)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return rep, fmt.Errorf("probe: %w", err)
	}

	rep.Tracks = d.Tracks()
	s := &video
	if video.n == 0 {
		s = &audio
	}
	rep.FirstPTS, rep.LastPTS, rep.Duration = s.first, s.last, s.duration()
	return rep, nil
}

// ProbeFile opens path and probes it.
func ProbeFile(ctx context.Context, path string, log *slog.Logger) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer f.Close()
	return Probe(ctx, f, log)
}

func sizeFromSPS(rep *Report, p *media.Packet) {
	for _, n := range splitNALs(p.Codec, p.Data) {
		if !isSPS(p.Codec, n.typ) {
			continue
		}
		if info, err := parseSPS(p.Codec, n.data); err == nil {
			rep.Width, rep.Height, rep.FrameRate = info.Width, info.Height, info.FrameRate
		}
		return
	}
}
