package recorder

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zsiec/reel/internal/capture"
	"github.com/zsiec/reel/internal/devices"
	"github.com/zsiec/reel/internal/encoder"
	"github.com/zsiec/reel/internal/muxer"
	"github.com/zsiec/reel/internal/output"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/replay"
)

type release struct {
	name string
	fn   func() error
}

// session holds everything one recording acquired.
type session struct {
	id        string
	cfg       Config
	log       *slog.Logger
	target    capture.Target
	encoder   encoder.Descriptor
	startedAt time.Time

	releases []release
	pipeline *pipeline.Pipeline
	running  bool
	stopped  chan struct{}

	sink  output.Sink
	live  *muxer.Muxer
	ring  *replay.Ring
	saver *replay.Saver
}

func (s *session) push(name string, fn func() error) {
	s.releases = append(s.releases, release{name, fn})
}

func (s *session) lease(reg *devices.Registry, key string) error {
	l, err := reg.Claim(key, s.id)
	if err != nil {
		return err
	}
	s.push(key, func() error {
		l.Release()
		return nil
	})
	return nil
}

// release runs the release stack in reverse order. Every step runs; the
// errors are aggregated.
func (s *session) release() error {
	var result *multierror.Error
	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]
		if err := r.fn(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release %s: %w", r.name, err))
		}
	}
	s.releases = nil
	return result.ErrorOrNil()
}

// Stats describes a recording session.
type Stats struct {
	SessionID string        `json:"sessionId"`
	State     State         `json:"state"`
	Uptime    time.Duration `json:"uptime"`
	Encoder   string        `json:"encoder"`
	Output    string        `json:"output,omitempty"`
	// Recorded is the media duration written to the live output.
	Recorded       time.Duration  `json:"recorded"`
	OutputBytes    int64          `json:"outputBytes"`
	ReplayRetained time.Duration  `json:"replayRetained"`
	ReplaySegments int            `json:"replaySegments"`
	ReplayBytes    int64          `json:"replayBytes"`
	Pipeline       pipeline.Stats `json:"pipeline"`
}

func (s *session) stats() Stats {
	st := Stats{
		SessionID: s.id,
		Encoder:   s.encoder.Name,
		Output:    s.cfg.OutputPath,
	}
	if !s.startedAt.IsZero() {
		st.Uptime = time.Since(s.startedAt)
	}
	if s.pipeline != nil {
		st.Pipeline = s.pipeline.Stats()
	}
	if s.live != nil {
		ms := s.live.Stats()
		st.Recorded = ms.Duration()
		st.OutputBytes = ms.Bytes
	}
	if s.ring != nil {
		st.ReplayRetained = s.ring.Duration()
		st.ReplaySegments = s.ring.Len()
		st.ReplayBytes = s.ring.Bytes()
	}
	return st
}
