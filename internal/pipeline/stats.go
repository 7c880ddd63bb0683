package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/media"
)

// SourceStats describes one capture track's queue.
type SourceStats struct {
	Name    string           `json:"name"`
	Kind    media.StreamKind `json:"kind"`
	Depth   int              `json:"depth"`
	Pushed  int64            `json:"pushed"`
	Dropped int64            `json:"dropped"`
}

// Stats is a point-in-time view of a session's pipeline.
type Stats struct {
	Uptime        time.Duration `json:"uptime"`
	Sources       []SourceStats `json:"sources"`
	Synced        int64         `json:"synced"`
	Clamped       int64         `json:"clamped"`
	StaleEvents   int64         `json:"staleEvents"`
	DriftWarnings int64         `json:"driftWarnings"`
	EncodeDropped int64         `json:"encodeDropped"`
	QueueDropped  int64         `json:"queueDropped"`
	VideoPackets  int64         `json:"videoPackets"`
	AudioPackets  int64         `json:"audioPackets"`
	EncodedBytes  int64         `json:"encodedBytes"`
	Written       int64         `json:"written"`
	Lost          int64         `json:"lost"`
}

type counters struct {
	encodeDrops  atomic.Int64
	videoPackets atomic.Int64
	audioPackets atomic.Int64
	encodedBytes atomic.Int64
	written      atomic.Int64
	lost         atomic.Int64
}

func (c *counters) packet(p *media.Packet) {
	if p.Kind == media.KindVideo {
		c.videoPackets.Add(1)
	} else {
		c.audioPackets.Add(1)
	}
	c.encodedBytes.Add(int64(len(p.Data)))
}

// observed remembers what has already been published to metrics so the
// watch loop can add deltas. Only the watch goroutine touches it.
type observed struct {
	captured map[string]int64
	dropped  map[string]int64
	written  int64
}

// Stats returns the session counters.
func (p *Pipeline) Stats() Stats {
	ss := p.sync.Stats()
	st := Stats{
		Synced:        ss.Emitted,
		Clamped:       ss.Clamped,
		StaleEvents:   ss.StaleEvents,
		DriftWarnings: ss.DriftWarnings,
		EncodeDropped: p.counters.encodeDrops.Load(),
		VideoPackets:  p.counters.videoPackets.Load(),
		AudioPackets:  p.counters.audioPackets.Load(),
		EncodedBytes:  p.counters.encodedBytes.Load(),
		Written:       p.counters.written.Load(),
		Lost:          p.counters.lost.Load(),
	}
	if p.started.Load() && !p.startedAt.IsZero() {
		st.Uptime = p.cfg.Clock().Sub(p.startedAt)
	}
	for _, t := range p.tracks {
		qs := t.q.Stats()
		st.Sources = append(st.Sources, SourceStats{
			Name:    t.Name,
			Kind:    t.Kind,
			Depth:   qs.Depth,
			Pushed:  qs.Pushed,
			Dropped: qs.Dropped,
		})
		st.QueueDropped += qs.Dropped
	}
	st.QueueDropped += p.videoQ.Stats().Dropped + p.audioQ.Stats().Dropped + p.pktQ.Stats().Dropped
	return st
}

// observe publishes counter deltas and replay gauges to Metrics.
func (p *Pipeline) observe() {
	m := p.cfg.Metrics
	if m == nil {
		return
	}
	if p.observed.captured == nil {
		p.observed.captured = make(map[string]int64)
		p.observed.dropped = make(map[string]int64)
	}
	for _, t := range p.tracks {
		qs := t.q.Stats()
		total := qs.Pushed + qs.Dropped
		m.Captured(t.Name, int(total-p.observed.captured[t.Name]))
		p.observed.captured[t.Name] = total
		m.Dropped(t.Name, int(qs.Dropped-p.observed.dropped[t.Name]))
		p.observed.dropped[t.Name] = qs.Dropped
	}
	for _, qs := range []struct {
		name    string
		dropped int64
	}{
		{p.videoQ.Name(), p.videoQ.Stats().Dropped},
		{p.audioQ.Name(), p.audioQ.Stats().Dropped},
		{p.pktQ.Name(), p.pktQ.Stats().Dropped},
	} {
		m.Dropped(qs.name, int(qs.dropped-p.observed.dropped[qs.name]))
		p.observed.dropped[qs.name] = qs.dropped
	}
	if p.cfg.Written != nil {
		n := p.cfg.Written()
		m.Written(n - p.observed.written)
		p.observed.written = n
	}
	if r := p.cfg.Ring; r != nil {
		m.Replay(r.Duration().Seconds(), r.Len())
	}
}
