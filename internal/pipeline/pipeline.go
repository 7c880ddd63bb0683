// Package pipeline runs the staged data flow of a recording session:
// capture sources feed the synchronizer, whose ordered units are encoded
// and written to every output in timestamp order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/encoder"
	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/muxer"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/internal/replay"
	"github.com/zsiec/reel/internal/syncer"
	"github.com/zsiec/reel/media"
)

const (
	DefaultDrainTimeout      = 5 * time.Second
	DefaultOverflowTolerance = 90
	DefaultAudioWait         = 100 * time.Millisecond

	encodeWait    = 250 * time.Millisecond
	packetWait    = 2 * time.Second
	watchInterval = 50 * time.Millisecond
	retryLogEvery = time.Second
)

// Source is a capture source. It closes the queue it was started with when
// it stops producing.
type Source interface {
	Epoch() time.Time
	Start(ctx context.Context, q *queue.Queue[*media.Unit]) error
	Stop() error
	Done() <-chan struct{}
}

// Track pairs a source with the encoder for its units. Tracks are
// registered with the synchronizer in order, so the source must stamp its
// units with the track's position in Config.Tracks.
type Track struct {
	Name    string
	Kind    media.StreamKind
	Source  Source
	Encoder encoder.Encoder
}

// Config describes one session's stages.
type Config struct {
	// Tracks lists video first, then audio.
	Tracks []Track
	// Outputs receive every packet in timestamp order.
	Outputs []muxer.PacketSink
	Sync    syncer.Config

	// VideoPolicy chooses which frame a full video queue discards.
	VideoPolicy queue.Policy
	// AudioWait bounds how long audio waits for queue space. Audio always
	// drops the newest chunk.
	AudioWait time.Duration
	// OverflowTolerance is the number of consecutive drops on any queue
	// that fails the session with BufferOverflow.
	OverflowTolerance int64
	InterleaveDelay   time.Duration
	DrainTimeout      time.Duration

	// Ring, when set, is reported to Metrics.
	Ring    *replay.Ring
	Metrics *metrics.Metrics
	// Written reports bytes written to the live output, for Metrics.
	Written func() int64
	Clock   func() time.Time
}

func (c *Config) setDefaults() {
	if c.AudioWait <= 0 {
		c.AudioWait = DefaultAudioWait
	}
	if c.OverflowTolerance <= 0 {
		c.OverflowTolerance = DefaultOverflowTolerance
	}
	if c.InterleaveDelay <= 0 {
		c.InterleaveDelay = muxer.DefaultInterleaveDelay
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type track struct {
	Track
	index int
	q     *queue.Queue[*media.Unit]
}

// Pipeline owns the stage goroutines of one session.
type Pipeline struct {
	cfg  Config
	log  *slog.Logger
	sync *syncer.Synchronizer

	tracks []*track
	// Video and audio are encoded on separate queues and goroutines, so
	// a slow video encoder costs frames but never audio.
	videoQ *queue.Queue[*media.Unit]
	audioQ *queue.Queue[*media.Unit]
	pktQ   *queue.Queue[*media.Packet]
	out    *muxer.Reorderer

	encoding atomic.Int32

	cancel  context.CancelFunc
	done    chan struct{}
	muxDone chan struct{}
	err     error

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error

	startedAt time.Time
	counters  counters
	observed  observed
}

// New checks cfg and builds the stage queues. Nothing runs until Start.
func New(cfg Config, log *slog.Logger) (*Pipeline, error) {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.Tracks) == 0 {
		return nil, failure.Newf(failure.InvalidConfig, "create pipeline", "no capture tracks")
	}
	if len(cfg.Outputs) == 0 {
		return nil, failure.Newf(failure.InvalidConfig, "create pipeline", "no outputs")
	}

	log = log.With("component", "pipeline")
	drift := cfg.Sync.OnDrift
	m := cfg.Metrics
	cfg.Sync.OnDrift = func(gap time.Duration) {
		m.Drift()
		if drift != nil {
			drift(gap)
		}
	}

	p := &Pipeline{
		cfg:     cfg,
		log:     log,
		sync:    syncer.New(cfg.Sync, cfg.Clock, log),
		videoQ:  queue.New[*media.Unit](queue.Options{Name: "encode-video", Capacity: media.EncodeBufferSize, Policy: cfg.VideoPolicy}),
		audioQ:  queue.New[*media.Unit](queue.Options{Name: "encode-audio", Capacity: media.AudioBufferSize, Wait: encodeWait, Policy: queue.DropNewest}),
		pktQ:    queue.New[*media.Packet](queue.Options{Name: "mux", Capacity: media.PacketBufferSize, Wait: packetWait, Policy: queue.DropNewest}),
		out:     muxer.NewReorderer(muxer.Tee(cfg.Outputs), cfg.InterleaveDelay),
		done:    make(chan struct{}),
		muxDone: make(chan struct{}),
	}
	for i, t := range cfg.Tracks {
		if t.Source == nil || t.Encoder == nil {
			return nil, failure.Newf(failure.InvalidConfig, "create pipeline", "track %d (%s) incomplete", i, t.Name)
		}
		opts := queue.Options{Name: t.Name, Capacity: media.VideoBufferSize, Policy: cfg.VideoPolicy}
		if t.Kind == media.KindAudio {
			opts = queue.Options{Name: t.Name, Capacity: media.AudioBufferSize, Wait: cfg.AudioWait, Policy: queue.DropNewest}
		}
		p.tracks = append(p.tracks, &track{Track: t, index: i, q: queue.New[*media.Unit](opts)})
	}
	return p, nil
}

// Start registers the sources, starts them and launches the stages. The
// stages outlive ctx; they end through Stop or a fatal error.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return failure.Newf(failure.InvalidState, "start pipeline", "already started")
	}
	stageCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	g, gctx := errgroup.WithContext(stageCtx)

	inputs := make([]syncer.Input, 0, len(p.tracks))
	for _, t := range p.tracks {
		idx := p.sync.Register(t.Name, t.Kind, t.Source.Epoch())
		inputs = append(inputs, syncer.Input{Track: idx, C: t.q.C()})
	}

	for i, t := range p.tracks {
		if err := t.Source.Start(gctx, t.q); err != nil {
			cancel()
			var result *multierror.Error
			result = multierror.Append(result, err)
			for _, started := range p.tracks[:i+1] {
				if serr := started.Source.Stop(); serr != nil {
					result = multierror.Append(result, serr)
				}
			}
			close(p.muxDone)
			close(p.done)
			return result.ErrorOrNil()
		}
	}
	p.startedAt = p.cfg.Clock()

	g.Go(func() error { return p.syncStage(gctx, inputs) })
	p.encoding.Store(2)
	g.Go(func() error { return p.encodeStage(gctx, p.videoQ) })
	g.Go(func() error { return p.encodeStage(gctx, p.audioQ) })
	g.Go(func() error { return p.muxStage(gctx) })
	for _, t := range p.tracks {
		g.Go(func() error { return p.watchSource(gctx, t) })
	}
	g.Go(func() error { return p.watch(gctx) })

	go func() {
		err := g.Wait()
		if err != nil {
			p.log.Error("pipeline failed", "error", err)
		}
		p.err = err
		close(p.done)
	}()

	p.log.Info("pipeline started", "tracks", len(p.tracks), "outputs", len(p.cfg.Outputs))
	return nil
}

// syncStage never waits on video: a full video queue drops a frame at
// once under the video policy, while audio waits up to encodeWait.
func (p *Pipeline) syncStage(ctx context.Context, inputs []syncer.Input) error {
	defer p.videoQ.Close()
	defer p.audioQ.Close()
	err := p.sync.Run(ctx, inputs, func(u *media.Unit) error {
		if u.Kind() == media.KindAudio {
			p.audioQ.Push(u)
		} else {
			p.videoQ.Push(u)
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// encodeStage encodes the units of one kind. Each encoder is only ever
// called from the stage of its track's kind. The last stage to finish
// closes the packet queue.
func (p *Pipeline) encodeStage(ctx context.Context, q *queue.Queue[*media.Unit]) error {
	defer func() {
		if p.encoding.Add(-1) == 0 {
			p.pktQ.Close()
		}
	}()
	kind := media.KindVideo
	if q == p.audioQ {
		kind = media.KindAudio
	}
	var lastRetry time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-q.C():
			if !ok {
				return p.flushEncoders(ctx, kind)
			}
			if err := p.encode(u, &lastRetry); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) encode(u *media.Unit, lastRetry *time.Time) error {
	if u.Track < 0 || u.Track >= len(p.tracks) {
		return nil
	}
	t := p.tracks[u.Track]
	pkts, err := t.Encoder.Encode(u)
	p.forward(pkts)
	switch {
	case errors.Is(err, encoder.ErrRetryLater):
		p.counters.encodeDrops.Add(1)
		if now := p.cfg.Clock(); now.Sub(*lastRetry) >= retryLogEvery {
			*lastRetry = now
			p.log.Warn("encoder saturated, dropping input", "track", t.Name, "dropped", p.counters.encodeDrops.Load())
		}
		return nil
	case err != nil:
		return fmt.Errorf("encode %s: %w", t.Name, err)
	}
	return nil
}

// flushEncoders drains the encoders of one kind and forwards the
// remainder in timestamp order.
func (p *Pipeline) flushEncoders(ctx context.Context, kind media.StreamKind) error {
	var all []*media.Packet
	var result *multierror.Error
	for _, t := range p.tracks {
		if t.Kind != kind {
			continue
		}
		pkts, err := t.Encoder.Flush(ctx)
		all = append(all, pkts...)
		if err != nil && ctx.Err() == nil {
			result = multierror.Append(result, fmt.Errorf("flush %s: %w", t.Name, err))
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].PTS < all[j].PTS })
	p.forward(all)
	return result.ErrorOrNil()
}

func (p *Pipeline) forward(pkts []*media.Packet) {
	for _, pkt := range pkts {
		p.counters.packet(pkt)
		p.cfg.Metrics.Encoded(pkt.Kind.String())
		p.pktQ.Push(pkt)
	}
}

func (p *Pipeline) muxStage(ctx context.Context) error {
	defer close(p.muxDone)
	for {
		select {
		case <-ctx.Done():
			return p.finalize()
		case pkt, ok := <-p.pktQ.C():
			if !ok {
				return p.finalize()
			}
			if err := p.out.Write(pkt); err != nil {
				p.finalize()
				return err
			}
			p.counters.written.Add(1)
		}
	}
}

func (p *Pipeline) finalize() error {
	if err := p.out.Finalize(); err != nil {
		return fmt.Errorf("finalize outputs: %w", err)
	}
	return nil
}

// watchSource turns a source that ended with an error into a stage error.
func (p *Pipeline) watchSource(ctx context.Context, t *track) error {
	select {
	case <-ctx.Done():
		return nil
	case <-t.Source.Done():
	}
	if e, ok := t.Source.(interface{ Err() error }); ok {
		if err := e.Err(); err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
	}
	return nil
}

// watch enforces the overflow tolerance and publishes metrics until the
// mux stage ends.
func (p *Pipeline) watch(ctx context.Context) error {
	tick := time.NewTicker(watchInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.muxDone:
			p.observe()
			return nil
		case <-tick.C:
			p.observe()
			if err := p.checkOverflow(); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) checkOverflow() error {
	check := func(name string, n int64) error {
		if n > p.cfg.OverflowTolerance {
			return failure.Newf(failure.BufferOverflow, "queue "+name, "%d consecutive drops (tolerance %d)", n, p.cfg.OverflowTolerance)
		}
		return nil
	}
	for _, t := range p.tracks {
		if err := check(t.Name, t.q.ConsecutiveDrops()); err != nil {
			return err
		}
	}
	for _, q := range []*queue.Queue[*media.Unit]{p.videoQ, p.audioQ} {
		if err := check(q.Name(), q.ConsecutiveDrops()); err != nil {
			return err
		}
	}
	return check(p.pktQ.Name(), p.pktQ.ConsecutiveDrops())
}

// Done is closed when every stage has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the first fatal stage error, once Done is closed.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop stops the sources and lets the remaining units drain through every
// stage. If draining outlasts DrainTimeout or ctx, the stages are
// cancelled and the units still queued are reported as a BufferOverflow
// loss. Stop is idempotent.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	p.stopOnce.Do(func() { p.stopErr = p.stop(ctx) })
	return p.stopErr
}

func (p *Pipeline) stop(ctx context.Context) error {
	var result *multierror.Error
	for _, t := range p.tracks {
		if err := t.Source.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop %s: %w", t.Name, err))
		}
	}

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	forced := false
	select {
	case <-p.done:
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}
	p.cancel()
	<-p.done

	if forced {
		lost := p.lost()
		p.counters.lost.Store(lost)
		p.log.Warn("drain timed out, units lost", "lost", lost, "timeout", p.cfg.DrainTimeout)
		result = multierror.Append(result, failure.Newf(failure.BufferOverflow, "drain pipeline",
			"drain did not finish within %s: %d units lost", p.cfg.DrainTimeout, lost))
	}
	if p.err != nil {
		result = multierror.Append(result, p.err)
	}
	p.log.Info("pipeline stopped", "packets", p.counters.written.Load(), "forced", forced)
	return result.ErrorOrNil()
}

// lost counts units left behind in the stages. Only valid after Done.
func (p *Pipeline) lost() int64 {
	n := p.sync.Buffered() + p.videoQ.Len() + p.audioQ.Len() + p.pktQ.Len()
	for _, t := range p.tracks {
		n += t.q.Len()
	}
	return int64(n)
}
