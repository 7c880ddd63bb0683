// Package recorder is the public face of reel: a Recorder captures a
// monitor or window with desktop and microphone audio, encodes it and
// writes a transport stream, optionally keeping a replay buffer that can
// be saved on demand.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/capture"
	"github.com/zsiec/reel/internal/devices"
	"github.com/zsiec/reel/internal/encoder"
	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/muxer"
	"github.com/zsiec/reel/internal/output"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/internal/replay"
	"github.com/zsiec/reel/internal/target"
	"github.com/zsiec/reel/media"
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Without it the recorder logs to
// slog.Default(), or to a debug text handler when Config.Debug is set.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithMetrics registers the recorder's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Recorder) { r.registerer = reg }
}

// WithProcessName records the main window of the named executable.
func WithProcessName(name string) Option {
	return func(r *Recorder) { r.sel = selection{process: name} }
}

// WithWindow records the window with the given X11 id.
func WithWindow(id uint32) Option {
	return func(r *Recorder) { r.sel = selection{window: id} }
}

// WithMonitor records monitor index (0 is the primary).
func WithMonitor(index int) Option {
	return func(r *Recorder) { r.sel = selection{monitor: index} }
}

func withBackends(b backends) Option {
	return func(r *Recorder) { r.backends = b }
}

type selection struct {
	process string
	window  uint32
	monitor int
}

// Recorder runs recording sessions. Start and Stop may be called from any
// goroutine. A stopped recorder can be started again; one in Error cannot.
type Recorder struct {
	cfg        Config
	log        *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics.Metrics
	backends   backends
	sel        selection
	encoders   *encoder.Registry

	// op serializes Start, Stop, SaveReplay and failure teardown.
	op sync.Mutex

	mu        sync.Mutex
	state     State
	err       error
	sess      *session
	lastStats Stats
	onFailure []func(error)
}

// New creates a Recorder for cfg. The configuration is validated by Start.
func New(cfg Config, opts ...Option) *Recorder {
	r := &Recorder{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
		if cfg.Debug {
			r.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}
	r.log = r.log.With("component", "recorder")
	if r.backends.encoders == nil {
		r.backends = defaultBackends(cfg.FFmpegPath, r.log)
	}
	if r.backends.devices == nil {
		r.backends.devices = devices.Default()
	}
	r.encoders = encoder.NewRegistry(r.backends.encoders, r.log)

	m, err := metrics.New(r.registerer)
	if err != nil {
		r.log.Warn("metrics registration failed", "error", err)
	}
	r.metrics = m
	return r
}

// WithProcessName sets the target application and returns r.
func (r *Recorder) WithProcessName(name string) *Recorder {
	r.op.Lock()
	defer r.op.Unlock()
	r.sel = selection{process: name}
	return r
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that moved the recorder to Error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// SessionID returns the id of the current or last session.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return r.lastStats.SessionID
	}
	return r.sess.id
}

// OnFailure registers fn to be called, from a recorder goroutine, when a
// recording fails after Start returned.
func (r *Recorder) OnFailure(fn func(error)) {
	r.mu.Lock()
	r.onFailure = append(r.onFailure, fn)
	r.mu.Unlock()
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.metrics.SetState(int(s))
	if prev != s {
		r.log.Debug("state", "from", prev.String(), "to", s.String())
	}
}

// Start validates the configuration, acquires every device and encoder and
// starts recording. It fails synchronously, releasing whatever it had
// acquired, and leaves the recorder in Error.
func (r *Recorder) Start(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()

	if st := r.State(); st.Active() {
		return failure.Newf(failure.InvalidState, "start", "recorder is %s", st)
	} else if st == Error {
		return failure.Newf(failure.InvalidState, "start", "recorder failed, create a new one")
	}
	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
	r.setState(Starting)

	s, err := r.start(ctx)
	if err != nil {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.setState(Error)
		return err
	}

	r.mu.Lock()
	r.sess = s
	r.mu.Unlock()
	r.setState(Recording)
	go r.watch(s)
	return nil
}

func (r *Recorder) start(ctx context.Context) (*session, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	cfg := r.cfg.withDefaults()
	s := &session{
		id:      uuid.NewString(),
		cfg:     cfg,
		stopped: make(chan struct{}),
	}
	s.log = r.log.With("session", s.id)

	if err := r.acquire(ctx, s); err != nil {
		if rerr := s.release(); rerr != nil {
			err = multierror.Append(err, rerr)
		}
		s.log.Error("start failed", "error", err)
		return nil, err
	}
	s.startedAt = time.Now()
	s.log.Info("recording", "config", cfg.String(), "target", s.target.String(), "output", cfg.OutputPath, "replay", cfg.EnableReplayBuffer)
	return s, nil
}

// acquire takes resources in order: audio devices, the video source,
// encoders, the output, the replay buffer. Each is pushed onto the
// session's release stack as soon as it is held.
func (r *Recorder) acquire(ctx context.Context, s *session) error {
	cfg := s.cfg
	var err error

	s.target, err = r.resolveTarget(cfg)
	if err != nil {
		return err
	}
	if cfg.CaptureAudio && cfg.AudioSource == AudioActiveWindow {
		s.log.Warn("per-application audio is unavailable, recording desktop audio")
	}

	// Track 0 is video; audio tracks follow in config order.
	var audioSources []*audioTrack
	if cfg.audioTracks() > 0 {
		backend, err := r.backends.audio(s.log)
		if err != nil {
			return failure.New(failure.DeviceUnavailable, "open audio backend", err)
		}
		s.push("audio backend", backend.Close)

		if cfg.CaptureAudio {
			t, err := r.openAudio(s, backend, audio.KindDesktop, "", cfg.SystemVolume, 1+len(audioSources))
			if err != nil {
				return err
			}
			audioSources = append(audioSources, t)
		}
		if cfg.CaptureMicrophone {
			t, err := r.openAudio(s, backend, audio.KindMicrophone, cfg.MicrophoneDevice, cfg.MicrophoneVolume, 1+len(audioSources))
			if err != nil {
				return err
			}
			audioSources = append(audioSources, t)
		}
	}

	videoKey := devices.MonitorKey(s.target.Monitor)
	if s.target.Window != 0 {
		videoKey = devices.WindowKey(s.target.Window)
	}
	if err := s.lease(r.backends.devices, videoKey); err != nil {
		return err
	}
	video := capture.NewVideoSource(capture.VideoConfig{
		Name:   videoTrackName(s.target),
		Target: s.target,
		FPS:    cfg.FPS,
		Track:  0,
	}, r.backends.grabber, s.log)
	if err := video.Open(); err != nil {
		return err
	}
	s.push("video source", video.Stop)

	width, height := video.Size()
	if cfg.InputWidth != 0 && (cfg.InputWidth != width || cfg.InputHeight != height) {
		s.log.Warn("capture size differs from configured input size",
			"captured", fmt.Sprintf("%dx%d", width, height),
			"configured", fmt.Sprintf("%dx%d", cfg.InputWidth, cfg.InputHeight))
	}

	venc, err := r.encoders.Open(ctx, cfg.VideoEncoderName, cfg.VideoEncoderType, encoder.Params{
		Track:     0,
		Width:     width,
		Height:    height,
		OutWidth:  cfg.OutputWidth,
		OutHeight: cfg.OutputHeight,
		FPS:       cfg.FPS,
		Bitrate:   cfg.VideoBitrate,
	})
	if err != nil {
		return err
	}
	s.push("video encoder", venc.Close)
	s.encoder = venc.Descriptor()

	tracks := []pipeline.Track{{Name: videoTrackName(s.target), Kind: media.KindVideo, Source: video, Encoder: venc}}
	for i, a := range audioSources {
		aenc, err := r.encoders.Open(ctx, "", media.CodecAAC, encoder.Params{
			Track:      i,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Bitrate:    cfg.AudioBitrate,
		})
		if err != nil {
			return err
		}
		s.push(a.name+" encoder", aenc.Close)
		tracks = append(tracks, pipeline.Track{Name: a.name, Kind: media.KindAudio, Source: a.source, Encoder: aenc})
	}

	layout := muxer.Layout{Video: cfg.VideoEncoderType, AudioTracks: len(audioSources)}
	var outputs []muxer.PacketSink
	if cfg.OutputPath != "" {
		sink, err := r.backends.output(ctx, cfg.OutputPath, s.log)
		if err != nil {
			return err
		}
		s.sink = sink
		s.push("output", func() error {
			if s.running {
				return nil
			}
			// Never started: finalize and remove the empty file.
			var err error
			if s.live != nil {
				err = s.live.Finalize()
			} else {
				err = sink.Close()
			}
			if _, ok := sink.(*output.File); ok {
				os.Remove(cfg.OutputPath)
			}
			return err
		})
		live, err := muxer.New(sink, muxer.Options{Layout: layout, Log: s.log})
		if err != nil {
			return err
		}
		s.live = live
		outputs = append(outputs, live)
	}

	if cfg.EnableReplayBuffer {
		s.ring = replay.NewRing(cfg.ReplayWindow(), s.log)
		s.saver = replay.NewSaver(layout, s.log)
		s.saver.OnComplete(func(_ replay.Result, err error) { r.metrics.Saved(err) })
		s.push("replay", func() error {
			s.saver.Wait()
			return nil
		})
		outputs = append(outputs, replay.NewSegmenter(s.ring, cfg.VideoEncoderType, s.log))
	}

	policy, _ := queue.ParsePolicy(cfg.DropPolicy)
	var written func() int64
	if s.sink != nil {
		written = func() int64 { return s.sink.Stats().Bytes }
	}
	p, err := pipeline.New(pipeline.Config{
		Tracks:       tracks,
		Outputs:      outputs,
		VideoPolicy:  policy,
		DrainTimeout: cfg.DrainTimeout,
		Ring:         s.ring,
		Metrics:      r.metrics,
		Written:      written,
	}, s.log)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	s.pipeline = p
	s.running = true
	return nil
}

type audioTrack struct {
	name   string
	source *audio.Source
}

func (r *Recorder) openAudio(s *session, backend audio.Backend, kind audio.Kind, device string, gain float64, track int) (*audioTrack, error) {
	key := devices.DesktopAudioKey()
	if kind == audio.KindMicrophone {
		key = devices.MicrophoneKey(device)
	}
	if err := s.lease(r.backends.devices, key); err != nil {
		return nil, err
	}
	src := audio.NewSource(audio.SourceConfig{
		Kind:       kind,
		Device:     device,
		Gain:       gain,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Track:      track,
	}, backend, s.log)
	if err := src.Open(); err != nil {
		return nil, err
	}
	s.push(string(kind)+" audio", src.Stop)
	return &audioTrack{name: string(kind), source: src}, nil
}

func (r *Recorder) resolveTarget(cfg Config) (capture.Target, error) {
	t := capture.Target{Monitor: r.sel.monitor, Window: r.sel.window, Cursor: cfg.CaptureCursor}
	if r.sel.process == "" {
		return t, nil
	}
	windows, err := r.backends.windows()
	if err != nil {
		return t, failure.New(failure.DeviceUnavailable, "find window", err)
	}
	w, err := target.FindByProcessName(windows, r.sel.process)
	if err != nil {
		return t, failure.New(failure.DeviceUnavailable, "find window", err)
	}
	r.log.Info("target window", "process", r.sel.process, "window", w.ID, "title", w.Title, "monitor", w.Monitor)
	t.Window = w.ID
	t.Monitor = w.Monitor
	return t, nil
}

func videoTrackName(t capture.Target) string {
	if t.Window != 0 {
		return "window"
	}
	return "screen"
}

// watch tears the session down if the pipeline fails on its own.
func (r *Recorder) watch(s *session) {
	select {
	case <-s.stopped:
		return
	case <-s.pipeline.Done():
	}
	err := s.pipeline.Err()
	if err == nil {
		return
	}

	r.op.Lock()
	r.mu.Lock()
	current := r.sess == s && r.state == Recording
	r.mu.Unlock()
	if !current {
		r.op.Unlock()
		return
	}
	r.setState(Stopping)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	_ = s.pipeline.Stop(ctx)
	cancel()
	if rerr := s.release(); rerr != nil {
		s.log.Warn("release after failure", "error", rerr)
	}
	r.finish(s)
	r.mu.Lock()
	r.err = err
	hooks := append([]func(error){}, r.onFailure...)
	r.mu.Unlock()
	r.setState(Error)
	r.op.Unlock()

	s.log.Error("recording failed", "error", err)
	for _, fn := range hooks {
		fn(err)
	}
}

// Stop drains and finalizes the recording and releases every device. It is
// a no-op unless the recorder is recording.
func (r *Recorder) Stop(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	s := r.sess
	state := r.state
	r.mu.Unlock()
	if state != Recording || s == nil {
		return nil
	}

	r.setState(Stopping)
	close(s.stopped)

	var result *multierror.Error
	if err := s.pipeline.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.release(); err != nil {
		result = multierror.Append(result, err)
	}
	r.finish(s)
	r.setState(Stopped)

	err := result.ErrorOrNil()
	if err != nil {
		s.log.Warn("stopped with errors", "error", err)
	} else {
		s.log.Info("stopped", "duration", time.Since(s.startedAt).Round(time.Millisecond))
	}
	return err
}

// finish records the final statistics and detaches the session.
func (r *Recorder) finish(s *session) {
	st := s.stats()
	r.mu.Lock()
	r.lastStats = st
	r.sess = nil
	r.mu.Unlock()
}

// SaveReplay starts writing the replay buffer to path. It needs a recording
// with the replay buffer enabled; otherwise it fails with InvalidState.
// Write failures are reported by the returned job only.
func (r *Recorder) SaveReplay(path string) (*replay.Job, error) {
	// Holding op keeps Stop from releasing the saver between the state
	// check and Save.
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	s, state := r.sess, r.state
	r.mu.Unlock()
	if state != Recording || s == nil {
		return nil, failure.Newf(failure.InvalidState, "save replay", "recorder is %s", state)
	}
	if s.ring == nil {
		return nil, failure.Newf(failure.InvalidState, "save replay", "replay buffer not enabled")
	}
	job, err := s.saver.Save(s.ring.Snapshot(), path)
	if err != nil {
		if errors.Is(err, replay.ErrEmpty) {
			r.metrics.Saved(err)
		}
		return nil, err
	}
	return job, nil
}

// SaveReplayAndWait saves the replay buffer and waits for the file.
func (r *Recorder) SaveReplayAndWait(ctx context.Context, path string) (replay.Result, error) {
	job, err := r.SaveReplay(path)
	if err != nil {
		return replay.Result{}, err
	}
	return job.Wait(ctx)
}

// Stats returns the current session's statistics, or the last session's
// once it has ended.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	s, state, last := r.sess, r.state, r.lastStats
	r.mu.Unlock()
	if s == nil {
		last.State = state
		return last
	}
	st := s.stats()
	st.State = state
	return st
}
