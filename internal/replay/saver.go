package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/muxer"
	"github.com/zsiec/reel/media"
)

// ErrEmpty is returned by Save when the snapshot has nothing playable.
var ErrEmpty = errors.New("replay buffer empty")

// Result describes a completed save.
type Result struct {
	Path     string
	Duration time.Duration
	Bytes    int64
	Segments int
	Packets  int
}

// Job is a save running in the background.
type Job struct {
	path string
	done chan struct{}
	res  Result
	err  error
}

// Path returns the destination file.
func (j *Job) Path() string {
	return j.path
}

// Done is closed when the save has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the save finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.res, j.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Saver writes ring snapshots to standalone transport stream files.
type Saver struct {
	log    *slog.Logger
	layout muxer.Layout

	wg         sync.WaitGroup
	mu         sync.Mutex
	onComplete []func(Result, error)
}

// NewSaver creates a Saver for recordings with the given stream layout. If
// log is nil, slog.Default() is used.
func NewSaver(layout muxer.Layout, log *slog.Logger) *Saver {
	if log == nil {
		log = slog.Default()
	}
	return &Saver{
		log:    log.With("component", "replay-saver"),
		layout: layout,
	}
}

// OnComplete registers fn to run after every save, successful or not.
func (s *Saver) OnComplete(fn func(Result, error)) {
	s.mu.Lock()
	s.onComplete = append(s.onComplete, fn)
	s.mu.Unlock()
}

// Save starts writing snap to path and returns immediately. An empty
// snapshot fails synchronously with an InvalidState error; write failures
// are reported by the Job.
func (s *Saver) Save(snap Snapshot, path string) (*Job, error) {
	if path == "" {
		return nil, failure.Newf(failure.InvalidConfig, "save replay", "empty path")
	}
	packets := s.prepare(snap)
	if len(packets) == 0 {
		return nil, failure.New(failure.InvalidState, "save replay", ErrEmpty)
	}

	job := &Job{path: path, done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(job.done)

		start := time.Now()
		res, err := s.write(packets, path)
		res.Segments = len(snap.Segments)
		job.res, job.err = res, err
		if err != nil {
			s.log.Error("replay save failed", "path", path, "error", err)
		} else {
			s.log.Info("replay saved",
				"path", path,
				"duration", res.Duration.Round(time.Millisecond),
				"size", humanize.Bytes(uint64(res.Bytes)),
				"segments", res.Segments,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
		}

		s.mu.Lock()
		hooks := append([]func(Result, error){}, s.onComplete...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn(res, err)
		}
	}()
	return job, nil
}

// Wait blocks until every started save has finished.
func (s *Saver) Wait() {
	s.wg.Wait()
}

// prepare flattens the snapshot into timestamp order and rebases it so the
// file starts at zero on a keyframe. Packets are copied; the ring's are
// left untouched.
func (s *Saver) prepare(snap Snapshot) []*media.Packet {
	var all []*media.Packet
	for _, seg := range snap.Segments {
		all = append(all, seg.Packets...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].PTS != all[j].PTS {
			return all[i].PTS < all[j].PTS
		}
		return all[i].Kind == media.KindVideo && all[j].Kind != media.KindVideo
	})

	first := -1
	for i, p := range all {
		if s.layout.Video == "" || (p.Kind == media.KindVideo && p.Keyframe) {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	base := all[first].PTS
	out := make([]*media.Packet, 0, len(all)-first)
	for i, p := range all {
		if p.PTS < base {
			continue
		}
		c := p.Clone()
		c.PTS -= base
		if i == first && c.Kind == media.KindVideo && len(snap.Segments) > 0 {
			c.Data = demux.InjectParameterSets(c.Codec, c.Data, snap.Segments[0].ParamSets)
		}
		out = append(out, c)
	}
	return out
}

// write muxes packets into a temporary file beside path and renames it into
// place, so a failed save never leaves a partial file at path.
func (s *Saver) write(packets []*media.Packet, path string) (res Result, err error) {
	res.Path = path
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return res, failure.New(failure.WriteIOError, "save replay", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err == nil {
			return
		}
		var result *multierror.Error
		result = multierror.Append(result, err)
		if rerr := os.Remove(tmpName); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			result = multierror.Append(result, rerr)
		}
		err = failure.New(failure.WriteIOError, "save replay", result.ErrorOrNil())
	}()

	m, err := muxer.New(tmp, muxer.Options{Layout: s.layout, Log: s.log, FlushInterval: time.Hour})
	if err != nil {
		tmp.Close()
		return res, err
	}
	for _, p := range packets {
		if err = m.Write(p); err != nil {
			m.Finalize()
			return res, err
		}
	}
	if err = m.Finalize(); err != nil {
		return res, err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return res, fmt.Errorf("rename: %w", err)
	}

	st := m.Stats()
	res.Duration = st.Duration()
	res.Bytes = st.Bytes
	res.Packets = int(st.Packets)
	return res, nil
}
