package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/media"
)

type fakeGrabber struct {
	w, h int

	mu     sync.Mutex
	errs   []error
	grabs  int
	closes int
	cursor *image.Point
}

func (g *fakeGrabber) Size() (int, int) { return g.w, g.h }

func (g *fakeGrabber) Grab() (*image.RGBA, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grabs++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return image.NewRGBA(image.Rect(0, 0, g.w, g.h)), nil
}

func (g *fakeGrabber) Pointer() (image.Point, error) {
	if g.cursor == nil {
		return image.Point{}, errors.New("no pointer")
	}
	return *g.cursor, nil
}

func (g *fakeGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	return nil
}

func (g *fakeGrabber) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closes
}

func openFake(g *fakeGrabber) GrabberFunc {
	return func(Target) (Grabber, error) { return g, nil }
}

func fastConfig() VideoConfig {
	return VideoConfig{
		FPS:          media.Rational{Num: 200, Den: 1},
		Track:        0,
		RetryBackoff: time.Millisecond,
	}
}

func collect(t *testing.T, q *queue.Queue[*media.Unit], n int) []*media.Unit {
	t.Helper()
	var out []*media.Unit
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case u, ok := <-q.C():
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatalf("timed out after %d of %d frames", len(out), n)
		}
	}
	return out
}

func TestVideoSourceFrames(t *testing.T) {
	t.Parallel()

	g := &fakeGrabber{w: 64, h: 48}
	cfg := fastConfig()
	cfg.Track = 3
	s := NewVideoSource(cfg, openFake(g), nil)
	require.NoError(t, s.Open())

	w, h := s.Size()
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)

	q := queue.New[*media.Unit](queue.Options{Capacity: 64})
	require.NoError(t, s.Start(context.Background(), q))

	frames := collect(t, q, 10)
	require.Len(t, frames, 10)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	last := time.Duration(-1)
	for _, u := range frames {
		require.NotNil(t, u.Frame)
		assert.Equal(t, 3, u.Track)
		assert.Equal(t, "screen", u.Frame.Source)
		assert.Greater(t, u.Frame.PTS, last, "timestamps must strictly increase")
		last = u.Frame.PTS
	}

	assert.Equal(t, 1, g.closeCount(), "grabber released exactly once")
	assert.NoError(t, s.Err())
	assert.GreaterOrEqual(t, s.Stats().Captured, int64(10))

	q.Drain()
	_, ok := <-q.C()
	assert.False(t, ok, "queue closed after stop")
}

func TestVideoSourceStrictTimestampsOnFrozenClock(t *testing.T) {
	t.Parallel()

	g := &fakeGrabber{w: 8, h: 8}
	cfg := fastConfig()
	fixed := time.Unix(1000, 0)
	cfg.Now = func() time.Time { return fixed }
	s := NewVideoSource(cfg, openFake(g), nil)
	require.NoError(t, s.Open())

	q := queue.New[*media.Unit](queue.Options{Capacity: 16})
	require.NoError(t, s.Start(context.Background(), q))
	frames := collect(t, q, 5)
	require.NoError(t, s.Stop())

	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Frame.PTS, frames[i-1].Frame.PTS)
	}
}

func TestVideoSourceTargetGone(t *testing.T) {
	t.Parallel()

	g := &fakeGrabber{w: 8, h: 8, errs: []error{nil, nil, ErrTargetGone}}
	s := NewVideoSource(fastConfig(), openFake(g), nil)
	require.NoError(t, s.Open())

	q := queue.New[*media.Unit](queue.Options{Capacity: 16})
	require.NoError(t, s.Start(context.Background(), q))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop after target loss")
	}
	assert.True(t, errors.Is(s.Err(), failure.ErrCaptureSourceLost))
	assert.Len(t, q.Drain(), 2)
	require.NoError(t, s.Stop())
}

func TestVideoSourceRetries(t *testing.T) {
	t.Parallel()

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()
		transient := errors.New("busy")
		g := &fakeGrabber{w: 8, h: 8, errs: []error{transient, transient, transient}}
		s := NewVideoSource(fastConfig(), openFake(g), nil)
		require.NoError(t, s.Open())

		q := queue.New[*media.Unit](queue.Options{Capacity: 16})
		require.NoError(t, s.Start(context.Background(), q))
		frames := collect(t, q, 2)
		require.NoError(t, s.Stop())

		assert.Len(t, frames, 2)
		assert.NoError(t, s.Err())
		assert.EqualValues(t, 3, s.Stats().GrabFails)
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()
		transient := errors.New("busy")
		cfg := fastConfig()
		cfg.MaxGrabRetries = 2
		g := &fakeGrabber{w: 8, h: 8, errs: []error{transient, transient, transient}}
		s := NewVideoSource(cfg, openFake(g), nil)
		require.NoError(t, s.Open())

		q := queue.New[*media.Unit](queue.Options{Capacity: 16})
		require.NoError(t, s.Start(context.Background(), q))
		<-s.Done()

		err := s.Err()
		assert.True(t, failure.Is(err, failure.CaptureSourceLost), "got %v", err)
		assert.Empty(t, q.Drain())
		require.NoError(t, s.Stop())
	})
}

func TestVideoSourceLifecycleErrors(t *testing.T) {
	t.Parallel()

	s := NewVideoSource(fastConfig(), func(Target) (Grabber, error) {
		return nil, errors.New("no display")
	}, nil)
	err := s.Open()
	assert.True(t, errors.Is(err, failure.ErrDeviceUnavailable), "got %v", err)

	q := queue.New[*media.Unit](queue.Options{Capacity: 1})
	err = s.Start(context.Background(), q)
	assert.True(t, errors.Is(err, failure.ErrInvalidState), "got %v", err)
	assert.NoError(t, s.Stop(), "stop before start is a no-op")

	empty := NewVideoSource(fastConfig(), openFake(&fakeGrabber{}), nil)
	assert.True(t, errors.Is(empty.Open(), failure.ErrDeviceUnavailable))
}

func TestVideoSourceCancel(t *testing.T) {
	t.Parallel()

	g := &fakeGrabber{w: 8, h: 8}
	s := NewVideoSource(fastConfig(), openFake(g), nil)
	require.NoError(t, s.Open())

	ctx, cancel := context.WithCancel(context.Background())
	q := queue.New[*media.Unit](queue.Options{Capacity: 4, Policy: queue.DropOldest})
	require.NoError(t, s.Start(ctx, q))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not end the capture loop")
	}
	require.NoError(t, s.Stop())
	assert.Equal(t, 1, g.closeCount())
}

func TestCursorOverlay(t *testing.T) {
	t.Parallel()

	p := image.Pt(10, 12)
	g := &fakeGrabber{w: 32, h: 32, cursor: &p}
	cfg := fastConfig()
	cfg.Target.Cursor = true
	s := NewVideoSource(cfg, openFake(g), nil)
	require.NoError(t, s.Open())

	q := queue.New[*media.Unit](queue.Options{Capacity: 4})
	require.NoError(t, s.Start(context.Background(), q))
	frames := collect(t, q, 1)
	require.NoError(t, s.Stop())

	img := frames[0].Frame.Image
	assert.Equal(t, cursorFill, img.RGBAAt(10, 12))
	assert.Equal(t, cursorOutline, img.RGBAAt(10+cursorArm, 11))
	assert.Zero(t, img.RGBAAt(30, 30).A, "pixels away from the cursor untouched")
}

func TestDrawCursorClips(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	assert.NotPanics(t, func() { drawCursor(img, image.Pt(-3, 100)) })
	drawCursor(img, image.Pt(0, 0))
	assert.Equal(t, cursorFill, img.RGBAAt(0, 0))
}
