package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/media"
)

type fakeBackend struct {
	devices []DeviceInfo
	openErr error

	mu     sync.Mutex
	opened []DeviceConfig
	dev    *fakeDevice
}

func (b *fakeBackend) Devices() ([]DeviceInfo, error) { return b.devices, nil }

func (b *fakeBackend) Open(cfg DeviceConfig, onData func([]byte)) (Device, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, cfg)
	b.dev = &fakeDevice{onData: onData}
	return b.dev, nil
}

type fakeDevice struct {
	onData func([]byte)

	mu      sync.Mutex
	started int
	stopped int
	closed  int
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started++
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func pcm(frames, channels int, v int16) []byte {
	b := make([]byte, frames*channels*2)
	for i := 0; i < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(v))
	}
	return b
}

func sample(b []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(b[2*i:]))
}

var mics = []DeviceInfo{
	{ID: "0a", Name: "Built-in Audio Analog Stereo", Default: true},
	{ID: "0b", Name: "USB Condenser Microphone"},
}

func TestSourceSampleClock(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	epoch := time.Unix(100, 0)
	now := epoch
	s := NewSource(SourceConfig{Kind: KindDesktop, Track: 1, Now: func() time.Time { return now }}, b, nil)
	require.NoError(t, s.Open())
	assert.Equal(t, epoch, s.Epoch())

	q := queue.New[*media.Unit](queue.Options{Capacity: 16})
	require.NoError(t, s.Start(context.Background(), q))

	now = epoch.Add(40 * time.Millisecond)
	for i := 0; i < 3; i++ {
		// Wall clock jitter must not move the sample clock.
		now = now.Add(7 * time.Millisecond)
		b.dev.onData(pcm(480, 2, 100))
	}
	require.NoError(t, s.Stop())

	var units []*media.Unit
	for u := range q.C() {
		units = append(units, u)
	}
	require.Len(t, units, 3)
	for i, u := range units {
		assert.Equal(t, 1, u.Track)
		assert.Equal(t, "desktop", u.Audio.Source)
		assert.Equal(t, 47*time.Millisecond+time.Duration(i)*10*time.Millisecond, u.Audio.PTS)
		assert.Equal(t, 480, u.Audio.SampleFrames())
	}
	assert.EqualValues(t, 1440, s.Stats().Frames)
}

func TestSourceCopiesAndAppliesGain(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	s := NewSource(SourceConfig{Kind: KindMicrophone, Gain: 2}, b, nil)
	require.NoError(t, s.Open())

	q := queue.New[*media.Unit](queue.Options{Capacity: 4})
	require.NoError(t, s.Start(context.Background(), q))

	buf := pcm(2, 2, 1000)
	binary.LittleEndian.PutUint16(buf[4:], uint16(30000))
	binary.LittleEndian.PutUint16(buf[6:], 0x8000+100) // -32668
	b.dev.onData(buf)
	buf[0] = 0xFF

	u, ok := q.Pop(context.Background())
	require.True(t, ok)
	got := u.Audio.Samples
	assert.EqualValues(t, 2000, sample(got, 0), "callback buffer is copied before reuse")
	assert.EqualValues(t, 2000, sample(got, 1))
	assert.EqualValues(t, 32767, sample(got, 2), "clipped high")
	assert.EqualValues(t, -32768, sample(got, 3), "clipped low")
	assert.Equal(t, 2.0, u.Audio.Gain)
	require.NoError(t, s.Stop())
}

func TestSourceDeviceSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sel    string
		wantID string
		err    bool
	}{
		{"default", "", "", false},
		{"by id", "0b", "0b", false},
		{"by name fragment", "condenser", "0b", false},
		{"missing", "Yeti", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := &fakeBackend{devices: mics}
			s := NewSource(SourceConfig{Kind: KindMicrophone, Device: tt.sel}, b, nil)
			err := s.Open()
			if tt.err {
				assert.True(t, errors.Is(err, failure.ErrDeviceUnavailable), "got %v", err)
				assert.Empty(t, b.opened, "no device opened for a missing selector")
				return
			}
			require.NoError(t, err)
			require.Len(t, b.opened, 1)
			assert.Equal(t, tt.wantID, b.opened[0].DeviceID)
			assert.Equal(t, KindMicrophone, b.opened[0].Kind)
			assert.Equal(t, DefaultSampleRate, b.opened[0].SampleRate)
			require.NoError(t, s.Stop())
		})
	}
}

func TestSourceOpenFailure(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{openErr: ErrNoLoopback}
	s := NewSource(SourceConfig{Kind: KindDesktop}, b, nil)
	err := s.Open()
	assert.True(t, failure.Is(err, failure.DeviceUnavailable))
	assert.True(t, errors.Is(err, ErrNoLoopback))

	err = s.Start(context.Background(), queue.New[*media.Unit](queue.Options{}))
	assert.True(t, errors.Is(err, failure.ErrInvalidState))
	assert.NoError(t, s.Stop())
}

func TestSourceStopIdempotent(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	s := NewSource(SourceConfig{}, b, nil)
	require.NoError(t, s.Open())
	q := queue.New[*media.Unit](queue.Options{Capacity: 4})
	require.NoError(t, s.Start(context.Background(), q))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	b.dev.onData(pcm(10, 2, 1))

	assert.Equal(t, 1, b.dev.started)
	assert.Equal(t, 1, b.dev.stopped)
	assert.Equal(t, 1, b.dev.closed)
	assert.Empty(t, q.Drain(), "data after stop is ignored")
}

func TestMatchAndParseKind(t *testing.T) {
	t.Parallel()

	_, ok := Match(mics[1:], "")
	assert.False(t, ok, "no default flagged")

	d, ok := Match(mics, "BUILT-IN")
	require.True(t, ok)
	assert.Equal(t, "0a", d.ID)

	k, err := ParseKind("Mic")
	require.NoError(t, err)
	assert.Equal(t, KindMicrophone, k)
	_, err = ParseKind("speaker")
	assert.Error(t, err)
}
