package muxer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/mediatest"
	"github.com/zsiec/reel/media"
)

type bufferSink struct {
	bytes.Buffer
	closed int
	err    error
}

func (b *bufferSink) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	return b.Buffer.Write(p)
}

func (b *bufferSink) Close() error {
	b.closed++
	return nil
}

func TestInterleaverOrder(t *testing.T) {
	t.Parallel()

	il := interleaver{delay: 100 * time.Millisecond}
	il.push(mediatest.AudioPacket(0, 40*time.Millisecond))
	il.push(mediatest.VideoPacket(0, true, 30))
	il.push(mediatest.AudioPacket(0, 0))

	_, ok := il.ready()
	assert.False(t, ok, "nothing is past the window yet")

	il.push(mediatest.VideoPacket(120*time.Millisecond, false, 30))
	p, ok := il.ready()
	require.True(t, ok)
	assert.Equal(t, media.KindVideo, p.Kind, "video wins PTS ties")
	p, ok = il.ready()
	require.True(t, ok)
	assert.Equal(t, media.KindAudio, p.Kind)
	assert.Zero(t, p.PTS)

	rest := il.drain()
	require.Len(t, rest, 2)
	assert.Equal(t, 40*time.Millisecond, rest[0].PTS)
	assert.Zero(t, il.len())
}

func TestMuxerRoundTrip(t *testing.T) {
	t.Parallel()

	sink := &bufferSink{}
	m, err := New(sink, Options{
		Layout:          Layout{Video: media.CodecH264, AudioTracks: 2},
		InterleaveDelay: DefaultInterleaveDelay,
	})
	require.NoError(t, err)

	seq := mediatest.Sequence{Length: 2 * time.Second, FPS: 30, GOP: 30, AudioTracks: 2}
	for _, p := range seq.Packets() {
		require.NoError(t, m.Write(p))
	}
	require.NoError(t, m.Finalize())
	assert.Equal(t, 1, sink.closed)

	rep, err := demux.Probe(context.Background(), bytes.NewReader(sink.Bytes()), nil)
	require.NoError(t, err)
	require.Len(t, rep.Tracks, 3)
	assert.Equal(t, 60, rep.VideoPackets)
	assert.Equal(t, 2, rep.Keyframes)
	require.Len(t, rep.AudioPackets, 2)
	assert.Equal(t, rep.AudioPackets[0], rep.AudioPackets[1])
	assert.InDelta(t, 2*time.Second, rep.Duration, float64(2*time.Millisecond))

	st := m.Stats()
	assert.Zero(t, st.Late)
	assert.Positive(t, st.Bytes)
}

func TestMuxerClampsNonIncreasingTimestamps(t *testing.T) {
	t.Parallel()

	m, err := New(&bufferSink{}, Options{Layout: Layout{AudioTracks: 1}})
	require.NoError(t, err)

	require.NoError(t, m.Write(mediatest.AudioPacket(0, 100*time.Millisecond)))
	require.NoError(t, m.Write(mediatest.AudioPacket(0, 100*time.Millisecond)))
	require.NoError(t, m.Write(mediatest.AudioPacket(0, 50*time.Millisecond)))

	st := m.Stats()
	assert.EqualValues(t, 3, st.Packets)
	assert.EqualValues(t, 2, st.Late)
	assert.Greater(t, st.LastPTS, 100*time.Millisecond)
	require.NoError(t, m.Finalize())
}

func TestMuxerFinalizeIdempotent(t *testing.T) {
	t.Parallel()

	sink := &bufferSink{}
	m, err := New(sink, Options{Layout: Layout{Video: media.CodecH264}, InterleaveDelay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, m.Write(mediatest.VideoPacket(0, true, 30)))
	assert.Equal(t, 1, m.Pending())

	require.NoError(t, m.Finalize())
	require.NoError(t, m.Finalize())
	assert.Equal(t, 1, sink.closed)
	assert.Zero(t, m.Pending(), "finalize drains held packets")
	assert.ErrorIs(t, m.Write(mediatest.VideoPacket(time.Second, false, 30)), ErrFinalized)
}

func TestMuxerWriteFailureIsWriteIOError(t *testing.T) {
	t.Parallel()

	sink := &bufferSink{err: errors.New("disk full")}
	m, err := New(sink, Options{Layout: Layout{Video: media.CodecH264}})
	require.NoError(t, err)

	require.NoError(t, m.Write(mediatest.VideoPacket(0, true, 30)), "buffered write succeeds")
	err = m.Finalize()
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.WriteIOError))
	assert.Equal(t, err, m.Finalize())
}

func TestMuxerFlushInterval(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	sink := &bufferSink{}
	m, err := New(sink, Options{
		Layout:        Layout{AudioTracks: 1},
		FlushInterval: time.Second,
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)

	require.NoError(t, m.Write(mediatest.AudioPacket(0, 0)))
	assert.Zero(t, sink.Len(), "output stays buffered inside the flush interval")

	now = now.Add(time.Second)
	require.NoError(t, m.Write(mediatest.AudioPacket(0, mediatest.AudioFrameDuration)))
	assert.Positive(t, sink.Len())
	require.NoError(t, m.Finalize())
}

func TestEmptyLayoutRejected(t *testing.T) {
	t.Parallel()

	_, err := New(&bufferSink{}, Options{})
	assert.True(t, failure.Is(err, failure.InvalidConfig))
}

type recordingSink struct {
	n        int
	err      error
	finalize int
}

func (r *recordingSink) Write(*media.Packet) error { r.n++; return r.err }
func (r *recordingSink) Finalize() error           { r.finalize++; return r.err }

func TestTeeDeliversToAllSinks(t *testing.T) {
	t.Parallel()

	a := &recordingSink{}
	b := &recordingSink{err: errors.New("boom")}
	c := &recordingSink{}
	tee := Tee{a, b, c}

	err := tee.Write(mediatest.AudioPacket(0, 0))
	require.Error(t, err)
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, c.n, "a failing sink does not starve later sinks")

	require.Error(t, tee.Finalize())
	assert.Equal(t, 1, a.finalize)
	assert.Equal(t, 1, c.finalize)
}

func TestReordererRestoresOrder(t *testing.T) {
	t.Parallel()

	var got []*media.Packet
	sink := &funcSink{write: func(p *media.Packet) error { got = append(got, p); return nil }}
	r := NewReorderer(sink, 100*time.Millisecond)

	// Video arrives late relative to audio, as it does from a slower encoder.
	require.NoError(t, r.Write(mediatest.AudioPacket(0, 0)))
	require.NoError(t, r.Write(mediatest.AudioPacket(0, 64*time.Millisecond)))
	require.NoError(t, r.Write(mediatest.VideoPacket(33*time.Millisecond, false, 30)))
	require.NoError(t, r.Write(mediatest.AudioPacket(0, 128*time.Millisecond)))
	assert.Len(t, got, 1)
	assert.Equal(t, 3, r.Pending())

	require.NoError(t, r.Finalize())
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].PTS, got[i].PTS)
	}
	assert.Equal(t, 1, sink.finalized)
}

type funcSink struct {
	write     func(*media.Packet) error
	finalized int
}

func (f *funcSink) Write(p *media.Packet) error { return f.write(p) }
func (f *funcSink) Finalize() error             { f.finalized++; return nil }
