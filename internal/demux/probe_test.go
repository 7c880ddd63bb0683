package demux

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/media"
)

func writeTestStream(t *testing.T, seconds int, withVideo bool) []byte {
	t.Helper()

	var streams []mpegts.StreamConfig
	if withVideo {
		streams = append(streams, mpegts.StreamConfig{PID: mpegts.PIDVideo, StreamType: mpegts.StreamTypeH264})
	}
	streams = append(streams, mpegts.StreamConfig{PID: mpegts.PIDAudioBase, StreamType: mpegts.StreamTypeAAC})

	var buf bytes.Buffer
	w, err := mpegts.NewWriter(&buf, streams)
	require.NoError(t, err)

	frameDur := time.Second / 30
	audioDur := 1024 * time.Second / 48000
	var nextAudio time.Duration
	for i := 0; i < seconds*30; i++ {
		pts := time.Duration(i) * frameDur
		for nextAudio <= pts {
			require.NoError(t, w.WritePES(mpegts.PIDAudioBase, mpegts.ToClock(nextAudio), true, adtsFrame([]byte{0x21, 0x10})))
			nextAudio += audioDur
		}
		if !withVideo {
			continue
		}
		key := i%30 == 0
		au := concat(h264AUD, h264P)
		if key {
			au = concat(h264AUD, h264SPS, h264PPS, h264IDR)
		}
		require.NoError(t, w.WritePES(mpegts.PIDVideo, mpegts.ToClock(pts), key, au))
	}
	return buf.Bytes()
}

func TestProbeVideoAndAudio(t *testing.T) {
	t.Parallel()

	data := writeTestStream(t, 2, true)
	rep, err := Probe(context.Background(), bytes.NewReader(data), nil)
	require.NoError(t, err)

	require.Len(t, rep.Tracks, 2)
	assert.Equal(t, media.CodecH264, rep.Tracks[0].Codec)
	assert.Equal(t, media.CodecAAC, rep.Tracks[1].Codec)
	assert.Equal(t, 60, rep.VideoPackets)
	assert.Equal(t, 2, rep.Keyframes)
	assert.True(t, rep.StartsOnKey)
	assert.True(t, rep.HasParamSets)
	require.Len(t, rep.AudioPackets, 1)
	assert.Greater(t, rep.AudioPackets[0], 90)
	assert.InDelta(t, 2*time.Second, rep.Duration, float64(2*time.Millisecond))
}

func TestProbeAudioOnly(t *testing.T) {
	t.Parallel()

	data := writeTestStream(t, 1, false)
	rep, err := Probe(context.Background(), bytes.NewReader(data), nil)
	require.NoError(t, err)

	assert.Zero(t, rep.VideoPackets)
	require.Len(t, rep.Tracks, 1)
	assert.InDelta(t, time.Second, rep.Duration, float64(25*time.Millisecond))
}

func TestProbeEmpty(t *testing.T) {
	t.Parallel()

	rep, err := Probe(context.Background(), bytes.NewReader(nil), nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Duration)
	assert.Empty(t, rep.Tracks)
}
