package mpegts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	tables  [][]Stream
	pes     []*PES
	skipped int
}

func (r readResult) onPID(pid uint16) []*PES {
	var out []*PES
	for _, p := range r.pes {
		if p.PID == pid {
			out = append(out, p)
		}
	}
	return out
}

func readAll(t *testing.T, data []byte) readResult {
	t.Helper()

	rd := NewReader(bytes.NewReader(data))
	var res readResult
	for {
		ev, err := rd.Next(context.Background())
		if errors.Is(err, io.EOF) {
			res.skipped = rd.Skipped()
			return res
		}
		require.NoError(t, err)
		if ev.Streams != nil {
			res.tables = append(res.tables, ev.Streams)
			continue
		}
		res.pes = append(res.pes, ev.PES)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, []StreamConfig{
		{PID: PIDVideo, StreamType: StreamTypeH264},
		{PID: PIDAudioBase, StreamType: StreamTypeAAC},
	}, WriterOptPTSOffset(0))
	require.NoError(t, err)
	assert.Equal(t, PIDVideo, w.PCRPID())

	idr := append([]byte{0x00, 0x00, 0x00, 0x01, 0x65}, bytes.Repeat([]byte{0xAB}, 1000)...)
	delta := []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x01}
	adts := []byte{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x7F, 0xFC, 0x21}

	require.NoError(t, w.WritePES(PIDVideo, 0, true, idr))
	require.NoError(t, w.WritePES(PIDAudioBase, 1920, true, adts))
	require.NoError(t, w.WritePES(PIDVideo, 3000, false, delta))

	require.Zero(t, buf.Len()%packetSize, "output is whole packets")
	assert.EqualValues(t, buf.Len(), w.BytesWritten())

	res := readAll(t, buf.Bytes())
	require.Len(t, res.tables, 1)
	assert.Equal(t, []Stream{
		{PID: PIDVideo, StreamType: StreamTypeH264},
		{PID: PIDAudioBase, StreamType: StreamTypeAAC},
	}, res.tables[0])
	assert.Zero(t, res.skipped)

	video, audio := res.onPID(PIDVideo), res.onPID(PIDAudioBase)
	require.Len(t, video, 2)
	require.Len(t, audio, 1)

	assert.Equal(t, idr, video[0].Data)
	assert.True(t, video[0].RandomAccess, "keyframe sets random access")
	assert.False(t, video[1].RandomAccess)
	assert.Zero(t, video[0].PCR)
	assert.EqualValues(t, 0xE0, video[0].StreamID)
	assert.EqualValues(t, 3000, video[1].PTS)
	assert.Equal(t, delta, video[1].Data)

	assert.True(t, audio[0].HasPTS)
	assert.EqualValues(t, 1920, audio[0].PTS)
	assert.EqualValues(t, 0xC0, audio[0].StreamID)
	assert.EqualValues(t, -1, audio[0].PCR, "PCR rides on video when present")
	assert.Equal(t, adts, audio[0].Data)
}

func TestWriterPTSOffsetAndWrap(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, []StreamConfig{{PID: PIDAudioBase, StreamType: StreamTypeAAC}})
	require.NoError(t, err)
	assert.Equal(t, PIDAudioBase, w.PCRPID(), "audio carries PCR without video")
	require.NoError(t, w.WritePES(PIDAudioBase, ptsMask, true, []byte{0x01}))

	res := readAll(t, buf.Bytes())
	require.Len(t, res.pes, 1)
	assert.EqualValues(t, (ptsMask+defaultPTSOffset)&ptsMask, res.pes[0].PTS)
	assert.EqualValues(t, ptsMask, res.pes[0].PCR)
}

func TestWriterTablesBeforeKeyframes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, []StreamConfig{{PID: PIDVideo, StreamType: StreamTypeHEVC}})
	require.NoError(t, err)
	for i := int64(0); i < 6; i++ {
		require.NoError(t, w.WritePES(PIDVideo, i*ClockHz, i%3 == 0, []byte{0x00, 0x00, 0x01, 0x26, 0x01}))
	}

	res := readAll(t, buf.Bytes())
	assert.Len(t, res.tables, 2, "one table pair per keyframe")
	assert.Len(t, res.pes, 6)
}

func TestWriterContinuityCounters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, []StreamConfig{{PID: PIDVideo, StreamType: StreamTypeH264}})
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x11}, 5000)
	for i := int64(0); i < 3; i++ {
		require.NoError(t, w.WritePES(PIDVideo, i*3000, i == 0, payload))
	}

	data := buf.Bytes()
	last := -1
	for off := 0; off < len(data); off += packetSize {
		pkt := data[off : off+packetSize]
		require.EqualValues(t, syncByte, pkt[0], "packet at %d", off)
		if binary.BigEndian.Uint16(pkt[1:])&0x1FFF != PIDVideo {
			continue
		}
		cc := int(pkt[3] & 0x0F)
		if last >= 0 {
			require.Equal(t, (last+1)&0x0F, cc, "continuity at offset %d", off)
		}
		last = cc
	}
}

func TestWriterErrors(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(io.Discard, nil)
	assert.Error(t, err, "empty stream list")
	_, err = NewWriter(io.Discard, []StreamConfig{
		{PID: PIDVideo, StreamType: StreamTypeH264},
		{PID: PIDVideo, StreamType: StreamTypeAAC},
	})
	assert.Error(t, err, "duplicate PID")
	_, err = NewWriter(io.Discard, []StreamConfig{{PID: PIDVideo, StreamType: 0x06}})
	assert.Error(t, err, "unsupported stream type")
	_, err = NewWriter(io.Discard, []StreamConfig{{PID: PIDPMT, StreamType: StreamTypeH264}})
	assert.Error(t, err, "PID clashes with the PMT")

	w, err := NewWriter(io.Discard, []StreamConfig{{PID: PIDVideo, StreamType: StreamTypeH264}})
	require.NoError(t, err)
	assert.ErrorIs(t, w.WritePES(0x1FF0, 0, false, nil), ErrUnknownPID)
}

func TestClockConversion(t *testing.T) {
	t.Parallel()

	assert.EqualValues(t, ClockHz, ToClock(time.Second))
	assert.Equal(t, 500*time.Millisecond, FromClock(45000))
	assert.Equal(t, 40*time.Millisecond, FromClock(ToClock(40*time.Millisecond)))
}
