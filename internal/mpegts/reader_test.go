package mpegts

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStream(t *testing.T, streams []StreamConfig, write func(w *Writer)) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, streams, WriterOptPTSOffset(0))
	require.NoError(t, err)
	write(w)
	return buf.Bytes()
}

func withoutPacket(data []byte, i int) []byte {
	out := append([]byte(nil), data[:i*packetSize]...)
	return append(out, data[(i+1)*packetSize:]...)
}

var avStreams = []StreamConfig{
	{PID: PIDVideo, StreamType: StreamTypeH264},
	{PID: PIDAudioBase, StreamType: StreamTypeAAC},
}

func TestReaderPayloadSizes(t *testing.T) {
	t.Parallel()

	// Sizes straddle the first packet's room, a full packet and several.
	for _, n := range []int{1, 161, 162, 170, 184, 368, 5000, 70000} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		data := writeStream(t, avStreams, func(w *Writer) {
			require.NoError(t, w.WritePES(PIDVideo, 0, true, payload))
			require.NoError(t, w.WritePES(PIDAudioBase, 90, true, payload))
			require.NoError(t, w.WritePES(PIDVideo, 3000, false, payload))
		})

		res := readAll(t, data)
		assert.Zero(t, res.skipped, "size %d", n)
		video, audio := res.onPID(PIDVideo), res.onPID(PIDAudioBase)
		require.Len(t, video, 2, "size %d", n)
		require.Len(t, audio, 1, "size %d", n)
		assert.Equal(t, payload, video[0].Data, "video size %d", n)
		assert.Equal(t, payload, video[1].Data, "trailing video size %d", n)
		assert.Equal(t, payload, audio[0].Data, "audio size %d", n)
	}
}

func TestReaderDropsPESOnContinuityGap(t *testing.T) {
	t.Parallel()

	big := bytes.Repeat([]byte{0x5A}, 1000)
	next := []byte{0x00, 0x00, 0x01, 0x41, 0x02}
	data := writeStream(t, avStreams[:1], func(w *Writer) {
		require.NoError(t, w.WritePES(PIDVideo, 0, true, big))
		require.NoError(t, w.WritePES(PIDVideo, 3000, false, next))
	})

	// PAT, PMT, then six packets for the first PES: lose its third.
	res := readAll(t, withoutPacket(data, 4))
	require.Len(t, res.pes, 1, "the damaged PES is dropped whole")
	assert.Equal(t, next, res.pes[0].Data)
	assert.EqualValues(t, 3000, res.pes[0].PTS)
	assert.Equal(t, 1, res.skipped)
}

func TestReaderSkipsCorruptPackets(t *testing.T) {
	t.Parallel()

	frames := [][]byte{{0x01, 0x02}, {0x03, 0x04}, {0x05, 0x06}}
	data := writeStream(t, avStreams[1:], func(w *Writer) {
		for i, f := range frames {
			require.NoError(t, w.WritePES(PIDAudioBase, int64(i)*1920, true, f))
		}
	})

	tests := []struct {
		name   string
		damage func(pkt []byte)
	}{
		{"lost sync", func(pkt []byte) { pkt[0] = 0x00 }},
		{"transport error", func(pkt []byte) { pkt[1] |= 0x80 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bad := append([]byte(nil), data...)
			// PAT, PMT, then one packet per frame: damage the second frame.
			tt.damage(bad[3*packetSize : 4*packetSize])

			res := readAll(t, bad)
			require.Len(t, res.pes, 2)
			assert.Equal(t, frames[0], res.pes[0].Data)
			assert.Equal(t, frames[2], res.pes[1].Data)
			assert.Equal(t, 1, res.skipped)
		})
	}
}

func TestReaderRejectsBadTableCRC(t *testing.T) {
	t.Parallel()

	data := writeStream(t, avStreams[1:], func(w *Writer) {
		require.NoError(t, w.WritePES(PIDAudioBase, 0, true, []byte{0x01}))
	})
	// The PMT section ends its packet, so this flips a CRC bit.
	data[2*packetSize-1] ^= 0x01

	res := readAll(t, data)
	assert.Empty(t, res.tables)
	assert.Empty(t, res.pes, "PES on unannounced PIDs are ignored")
	assert.Equal(t, 1, res.skipped)
}

func TestReaderTruncatedInput(t *testing.T) {
	t.Parallel()

	frame := bytes.Repeat([]byte{0x21}, 1000)
	data := writeStream(t, avStreams, func(w *Writer) {
		require.NoError(t, w.WritePES(PIDVideo, 0, true, frame))
		require.NoError(t, w.WritePES(PIDAudioBase, 0, true, frame))
	})
	// Cut inside the last audio packet.
	data = data[:len(data)-100]

	res := readAll(t, data)
	require.Len(t, res.pes, 1, "incomplete bounded PES is dropped")
	assert.Equal(t, PIDVideo, res.pes[0].PID)
	assert.Equal(t, frame, res.pes[0].Data, "unbounded PES flushes at the end")
	assert.Equal(t, 1, res.skipped)
}

func TestReaderStopsOnCancel(t *testing.T) {
	t.Parallel()

	data := writeStream(t, avStreams, func(w *Writer) {
		require.NoError(t, w.WritePES(PIDVideo, 0, true, []byte{0x01}))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewReader(bytes.NewReader(data)).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
