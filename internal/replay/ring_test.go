package replay

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/mediatest"
	"github.com/zsiec/reel/media"
)

func seg(seq uint64, start, d time.Duration) *Segment {
	return &Segment{
		Seq:      seq,
		Start:    start,
		Duration: d,
		Packets:  []*media.Packet{mediatest.VideoPacket(start, true, 30)},
		Bytes:    100,
	}
}

func TestRingEvictsWholeSegments(t *testing.T) {
	t.Parallel()

	r := NewRing(10*time.Second, nil)
	var start time.Duration
	for i := 0; i < 20; i++ {
		r.Append(seg(uint64(i), start, 2*time.Second))
		start += 2 * time.Second
	}

	assert.Equal(t, 10*time.Second, r.Duration())
	assert.Equal(t, 5, r.Len())
	assert.EqualValues(t, 15, r.Evicted())
	assert.EqualValues(t, 500, r.Bytes())

	snap := r.Snapshot()
	require.Len(t, snap.Segments, 5)
	assert.EqualValues(t, 15, snap.Segments[0].Seq, "oldest retained segment")
	assert.False(t, snap.Partial)
}

func TestRingRetentionBound(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	window := 30 * time.Second
	r := NewRing(window, nil)

	var start, longest time.Duration
	for i := 0; i < 500; i++ {
		d := time.Duration(200+rng.Intn(3800)) * time.Millisecond
		longest = max(longest, d)
		r.Append(seg(uint64(i), start, d))
		start += d

		snap := r.Snapshot()
		var sum time.Duration
		for _, s := range snap.Segments {
			sum += s.Duration
		}
		require.Equal(t, snap.Duration, sum)
		require.LessOrEqual(t, sum, window+longest, "retained %v exceeds window plus one segment", sum)
		if start >= window+longest {
			require.GreaterOrEqual(t, sum, window, "ring should always cover the window once full")
		}
	}
}

func TestRingSnapshotIsolation(t *testing.T) {
	t.Parallel()

	r := NewRing(4*time.Second, nil)
	for i := 0; i < 4; i++ {
		r.Append(seg(uint64(i), time.Duration(i)*time.Second, time.Second))
	}
	snap := r.Snapshot()
	require.Len(t, snap.Segments, 4)

	for i := 4; i < 20; i++ {
		r.Append(seg(uint64(i), time.Duration(i)*time.Second, time.Second))
	}

	for i, s := range snap.Segments {
		assert.EqualValues(t, i, s.Seq, "snapshot must not see later evictions")
		require.Len(t, s.Packets, 1)
		assert.Equal(t, time.Duration(i)*time.Second, s.Packets[0].PTS)
	}
	assert.EqualValues(t, 16, r.Snapshot().Segments[0].Seq)
}

func TestRingOpenSegmentFallback(t *testing.T) {
	t.Parallel()

	r := NewRing(time.Minute, nil)
	assert.True(t, r.Snapshot().Empty())

	open := Segment{Seq: 1}
	open.add(mediatest.VideoPacket(0, true, 30))
	r.SetOpen(open)
	open.add(mediatest.VideoPacket(time.Second/30, false, 30))

	snap := r.Snapshot()
	require.Len(t, snap.Segments, 1)
	assert.True(t, snap.Partial)
	assert.Len(t, snap.Segments[0].Packets, 1, "published copy is unaffected by later appends")

	r.Append(seg(1, 0, time.Second))
	snap = r.Snapshot()
	assert.False(t, snap.Partial)
	assert.Equal(t, time.Second, snap.Duration)
}
