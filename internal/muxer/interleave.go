package muxer

import (
	"container/heap"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zsiec/reel/media"
)

// packetHeap orders packets by PTS, video before audio, then track.
type packetHeap []*media.Packet

func (h packetHeap) Len() int { return len(h) }

func (h packetHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.PTS != b.PTS {
		return a.PTS < b.PTS
	}
	if a.Kind != b.Kind {
		return a.Kind == media.KindVideo
	}
	return a.Track < b.Track
}

func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *packetHeap) Push(x any) { *h = append(*h, x.(*media.Packet)) }

func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// interleaver holds packets until the buffered span exceeds delay, then
// releases them in timestamp order. Encoders for different streams run with
// different latencies; the delay absorbs that skew.
type interleaver struct {
	delay  time.Duration
	h      packetHeap
	newest time.Duration
}

func (il *interleaver) push(p *media.Packet) {
	if len(il.h) == 0 || p.PTS > il.newest {
		il.newest = p.PTS
	}
	heap.Push(&il.h, p)
}

// ready pops the next packet whose release window has passed.
func (il *interleaver) ready() (*media.Packet, bool) {
	if len(il.h) == 0 || il.newest-il.h[0].PTS < il.delay {
		return nil, false
	}
	return heap.Pop(&il.h).(*media.Packet), true
}

// drain pops everything in order.
func (il *interleaver) drain() []*media.Packet {
	out := make([]*media.Packet, 0, len(il.h))
	for len(il.h) > 0 {
		out = append(out, heap.Pop(&il.h).(*media.Packet))
	}
	return out
}

func (il *interleaver) len() int { return len(il.h) }

// Reorderer puts packets from several encoders back into timestamp order
// before handing them to next. The pipeline places one in front of a Tee so
// every output sees the same ordering.
type Reorderer struct {
	il   interleaver
	next PacketSink
}

// NewReorderer returns a Reorderer that holds packets for up to delay.
func NewReorderer(next PacketSink, delay time.Duration) *Reorderer {
	return &Reorderer{il: interleaver{delay: delay}, next: next}
}

func (r *Reorderer) Write(p *media.Packet) error {
	r.il.push(p)
	for {
		next, ok := r.il.ready()
		if !ok {
			return nil
		}
		if err := r.next.Write(next); err != nil {
			return err
		}
	}
}

// Finalize releases everything held and finalizes next.
func (r *Reorderer) Finalize() error {
	var result *multierror.Error
	for _, p := range r.il.drain() {
		if err := r.next.Write(p); err != nil {
			result = multierror.Append(result, err)
			break
		}
	}
	if err := r.next.Finalize(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Pending returns the number of packets held.
func (r *Reorderer) Pending() int {
	return r.il.len()
}
