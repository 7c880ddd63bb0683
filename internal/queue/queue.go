// Package queue provides the bounded, drop-on-overflow channels that
// connect reel's pipeline stages.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Policy selects which unit is discarded when a push times out on a full
// queue.
type Policy int

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest Policy = iota
	// DropNewest discards the unit being pushed.
	DropNewest
)

func (p Policy) String() string {
	if p == DropNewest {
		return "drop-newest"
	}
	return "drop-oldest"
}

// ParsePolicy parses "drop-oldest" or "drop-newest".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "newest":
		return DropNewest, nil
	}
	return DropOldest, fmt.Errorf("unknown drop policy %q", s)
}

// Options configures a Queue.
type Options struct {
	Name     string
	Capacity int
	// Wait bounds how long Push blocks on a full queue before dropping.
	// Zero drops immediately.
	Wait   time.Duration
	Policy Policy
}

// Stats is a point-in-time view of a queue's counters.
type Stats struct {
	Name        string
	Depth       int
	Capacity    int
	Pushed      int64
	Dropped     int64
	Consecutive int64
}

// Queue is a bounded FIFO. Push is safe from several producers; Close must
// come after the last of them is done. Consumers read from C or Pop.
type Queue[T any] struct {
	name   string
	ch     chan T
	wait   time.Duration
	policy Policy

	pushed      atomic.Int64
	dropped     atomic.Int64
	consecutive atomic.Int64
	closeOnce   sync.Once
}

// New creates a queue. A non-positive capacity is treated as 1.
func New[T any](opt Options) *Queue[T] {
	if opt.Capacity <= 0 {
		opt.Capacity = 1
	}
	return &Queue[T]{
		name:   opt.Name,
		ch:     make(chan T, opt.Capacity),
		wait:   opt.Wait,
		policy: opt.Policy,
	}
}

// Name returns the queue's name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Push enqueues v, blocking at most the configured wait. It reports whether
// a unit (v or the evicted head) was dropped.
func (q *Queue[T]) Push(v T) (dropped bool) {
	select {
	case q.ch <- v:
		q.accepted()
		return false
	default:
	}

	if q.wait > 0 {
		t := time.NewTimer(q.wait)
		select {
		case q.ch <- v:
			t.Stop()
			q.accepted()
			return false
		case <-t.C:
		}
	}

	if q.policy == DropOldest {
		select {
		case <-q.ch:
		default:
		}
		select {
		case q.ch <- v:
			q.pushed.Add(1)
		default:
		}
	}
	q.dropped.Add(1)
	q.consecutive.Add(1)
	return true
}

func (q *Queue[T]) accepted() {
	q.pushed.Add(1)
	q.consecutive.Store(0)
}

// C returns the receive side of the queue. It is closed by Close.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Pop blocks until a unit is available, the queue is closed and empty
// (ok=false), or ctx is done (ok=false).
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool) {
	select {
	case v, ok = <-q.ch:
		return v, ok
	case <-ctx.Done():
		return v, false
	}
}

// Close marks the end of input. Only a producer may call it, once every
// producer has finished; further pushes panic. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Drain removes and returns everything currently buffered without blocking.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case v, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

// Len returns the number of buffered units.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// ConsecutiveDrops returns the number of drops since the last accepted push.
func (q *Queue[T]) ConsecutiveDrops() int64 {
	return q.consecutive.Load()
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Name:        q.name,
		Depth:       len(q.ch),
		Capacity:    cap(q.ch),
		Pushed:      q.pushed.Load(),
		Dropped:     q.dropped.Load(),
		Consecutive: q.consecutive.Load(),
	}
}
