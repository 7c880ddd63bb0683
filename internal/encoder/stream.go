package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/reel/media"
)

const readChunk = 64 << 10

// stream is the output side shared by the process-backed encoders: a
// reader goroutine turns stdout into packets on out.
type stream struct {
	desc Descriptor
	log  *slog.Logger
	proc *process
	out  chan *media.Packet
	quit chan struct{}

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
}

func newStream(d Descriptor, proc *process, log *slog.Logger) *stream {
	return &stream{
		desc: d,
		log:  log,
		proc: proc,
		out:  make(chan *media.Packet, media.PacketBufferSize),
		quit: make(chan struct{}),
	}
}

func (s *stream) Descriptor() Descriptor { return s.desc }

// read pumps stdout through handle until EOF, then calls flush and closes
// out. handle returns false to stop early.
func (s *stream) read(handle func([]byte) bool, flush func()) {
	defer close(s.out)
	buf := make([]byte, readChunk)
	for {
		n, err := s.proc.stdout.Read(buf)
		if n > 0 && !handle(buf[:n]) {
			return
		}
		if err != nil {
			flush()
			if !errors.Is(err, io.EOF) {
				s.errMu.Lock()
				s.readErr = err
				s.errMu.Unlock()
			}
			return
		}
	}
}

// send delivers p unless the encoder is closed.
func (s *stream) send(p *media.Packet) bool {
	select {
	case s.out <- p:
		return true
	case <-s.quit:
		return false
	}
}

// collect returns the packets ready so far without blocking.
func (s *stream) collect() []*media.Packet {
	var pkts []*media.Packet
	for {
		select {
		case p, ok := <-s.out:
			if !ok {
				return pkts
			}
			pkts = append(pkts, p)
		default:
			return pkts
		}
	}
}

func (s *stream) Flush(ctx context.Context) ([]*media.Packet, error) {
	s.proc.closeInput()
	var pkts []*media.Packet
	for {
		select {
		case p, ok := <-s.out:
			if !ok {
				if err := s.proc.wait(); err != nil {
					return pkts, fmt.Errorf("%s: %w", s.desc.Name, err)
				}
				s.errMu.Lock()
				defer s.errMu.Unlock()
				return pkts, s.readErr
			}
			pkts = append(pkts, p)
		case <-ctx.Done():
			s.Close()
			return pkts, ctx.Err()
		}
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.proc.kill()
	})
	return nil
}
