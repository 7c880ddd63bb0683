package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtPayloadSize is seven transport stream packets, the usual live
	// payload per SRT message.
	srtPayloadSize = 188 * 7

	// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
	srtLatencyNs   = 120_000_000
	srtDialTimeout = 10 * time.Second
)

// SRTTarget is a parsed srt:// destination.
type SRTTarget struct {
	Address  string
	StreamID string
}

// ParseSRT parses srt://host:port?streamid=....
func ParseSRT(raw string) (SRTTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return SRTTarget{}, err
	}
	if u.Scheme != "srt" {
		return SRTTarget{}, fmt.Errorf("not an srt url: %q", raw)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return SRTTarget{}, fmt.Errorf("srt url %q needs host and port", raw)
	}
	return SRTTarget{
		Address:  u.Host,
		StreamID: u.Query().Get("streamid"),
	}, nil
}

// SRT is a Sink that pushes the stream to an SRT listener in caller mode.
type SRT struct {
	conn   io.WriteCloser
	target SRTTarget
	log    *slog.Logger
	counter

	mu      sync.Mutex
	pending []byte
}

// DialSRT connects to the listener named by rawURL, bounded by ctx and a
// fixed dial timeout.
func DialSRT(ctx context.Context, rawURL string, log *slog.Logger) (*SRT, error) {
	if log == nil {
		log = slog.Default()
	}
	t, err := ParseSRT(rawURL)
	if err != nil {
		return nil, wrapOpen(rawURL, err)
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = t.StreamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(t.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, wrapOpen(rawURL, fmt.Errorf("srt dial: %w", res.err))
		}
		s := &SRT{
			conn:    res.conn,
			target:  t,
			log:     log.With("component", "output", "srt", t.Address),
			pending: make([]byte, 0, srtPayloadSize),
		}
		s.openedAt = time.Now()
		s.log.Info("connected", "stream_id", t.StreamID)
		return s, nil
	case <-timer.C:
		abandon()
		return nil, wrapOpen(rawURL, fmt.Errorf("srt dial timed out after %s", srtDialTimeout))
	case <-ctx.Done():
		abandon()
		return nil, wrapOpen(rawURL, ctx.Err())
	}
}

// Write sends p in whole SRT payloads, holding back any remainder until
// the next Write or Close.
func (s *SRT) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(p)
	for len(p) > 0 {
		n := min(srtPayloadSize-len(s.pending), len(p))
		s.pending = append(s.pending, p[:n]...)
		p = p[n:]
		if len(s.pending) == srtPayloadSize {
			if err := s.send(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (s *SRT) send() error {
	n, err := s.conn.Write(s.pending)
	s.record(n)
	s.pending = s.pending[:0]
	return err
}

// Close flushes the held remainder and closes the connection.
func (s *SRT) Close() error {
	s.mu.Lock()
	var err error
	if len(s.pending) > 0 {
		err = s.send()
	}
	s.mu.Unlock()

	st := s.Stats()
	s.log.Info("disconnected", "bytes", st.Bytes, "writes", st.Writes,
		"uptime_ms", time.Since(st.OpenedAt).Milliseconds())
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *SRT) Stats() Stats   { return s.stats(s.target.Address) }
func (s *SRT) String() string { return "srt://" + s.target.Address }

var _ Sink = (*SRT)(nil)
