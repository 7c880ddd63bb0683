// Package output opens the destination of a live recording: a local file,
// or an SRT listener that receives the same transport stream.
package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/failure"
)

// Stats captures what a sink has written.
type Stats struct {
	Bytes    int64
	Writes   int64
	OpenedAt time.Time
	Remote   string
}

// Sink receives muxed bytes.
type Sink interface {
	io.WriteCloser
	Stats() Stats
	String() string
}

// counter tracks bytes and writes for a sink.
type counter struct {
	openedAt time.Time
	bytes    atomic.Int64
	writes   atomic.Int64
}

func (c *counter) record(n int) {
	c.bytes.Add(int64(n))
	c.writes.Add(1)
}

func (c *counter) stats(remote string) Stats {
	return Stats{
		Bytes:    c.bytes.Load(),
		Writes:   c.writes.Load(),
		OpenedAt: c.openedAt,
		Remote:   remote,
	}
}

// IsSRT reports whether path names an SRT destination.
func IsSRT(path string) bool {
	return strings.HasPrefix(strings.ToLower(path), "srt://")
}

// Open opens path for writing. srt:// URLs dial a listener; anything else
// is created as a file. Failures are WriteIOError.
func Open(ctx context.Context, path string, log *slog.Logger) (Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	if IsSRT(path) {
		return DialSRT(ctx, path, log)
	}
	return CreateFile(path, log)
}

// File is a Sink backed by a local file.
type File struct {
	f   *os.File
	log *slog.Logger
	counter
}

// CreateFile creates or truncates path.
func CreateFile(path string, log *slog.Logger) (*File, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, failure.New(failure.WriteIOError, "create output", err)
	}
	s := &File{f: f, log: log.With("component", "output", "path", path)}
	s.openedAt = time.Now()
	s.log.Debug("output opened")
	return s, nil
}

func (s *File) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.record(n)
	return n, err
}

// Sync commits the file to stable storage.
func (s *File) Sync() error { return s.f.Sync() }

func (s *File) Close() error {
	st := s.Stats()
	s.log.Debug("output closed", "bytes", st.Bytes, "writes", st.Writes)
	return s.f.Close()
}

func (s *File) Stats() Stats   { return s.stats("") }
func (s *File) String() string { return s.f.Name() }

// Name returns the file path.
func (s *File) Name() string { return s.f.Name() }

var _ Sink = (*File)(nil)

func wrapOpen(path string, err error) error {
	return failure.New(failure.WriteIOError, "open output", fmt.Errorf("%s: %w", path, err))
}
