// srt-receive listens for SRT publishers and writes each stream to
// <streamid>.ts, probing the file when the publisher disconnects. Use it
// as the far end of "reel record -o srt://127.0.0.1:6000?streamid=test".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/reel/internal/demux"
)

// 1316 bytes = 7 MPEG-TS packets, the usual SRT payload.
const readBufferSize = 1316 * 10

const latencyNs = 120_000_000

func main() {
	addr := flag.String("addr", ":6000", "SRT listen address")
	dir := flag.String("dir", ".", "directory for received streams")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := listen(ctx, *addr, *dir); err != nil {
		slog.Error("listen", "error", err)
		os.Exit(1)
	}
}

func listen(ctx context.Context, addr, dir string) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", addr, err)
	}
	slog.Info("listening", "addr", addr, "dir", dir)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("accept error", "error", err)
			continue
		}
		name := streamName(conn.StreamID())
		slog.Info("publish", "stream", name, "remote", conn.RemoteAddr())
		go receive(ctx, conn, filepath.Join(dir, name+".ts"))
	}
}

func receive(ctx context.Context, conn *srtgo.Conn, path string) {
	defer conn.Close()

	f, err := os.Create(path)
	if err != nil {
		slog.Error("create", "path", path, "error", err)
		return
	}

	start := time.Now()
	var total int64
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("read error", "path", path, "error", err)
			}
			break
		}
		if _, err := f.Write(buf[:n]); err != nil {
			slog.Error("write", "path", path, "error", err)
			break
		}
		total += int64(n)
	}
	if err := f.Close(); err != nil {
		slog.Error("close", "path", path, "error", err)
		return
	}

	rep, err := demux.ProbeFile(context.Background(), path, nil)
	if err != nil {
		slog.Warn("probe failed", "path", path, "error", err)
		return
	}
	slog.Info("stream closed",
		"path", path,
		"size", humanize.Bytes(uint64(total)),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"duration", rep.Duration,
		"video_packets", rep.VideoPackets,
		"audio_tracks", len(rep.AudioPackets),
	)
}

func streamName(streamID string) string {
	s := strings.TrimPrefix(streamID, "/")
	s = strings.TrimPrefix(s, "live/")
	s = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' {
			return '_'
		}
		return r
	}, s)
	if s == "" {
		return "default"
	}
	return s
}
