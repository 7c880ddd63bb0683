package recorder

import (
	"context"
	"log/slog"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/capture"
	"github.com/zsiec/reel/internal/devices"
	"github.com/zsiec/reel/internal/encoder"
	"github.com/zsiec/reel/internal/output"
	"github.com/zsiec/reel/internal/target"
)

// audioBackend is an audio.Backend that must be closed.
type audioBackend interface {
	audio.Backend
	Close() error
}

// backends are the platform services a session acquires. Tests replace
// them with fakes.
type backends struct {
	grabber  capture.GrabberFunc
	audio    func(log *slog.Logger) (audioBackend, error)
	encoders encoder.Backend
	output   func(ctx context.Context, path string, log *slog.Logger) (output.Sink, error)
	windows  func() ([]target.Window, error)
	devices  *devices.Registry
}

func defaultBackends(ffmpeg string, log *slog.Logger) backends {
	return backends{
		grabber: capture.Open,
		audio: func(log *slog.Logger) (audioBackend, error) {
			return audio.NewMalgo(log)
		},
		encoders: encoder.NewFFmpeg(ffmpeg, log),
		output:   output.Open,
		windows:  target.ListWindows,
		devices:  devices.Default(),
	}
}
