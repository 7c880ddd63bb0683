package recorder

import (
	"context"
	"log/slog"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/encoder"
	"github.com/zsiec/reel/internal/target"
	"github.com/zsiec/reel/media"
)

// Window, Monitor, AudioDevice and EncoderInfo describe what the host can
// record with.
type (
	Window      = target.Window
	Monitor     = target.Monitor
	AudioDevice = audio.DeviceInfo
	EncoderInfo = encoder.Descriptor
)

// ListWindows returns the top-level windows of the current desktop.
func ListWindows() ([]Window, error) {
	return target.ListWindows()
}

// ListMonitors returns the active monitors, primary first.
func ListMonitors() []Monitor {
	return target.ListMonitors()
}

// ListAudioInputDevices returns the capture devices, microphones and
// loopback monitors alike.
func ListAudioInputDevices(log *slog.Logger) ([]AudioDevice, error) {
	if log == nil {
		log = slog.Default()
	}
	return audio.ListDevices(log)
}

// ListVideoEncoders returns the video encoders this recorder can open, in
// preference order.
func (r *Recorder) ListVideoEncoders(ctx context.Context) ([]EncoderInfo, error) {
	list, err := r.encoders.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []EncoderInfo
	for _, d := range list {
		if d.Kind == media.KindVideo {
			out = append(out, d)
		}
	}
	return out, nil
}

// PreferredVideoEncoder returns the encoder Start picks for typ when no
// name is configured.
func (r *Recorder) PreferredVideoEncoder(ctx context.Context, typ media.Codec) (EncoderInfo, error) {
	return r.encoders.Preferred(ctx, typ)
}
