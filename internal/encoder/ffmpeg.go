package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/reel/media"
)

const (
	DefaultFFmpeg      = "ffmpeg"
	DefaultVAAPIDevice = "/dev/dri/renderD128"

	preflightTimeout = 10 * time.Second
)

// known lists the encoders reel will drive, with their preference within
// a class. Anything else ffmpeg reports is ignored.
var known = map[string]Descriptor{
	"h264_nvenc":        {Kind: media.KindVideo, Type: media.CodecH264, Hardware: true, Priority: 0},
	"h264_qsv":          {Kind: media.KindVideo, Type: media.CodecH264, Hardware: true, Priority: 1},
	"h264_amf":          {Kind: media.KindVideo, Type: media.CodecH264, Hardware: true, Priority: 2},
	"h264_videotoolbox": {Kind: media.KindVideo, Type: media.CodecH264, Hardware: true, Priority: 3},
	"h264_vaapi":        {Kind: media.KindVideo, Type: media.CodecH264, Hardware: true, Priority: 4},
	"libx264":           {Kind: media.KindVideo, Type: media.CodecH264, Priority: 10},
	"hevc_nvenc":        {Kind: media.KindVideo, Type: media.CodecHEVC, Hardware: true, Priority: 0},
	"hevc_qsv":          {Kind: media.KindVideo, Type: media.CodecHEVC, Hardware: true, Priority: 1},
	"hevc_amf":          {Kind: media.KindVideo, Type: media.CodecHEVC, Hardware: true, Priority: 2},
	"hevc_videotoolbox": {Kind: media.KindVideo, Type: media.CodecHEVC, Hardware: true, Priority: 3},
	"hevc_vaapi":        {Kind: media.KindVideo, Type: media.CodecHEVC, Hardware: true, Priority: 4},
	"libx265":           {Kind: media.KindVideo, Type: media.CodecHEVC, Priority: 10},
	"aac":               {Kind: media.KindAudio, Type: media.CodecAAC, Priority: 0},
}

// FFmpeg is a Backend that runs ffmpeg as a subprocess per encoder.
type FFmpeg struct {
	Bin         string
	VAAPIDevice string
	log         *slog.Logger

	mu       sync.Mutex
	verified map[string]error
}

// NewFFmpeg returns a backend using the ffmpeg binary at bin (looked up on
// PATH when empty). If log is nil, slog.Default() is used.
func NewFFmpeg(bin string, log *slog.Logger) *FFmpeg {
	if bin == "" {
		bin = DefaultFFmpeg
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{
		Bin:         bin,
		VAAPIDevice: DefaultVAAPIDevice,
		log:         log.With("component", "ffmpeg"),
		verified:    make(map[string]error),
	}
}

// Available runs `ffmpeg -encoders` and returns the known encoders in it.
func (f *FFmpeg) Available(ctx context.Context) ([]Descriptor, error) {
	out, err := exec.CommandContext(ctx, f.Bin, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("%s -encoders: %w", f.Bin, err)
	}
	return parseEncoders(out), nil
}

// parseEncoders reads the table printed by `ffmpeg -encoders`:
//
//	V....D libx264              libx264 H.264 / AVC ...
func parseEncoders(out []byte) []Descriptor {
	var list []Descriptor
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		flags, name := fields[0], fields[1]
		if flags[0] != 'V' && flags[0] != 'A' {
			continue
		}
		d, ok := known[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		d.Name = name
		list = append(list, d)
	}
	return list
}

// Open verifies hardware encoders with a short test encode, then starts
// the encoder process.
func (f *FFmpeg) Open(ctx context.Context, d Descriptor, p Params) (Encoder, error) {
	if d.Hardware {
		if err := f.verify(ctx, d); err != nil {
			return nil, err
		}
	}
	log := f.log.With("encoder", d.Name, "track", p.Track)
	switch d.Kind {
	case media.KindVideo:
		proc, err := startProcess(context.Background(), f.Bin, f.videoArgs(d, p), log)
		if err != nil {
			return nil, err
		}
		return newVideoEncoder(d, p, proc, log), nil
	default:
		proc, err := startProcess(context.Background(), f.Bin, audioArgs(d, p), log)
		if err != nil {
			return nil, err
		}
		return newAudioEncoder(d, p, proc, log), nil
	}
}

// verify encodes a few synthetic frames with d; the result is cached per
// encoder name.
func (f *FFmpeg) verify(ctx context.Context, d Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.verified[d.Name]; ok {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	var args []string
	if strings.HasSuffix(d.Name, "_vaapi") {
		args = append(args, "-vaapi_device", f.VAAPIDevice)
	}
	args = append(args,
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=0.2:size=640x360:rate=25",
	)
	if strings.HasSuffix(d.Name, "_vaapi") {
		args = append(args, "-vf", "format=nv12,hwupload")
	}
	args = append(args, "-c:v", d.Name, "-frames:v", "5", "-f", "null", "-")

	var err error
	if out, runErr := exec.CommandContext(ctx, f.Bin, args...).CombinedOutput(); runErr != nil {
		err = fmt.Errorf("preflight: %w: %s", runErr, strings.TrimSpace(string(out)))
		f.log.Debug("hardware encoder unusable", "encoder", d.Name, "error", err)
	}
	f.verified[d.Name] = err
	return err
}

func (f *FFmpeg) videoArgs(d Descriptor, p Params) []string {
	gop := strconv.Itoa(p.GOPFrames())
	bitrate := p.Bitrate
	if bitrate <= 0 {
		bitrate = 8_000_000
	}

	var args []string
	vaapi := strings.HasSuffix(d.Name, "_vaapi")
	if vaapi {
		args = append(args, "-vaapi_device", f.VAAPIDevice)
	}
	args = append(args,
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", p.OutWidth, p.OutHeight),
		"-framerate", p.FPS.String(),
		"-i", "pipe:0",
	)
	switch {
	case vaapi:
		args = append(args, "-vf", "format=nv12,hwupload")
	case strings.HasSuffix(d.Name, "_qsv"):
		args = append(args, "-pix_fmt", "nv12")
	default:
		args = append(args, "-pix_fmt", "yuv420p")
	}
	args = append(args,
		"-c:v", d.Name,
		"-b:v", strconv.Itoa(bitrate),
		"-maxrate", strconv.Itoa(bitrate*2),
		"-bufsize", strconv.Itoa(bitrate*2),
		"-g", gop, "-keyint_min", gop,
		"-bf", "0",
		"-fps_mode", "passthrough",
	)
	switch d.Name {
	case "libx264":
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency", "-x264-params", "repeat-headers=1")
	case "libx265":
		args = append(args, "-preset", "ultrafast", "-tune", "zerolatency", "-x265-params", "repeat-headers=1:log-level=error")
	}

	format, bsf := "h264", "h264_metadata=aud=insert"
	if d.Type == media.CodecHEVC {
		format, bsf = "hevc", "hevc_metadata=aud=insert"
	}
	return append(args,
		"-bsf:v", bsf+",dump_extra=freq=keyframe",
		"-f", format, "pipe:1",
	)
}

func audioArgs(d Descriptor, p Params) []string {
	bitrate := p.Bitrate
	if bitrate <= 0 {
		bitrate = 160_000
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(p.SampleRate),
		"-ac", strconv.Itoa(p.Channels),
		"-i", "pipe:0",
		"-c:a", d.Name,
		"-b:a", strconv.Itoa(bitrate),
		"-f", "adts", "pipe:1",
	}
}
