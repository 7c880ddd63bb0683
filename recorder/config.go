package recorder

import (
	"fmt"
	"strings"
	"time"

	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/media"
)

// AudioSource selects where desktop audio comes from.
type AudioSource string

const (
	AudioDesktop AudioSource = "desktop"
	// AudioActiveWindow asks for the target application's audio only. No
	// backend can isolate one application, so it records desktop audio.
	AudioActiveWindow AudioSource = "active-window"
)

const (
	DefaultOutputPath    = "recording.ts"
	DefaultOutputWidth   = 1920
	DefaultOutputHeight  = 1080
	DefaultReplaySeconds = 30
	DefaultVideoBitrate  = 8_000_000
	DefaultAudioBitrate  = 160_000
	DefaultSampleRate    = 48000
	DefaultChannels      = 2
	DefaultDrainTimeout  = 5 * time.Second

	maxFPS           = 240
	maxVolume        = 2.0
	maxReplaySeconds = 3600
)

// Config describes a recording session. Zero numeric fields take the
// defaults above when the session starts; DefaultConfig also turns on
// desktop audio and the cursor.
type Config struct {
	FPS media.Rational

	// Capture size; zero detects it from the target.
	InputWidth  int
	InputHeight int
	// Encoded size; frames are scaled when it differs from the capture.
	OutputWidth  int
	OutputHeight int

	CaptureAudio      bool
	CaptureMicrophone bool
	AudioSource       AudioSource
	// Volumes scale the captured samples, 0 to 2. Zero means unity.
	SystemVolume     float64
	MicrophoneVolume float64
	// MicrophoneDevice is a device id or a case-insensitive name fragment.
	MicrophoneDevice string

	VideoEncoderType media.Codec
	// VideoEncoderName forces one encoder; empty picks the best available.
	VideoEncoderName string
	CaptureCursor    bool

	// OutputPath is a file path or an srt:// URL. Empty with the replay
	// buffer enabled records to the buffer only.
	OutputPath string
	Debug      bool

	EnableReplayBuffer  bool
	ReplayBufferSeconds int

	VideoBitrate int
	AudioBitrate int
	SampleRate   int
	Channels     int
	// DropPolicy is "drop-oldest" or "drop-newest" for video queues.
	DropPolicy   string
	DrainTimeout time.Duration
	// FFmpegPath overrides the encoder binary.
	FFmpegPath string
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		FPS:           media.Rational{Num: 30, Den: 1},
		CaptureAudio:  true,
		AudioSource:   AudioDesktop,
		CaptureCursor: true,
		OutputPath:    DefaultOutputPath,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.FPS.Num == 0 && c.FPS.Den == 0 {
		c.FPS = media.Rational{Num: 30, Den: 1}
	}
	if c.OutputWidth == 0 && c.OutputHeight == 0 {
		c.OutputWidth, c.OutputHeight = DefaultOutputWidth, DefaultOutputHeight
	}
	if c.AudioSource == "" {
		c.AudioSource = AudioDesktop
	}
	if c.SystemVolume == 0 {
		c.SystemVolume = 1
	}
	if c.MicrophoneVolume == 0 {
		c.MicrophoneVolume = 1
	}
	if c.VideoEncoderType == "" {
		c.VideoEncoderType = media.CodecH264
	}
	if c.OutputPath == "" && !c.EnableReplayBuffer {
		c.OutputPath = DefaultOutputPath
	}
	if c.ReplayBufferSeconds == 0 {
		c.ReplayBufferSeconds = DefaultReplaySeconds
	}
	if c.VideoBitrate == 0 {
		c.VideoBitrate = DefaultVideoBitrate
	}
	if c.AudioBitrate == 0 {
		c.AudioBitrate = DefaultAudioBitrate
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Validate reports the first problem with c, after defaults, as an
// InvalidConfig error.
func (c Config) Validate() error {
	c = c.withDefaults()
	bad := func(format string, args ...any) error {
		return failure.Newf(failure.InvalidConfig, "validate config", format, args...)
	}

	if c.FPS.Num <= 0 || c.FPS.Den <= 0 || c.FPS.Float() > maxFPS {
		return bad("fps %s must be positive and at most %d", c.FPS, maxFPS)
	}
	if (c.InputWidth == 0) != (c.InputHeight == 0) || c.InputWidth < 0 || c.InputHeight < 0 {
		return bad("input size %dx%d: set both or neither", c.InputWidth, c.InputHeight)
	}
	if c.OutputWidth <= 0 || c.OutputHeight <= 0 {
		return bad("output size %dx%d must be positive", c.OutputWidth, c.OutputHeight)
	}
	if c.OutputWidth%2 != 0 || c.OutputHeight%2 != 0 {
		return bad("output size %dx%d must be even", c.OutputWidth, c.OutputHeight)
	}
	if c.SystemVolume < 0 || c.SystemVolume > maxVolume {
		return bad("system volume %.2f out of range [0, %.0f]", c.SystemVolume, maxVolume)
	}
	if c.MicrophoneVolume < 0 || c.MicrophoneVolume > maxVolume {
		return bad("microphone volume %.2f out of range [0, %.0f]", c.MicrophoneVolume, maxVolume)
	}
	switch c.AudioSource {
	case AudioDesktop, AudioActiveWindow:
	default:
		return bad("unknown audio source %q", c.AudioSource)
	}
	switch c.VideoEncoderType {
	case media.CodecH264, media.CodecHEVC:
	default:
		return bad("unsupported video encoder type %q", c.VideoEncoderType)
	}
	if c.EnableReplayBuffer && (c.ReplayBufferSeconds < 1 || c.ReplayBufferSeconds > maxReplaySeconds) {
		return bad("replay buffer of %ds out of range [1, %d]", c.ReplayBufferSeconds, maxReplaySeconds)
	}
	if strings.TrimSpace(c.OutputPath) == "" && !c.EnableReplayBuffer {
		return bad("no output path and no replay buffer")
	}
	if c.VideoBitrate < 0 || c.AudioBitrate < 0 {
		return bad("bitrates must not be negative")
	}
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return bad("sample rate %d out of range", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 8 {
		return bad("%d audio channels out of range", c.Channels)
	}
	if c.DrainTimeout < 0 {
		return bad("negative drain timeout")
	}
	if _, err := queue.ParsePolicy(c.DropPolicy); err != nil {
		return bad("%v", err)
	}
	return nil
}

// ReplayWindow returns the replay buffer length.
func (c Config) ReplayWindow() time.Duration {
	return time.Duration(c.withDefaults().ReplayBufferSeconds) * time.Second
}

func (c Config) audioTracks() int {
	n := 0
	if c.CaptureAudio {
		n++
	}
	if c.CaptureMicrophone {
		n++
	}
	return n
}

func (c Config) String() string {
	return fmt.Sprintf("%dx%d@%s %s audio=%d replay=%v", c.OutputWidth, c.OutputHeight, c.FPS, c.VideoEncoderType, c.audioTracks(), c.EnableReplayBuffer)
}
