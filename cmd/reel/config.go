package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/recorder"
)

// fileConfig is the layered CLI configuration: reel.yaml, then REEL_*
// environment variables, then flags.
type fileConfig struct {
	Output        string        `mapstructure:"output"`
	FPS           string        `mapstructure:"fps"`
	Size          string        `mapstructure:"size"`
	Process       string        `mapstructure:"process"`
	Window        string        `mapstructure:"window"`
	Monitor       int           `mapstructure:"monitor"`
	Mic           bool          `mapstructure:"mic"`
	MicDevice     string        `mapstructure:"mic-device"`
	NoAudio       bool          `mapstructure:"no-audio"`
	NoCursor      bool          `mapstructure:"no-cursor"`
	AudioSource   string        `mapstructure:"audio-source"`
	SystemVolume  float64       `mapstructure:"system-volume"`
	MicVolume     float64       `mapstructure:"mic-volume"`
	Encoder       string        `mapstructure:"encoder"`
	EncoderType   string        `mapstructure:"encoder-type"`
	VideoBitrate  int           `mapstructure:"video-bitrate"`
	AudioBitrate  int           `mapstructure:"audio-bitrate"`
	DropPolicy    string        `mapstructure:"drop-policy"`
	Duration      time.Duration `mapstructure:"duration"`
	Replay        bool          `mapstructure:"replay"`
	ReplaySeconds int           `mapstructure:"replay-seconds"`
	MetricsAddr   string        `mapstructure:"metrics-addr"`
	FFmpeg        string        `mapstructure:"ffmpeg"`
}

func loadConfig(cmd *cobra.Command) (fileConfig, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("reel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("REEL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fileConfig{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fileConfig{}, err
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return fileConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return fc, nil
}

// recorderConfig converts the CLI configuration. Library defaults apply to
// everything left zero.
func (fc fileConfig) recorderConfig() (recorder.Config, error) {
	cfg := recorder.DefaultConfig()
	cfg.OutputPath = fc.Output
	cfg.CaptureAudio = !fc.NoAudio
	cfg.CaptureCursor = !fc.NoCursor
	cfg.CaptureMicrophone = fc.Mic || fc.MicDevice != ""
	cfg.MicrophoneDevice = fc.MicDevice
	cfg.SystemVolume = fc.SystemVolume
	cfg.MicrophoneVolume = fc.MicVolume
	cfg.VideoEncoderName = fc.Encoder
	cfg.VideoEncoderType = media.Codec(strings.ToLower(fc.EncoderType))
	cfg.VideoBitrate = fc.VideoBitrate
	cfg.AudioBitrate = fc.AudioBitrate
	cfg.DropPolicy = fc.DropPolicy
	cfg.EnableReplayBuffer = fc.Replay
	cfg.ReplayBufferSeconds = fc.ReplaySeconds
	cfg.FFmpegPath = fc.FFmpeg
	cfg.Debug = debug
	if fc.AudioSource != "" {
		cfg.AudioSource = recorder.AudioSource(fc.AudioSource)
	}

	if fc.FPS != "" {
		fps, err := parseFPS(fc.FPS)
		if err != nil {
			return cfg, err
		}
		cfg.FPS = fps
	}
	if fc.Size != "" {
		w, h, err := parseSize(fc.Size)
		if err != nil {
			return cfg, err
		}
		cfg.OutputWidth, cfg.OutputHeight = w, h
	}
	return cfg, cfg.Validate()
}

func (fc fileConfig) options() ([]recorder.Option, error) {
	switch {
	case fc.Process != "":
		return []recorder.Option{recorder.WithProcessName(fc.Process)}, nil
	case fc.Window != "":
		id, err := strconv.ParseUint(fc.Window, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("window id %q: %w", fc.Window, err)
		}
		return []recorder.Option{recorder.WithWindow(uint32(id))}, nil
	}
	return []recorder.Option{recorder.WithMonitor(fc.Monitor)}, nil
}

// parseFPS accepts "60" or "30000/1001".
func parseFPS(s string) (media.Rational, error) {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		den = "1"
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return media.Rational{}, fmt.Errorf("fps %q: %w", s, err)
	}
	d, err := strconv.Atoi(strings.TrimSpace(den))
	if err != nil || d <= 0 {
		return media.Rational{}, fmt.Errorf("fps %q: bad denominator", s)
	}
	return media.Rational{Num: n, Den: d}, nil
}

// parseSize accepts "1280x720".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q: want WIDTHxHEIGHT", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", s, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", s, err)
	}
	return w, h, nil
}
