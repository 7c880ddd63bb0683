package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/recorder"
)

func TestParseFPS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    media.Rational
		wantErr bool
	}{
		{in: "60", want: media.Rational{Num: 60, Den: 1}},
		{in: "30000/1001", want: media.Rational{Num: 30000, Den: 1001}},
		{in: "30/0", wantErr: true},
		{in: "fast", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseFPS(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	w, h, err := parseSize("1280X720")
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	_, _, err = parseSize("1280")
	assert.Error(t, err)
}

func newRecordFlags() *cobra.Command {
	cmd := &cobra.Command{Use: "record"}
	cmd.Flags().AddFlagSet(recordCmd.Flags())
	return cmd
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fps: \"60\"\nsize: 1280x720\nmic-device: USB\nreplay: true\n"), 0o644))

	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })
	t.Setenv("REEL_REPLAY_SECONDS", "45")

	cmd := newRecordFlags()
	require.NoError(t, cmd.Flags().Set("encoder-type", "hevc"))

	fc, err := loadConfig(cmd)
	require.NoError(t, err)
	cfg, err := fc.recorderConfig()
	require.NoError(t, err)

	assert.Equal(t, media.Rational{Num: 60, Den: 1}, cfg.FPS)
	assert.Equal(t, 1280, cfg.OutputWidth)
	assert.True(t, cfg.CaptureMicrophone, "a microphone device implies --mic")
	assert.Equal(t, "USB", cfg.MicrophoneDevice)
	assert.True(t, cfg.EnableReplayBuffer)
	assert.Equal(t, 45, cfg.ReplayBufferSeconds)
	assert.Equal(t, media.CodecHEVC, cfg.VideoEncoderType)
	assert.Equal(t, recorder.DefaultOutputPath, cfg.OutputPath)
}

func TestRecorderConfigRejectsBadValues(t *testing.T) {
	t.Parallel()

	fc := fileConfig{FPS: "30", Output: "out.ts", SystemVolume: 5}
	_, err := fc.recorderConfig()
	assert.True(t, recorder.IsKind(err, recorder.KindInvalidConfig), "got %v", err)

	fc = fileConfig{Output: "out.ts", Window: "not-hex"}
	_, err = fc.options()
	assert.Error(t, err)

	fc.Window = "0x3a00007"
	opts, err := fc.options()
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}
