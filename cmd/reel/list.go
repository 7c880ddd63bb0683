package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/recorder"
)

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List top-level windows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		windows, err := recorder.ListWindows()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROCESS\tPID\tMONITOR\tGEOMETRY\tTITLE")
		for _, w := range windows {
			flags := ""
			if w.Focused {
				flags += "*"
			}
			if w.IntersectsMultiple {
				flags += "+"
			}
			fmt.Fprintf(tw, "%#x%s\t%s\t%d\t%d\t%dx%d+%d+%d\t%s\n",
				w.ID, flags, w.Executable, w.PID, w.Monitor,
				w.Bounds.Dx(), w.Bounds.Dy(), w.Bounds.Min.X, w.Bounds.Min.Y, w.Title)
		}
		return tw.Flush()
	},
}

var monitorsCmd = &cobra.Command{
	Use:   "monitors",
	Short: "List monitors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tGEOMETRY\tPRIMARY")
		for _, m := range recorder.ListMonitors() {
			fmt.Fprintf(tw, "%d\t%dx%d+%d+%d\t%v\n", m.Index, m.Bounds.Dx(), m.Bounds.Dy(), m.Bounds.Min.X, m.Bounds.Min.Y, m.Primary)
		}
		return tw.Flush()
	},
}

var audioDevicesCmd = &cobra.Command{
	Use:   "audio-devices",
	Short: "List audio capture devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := recorder.ListAudioInputDevices(slog.Default())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEFAULT\tID\tNAME")
		for _, d := range devices {
			def := ""
			if d.Default {
				def = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", def, d.ID, d.Name)
		}
		return tw.Flush()
	},
}

var encodersCmd = &cobra.Command{
	Use:   "encoders",
	Short: "List video encoders in preference order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ffmpeg, _ := cmd.Flags().GetString("ffmpeg")
		rec := recorder.New(recorder.Config{FFmpegPath: ffmpeg})
		list, err := rec.ListVideoEncoders(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTYPE\tCLASS\tPREFERRED")
		preferred := map[media.Codec]string{}
		for _, typ := range []media.Codec{media.CodecH264, media.CodecHEVC} {
			if d, err := rec.PreferredVideoEncoder(cmd.Context(), typ); err == nil {
				preferred[typ] = d.Name
			}
		}
		for _, d := range list {
			class := "software"
			if d.Hardware {
				class = "hardware"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", d.Name, d.Type, class, preferred[d.Type] == d.Name)
		}
		return tw.Flush()
	},
}

func init() {
	encodersCmd.Flags().String("ffmpeg", "", "path to the ffmpeg binary")
}
