// Command reel records the screen, a window or an application together
// with desktop and microphone audio into an MPEG-TS file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:           "reel",
	Short:         "Screen and audio recorder",
	Long:          `reel captures a monitor, window or application with desktop and microphone audio and writes an MPEG-TS recording, optionally keeping an instant replay buffer.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debug || os.Getenv("DEBUG") != "" {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./reel.yaml if present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(windowsCmd)
	rootCmd.AddCommand(monitorsCmd)
	rootCmd.AddCommand(audioDevicesCmd)
	rootCmd.AddCommand(encodersCmd)
	rootCmd.AddCommand(probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "reel:", err)
		os.Exit(1)
	}
}
