package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zsiec/reel/internal/demux"
)

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Describe a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		rep, err := demux.ProbeFile(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %s\n", path, humanize.Bytes(uint64(fi.Size())))
		fmt.Printf("  duration   %s\n", rep.Duration)
		if rep.VideoPackets > 0 {
			fmt.Printf("  video      %d packets, %d keyframes", rep.VideoPackets, rep.Keyframes)
			if rep.Width > 0 {
				fmt.Printf(", %dx%d", rep.Width, rep.Height)
			}
			if rep.FrameRate > 0 {
				fmt.Printf(" @ %.2f fps", rep.FrameRate)
			}
			fmt.Println()
			if !rep.StartsOnKey {
				fmt.Println("  warning    first video packet is not a keyframe")
			}
		}
		for i, n := range rep.AudioPackets {
			fmt.Printf("  audio %d    %d packets\n", i, n)
		}
		var streams []string
		for _, t := range rep.Tracks {
			streams = append(streams, fmt.Sprintf("%#x:%s", t.PID, t.Codec))
		}
		fmt.Printf("  streams    %s\n", strings.Join(streams, " "))
		return nil
	},
}
