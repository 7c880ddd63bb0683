package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/recorder"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record until interrupted",
	Long: `Record the primary monitor, a monitor, a window or an application.

With --replay the last --replay-seconds are kept in memory. Type "s" and
Enter to save them to replay_N.ts, "q" and Enter to stop.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	f := recordCmd.Flags()
	f.StringP("output", "o", recorder.DefaultOutputPath, `output file or srt://host:port?streamid=..., empty with --replay for replay only`)
	f.String("fps", "30", "frame rate, e.g. 60 or 30000/1001")
	f.String("size", "", "output size WIDTHxHEIGHT (default 1920x1080)")
	f.String("process", "", "record the main window of this executable")
	f.String("window", "", "record the window with this X11 id")
	f.Int("monitor", 0, "monitor index")
	f.Bool("mic", false, "record the default microphone")
	f.String("mic-device", "", "record this microphone (id or name)")
	f.Bool("no-audio", false, "do not record desktop audio")
	f.Bool("no-cursor", false, "do not draw the cursor")
	f.String("audio-source", string(recorder.AudioDesktop), "desktop or active-window")
	f.Float64("system-volume", 1, "desktop audio gain, 0 to 2")
	f.Float64("mic-volume", 1, "microphone gain, 0 to 2")
	f.String("encoder", "", "video encoder name (see 'reel encoders')")
	f.String("encoder-type", "h264", "h264 or hevc")
	f.Int("video-bitrate", 0, "video bitrate in bits per second")
	f.Int("audio-bitrate", 0, "audio bitrate in bits per second")
	f.String("drop-policy", "drop-oldest", "which frame a full video queue drops")
	f.Duration("duration", 0, "stop after this long")
	f.Bool("replay", false, "keep an instant replay buffer")
	f.Int("replay-seconds", recorder.DefaultReplaySeconds, "replay buffer length")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("ffmpeg", "", "path to the ffmpeg binary")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	fc, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := fc.recorderConfig()
	if err != nil {
		return err
	}
	opts, err := fc.options()
	if err != nil {
		return err
	}
	opts = append(opts, recorder.WithLogger(slog.Default()))
	if fc.MetricsAddr != "" {
		opts = append(opts, recorder.WithMetrics(prometheus.DefaultRegisterer))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if fc.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fc.Duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rec := recorder.New(cfg, opts...)
	rec.OnFailure(func(err error) { cancel(err) })
	if err := rec.Start(ctx); err != nil {
		return err
	}
	slog.Info("reel recording", "version", version, "session", rec.SessionID(), "output", cfg.OutputPath, "replay", cfg.EnableReplayBuffer)

	g, gctx := errgroup.WithContext(ctx)
	if fc.MetricsAddr != "" {
		srv := &http.Server{Addr: fc.MetricsAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", fc.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if cfg.EnableReplayBuffer {
		// The stdin reader cannot be interrupted; it is left behind on exit.
		go replayPrompt(gctx, rec, cancel)
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	srvErr := g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("recording failed: %w", cause)
	}

	slog.Info("stopping")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+recorder.DefaultDrainTimeout)
	defer stopCancel()
	err = rec.Stop(stopCtx)
	printSummary(rec.Stats())
	if err != nil {
		return err
	}
	return srvErr
}

// replayPrompt reads commands from stdin: "s" saves the replay buffer to
// the next replay_N.ts, "q" stops the recording.
func replayPrompt(ctx context.Context, rec *recorder.Recorder, cancel context.CancelCauseFunc) {
	fmt.Fprintln(os.Stderr, `replay buffer on: "s" + Enter saves, "q" + Enter quits`)
	var n atomic.Int64
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "s":
			path := fmt.Sprintf("replay_%d.ts", n.Add(1))
			job, err := rec.SaveReplay(path)
			if err != nil {
				slog.Error("replay save failed", "path", path, "error", err)
				continue
			}
			go func() {
				res, err := job.Wait(ctx)
				if err != nil {
					slog.Error("replay save failed", "path", job.Path(), "error", err)
					return
				}
				fmt.Fprintf(os.Stderr, "saved %s: %s, %s\n", res.Path, res.Duration.Round(100*time.Millisecond), humanize.Bytes(uint64(res.Bytes)))
			}()
		case "q":
			cancel(nil)
			return
		case "":
		default:
			fmt.Fprintln(os.Stderr, `unknown command; "s" saves, "q" quits`)
		}
	}
}

func printSummary(st recorder.Stats) {
	fmt.Fprintf(os.Stderr, "session %s: recorded %s, %s written with %s\n",
		st.SessionID,
		st.Recorded.Round(time.Millisecond),
		humanize.Bytes(uint64(st.OutputBytes)),
		st.Encoder,
	)
	p := st.Pipeline
	if p.QueueDropped > 0 || p.EncodeDropped > 0 || p.Lost > 0 {
		fmt.Fprintf(os.Stderr, "dropped %d queued and %d encoder units, lost %d at shutdown\n", p.QueueDropped, p.EncodeDropped, p.Lost)
	}
}
