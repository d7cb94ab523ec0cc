package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vidclient/internal/hls"
	"vidclient/internal/media"
	"vidclient/internal/player"
	"vidclient/internal/statusapi"
)

const (
	clockTick         = 250 * time.Millisecond
	recordViewTimeout = 10 * time.Second
)

var errQuit = errors.New("quit")

type playFlags struct {
	manifestFile string
	baseURL      string
	videoID      string
}

func newPlayCmd(a *app) *cobra.Command {
	var f playFlags
	cmd := &cobra.Command{
		Use:   "play [url]",
		Short: "Play a stream headlessly, reading shortcut keys from stdin",
		Long: `Play a media URL or an inline manifest file on a headless element.

Each stdin line is a command: a shortcut key (space, k, m, f, arrowleft,
arrowright), "quality <n|auto>", "rate <r>", "volume <v>", "seek <seconds>",
"next", "prev", "status" or "quit".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := sourceFromArgs(f, args)
			if err != nil {
				return err
			}
			return a.runPlay(cmd.Context(), src, f, cmd.InOrStdin(), &syncWriter{w: cmd.OutOrStdout()})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.manifestFile, "manifest-file", "", "play this playlist text instead of a URL")
	fl.StringVar(&f.baseURL, "base-url", "", "resolve relative URIs of --manifest-file against this URL")
	fl.StringVar(&f.videoID, "video-id", "", "record a view of this video on every play")
	return cmd
}

func sourceFromArgs(f playFlags, args []string) (player.MediaSource, error) {
	switch {
	case f.manifestFile != "" && len(args) > 0:
		return player.MediaSource{}, errors.New("pass either a url or --manifest-file, not both")
	case f.manifestFile != "":
		b, err := os.ReadFile(f.manifestFile)
		if err != nil {
			return player.MediaSource{}, fmt.Errorf("read manifest: %w", err)
		}
		return player.MediaSource{Manifest: string(b), BaseURL: f.baseURL}, nil
	case len(args) == 1:
		return player.MediaSource{URL: media.SecureURL(args[0])}, nil
	default:
		return player.MediaSource{}, errors.New("a url or --manifest-file is required")
	}
}

func (a *app) runPlay(ctx context.Context, src player.MediaSource, f playFlags, in io.Reader, out io.Writer) error {
	el := player.NewHeadlessElement()
	fs := player.NewHeadlessFullscreen()

	var recordView func()
	if f.videoID != "" {
		client, err := a.newAPIClient()
		if err != nil {
			return err
		}
		recordView = func() {
			go func() {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordViewTimeout)
				defer cancel()
				if err := client.RecordView(rctx, f.videoID); err != nil {
					a.log.Warn("failed to record view", slog.String("video_id", f.videoID), slog.String("error", err.Error()))
				}
			}()
		}
	}

	p := player.New(player.Deps{Element: el, Fullscreen: fs}, player.Options{
		LazyLoadMargin:    a.cfg.LazyLoadMargin,
		ControlsHideDelay: a.cfg.ControlsHideDelay,
		Session:           hls.Config{MaxBufferLength: a.cfg.MaxBufferLength},
		OnPlay:            recordView,
		OnNext:            func() { fmt.Fprintln(out, "next requested") },
		OnPrevious:        func() { fmt.Fprintln(out, "previous requested") },
		OnTelemetry:       func(t player.Telemetry) { printTelemetry(out, t) },
	}, a.log, a.metrics)
	fs.OnChange(p.HandleFullscreenChange)
	defer p.Close()

	// A terminal has no viewport; the player is on screen from the start.
	if err := p.SetVisible(true); err != nil {
		return err
	}
	if err := p.Load(src); err != nil {
		return err
	}

	h := statusapi.NewHandler(nil, p, a.log, a.metrics)
	err := a.run(ctx, h, func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runClock(ctx, el, clockTick) })
		g.Go(func() error { return readCommands(ctx, in, p, out) })
		return g.Wait()
	})
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runClock advances the element by wall time until ctx is done.
func runClock(ctx context.Context, el *player.HeadlessElement, tick time.Duration) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			el.Advance(now.Sub(last).Seconds())
			last = now
		}
	}
}

// readCommands executes one command per input line. End of input or "quit"
// returns errQuit so the clock stops too.
func readCommands(ctx context.Context, in io.Reader, p *player.Player, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := execute(p, line, out); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// execute runs one command line against p.
func execute(p *player.Player, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToLower(fields[0])

	arg := func() (float64, error) {
		if len(fields) != 2 {
			return 0, fmt.Errorf("%s takes one argument", cmd)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", cmd, err)
		}
		return v, nil
	}

	switch cmd {
	case "quit", "q", "exit":
		return errQuit
	case "status":
		b, err := json.Marshal(p.Snapshot())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
		return nil
	case "quality":
		if len(fields) == 2 && strings.EqualFold(fields[1], "auto") {
			return p.SelectQualityLevel(player.AutoLevel)
		}
		v, err := arg()
		if err != nil {
			return err
		}
		return p.SelectQualityLevel(int(v))
	case "rate":
		v, err := arg()
		if err != nil {
			return err
		}
		return p.SetPlaybackRate(v)
	case "volume":
		v, err := arg()
		if err != nil {
			return err
		}
		return p.SetVolume(v)
	case "seek":
		v, err := arg()
		if err != nil {
			return err
		}
		return p.Seek(v)
	case "next":
		p.Next()
		return nil
	case "prev", "previous":
		p.Previous()
		return nil
	case "space":
		cmd = " "
	}

	handled, err := p.HandleKey(player.KeyEvent{Key: cmd})
	if err != nil {
		return err
	}
	if !handled {
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func printTelemetry(out io.Writer, t player.Telemetry) {
	switch t.Kind {
	case player.TelemetryPlay:
		fmt.Fprintf(out, "play at %s\n", media.FormatTime(t.CurrentTime))
	case player.TelemetryPause:
		fmt.Fprintf(out, "pause at %s\n", media.FormatTime(t.CurrentTime))
	case player.TelemetryDuration:
		fmt.Fprintf(out, "duration %s\n", media.FormatTime(t.Duration))
	case player.TelemetryBuffering:
		if t.Buffering {
			fmt.Fprintf(out, "buffering at %s\n", media.FormatTime(t.CurrentTime))
		}
	case player.TelemetryManifest:
		fmt.Fprintln(out, "manifest parsed")
	case player.TelemetryQualitySwitch:
		fmt.Fprintf(out, "quality level %d\n", t.Level)
	case player.TelemetryError:
		fmt.Fprintf(out, "playback error: %v\n", t.Err)
	}
}
