package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"vidclient/internal/api"
	"vidclient/internal/hls"
	"vidclient/internal/media"
	"vidclient/internal/player"
	"vidclient/internal/push"
	"vidclient/internal/statusapi"
	"vidclient/internal/upload"
)

const (
	cancelTimeout  = 10 * time.Second
	previewTimeout = 15 * time.Second
)

type uploadFlags struct {
	file        string
	title       string
	description string
	thumbnail   string
	userID      string
	preview     bool
}

func newUploadCmd(a *app) *cobra.Command {
	var f uploadFlags
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a video and follow it through processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runUpload(cmd.Context(), f, &syncWriter{w: cmd.OutOrStdout()})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.file, "file", "", "video file to upload")
	fl.StringVar(&f.title, "title", "", "video title")
	fl.StringVar(&f.description, "description", "", "video description")
	fl.StringVar(&f.thumbnail, "thumbnail", "", "thumbnail image")
	fl.StringVar(&f.userID, "user-id", "", "user whose push channel reports processing (defaults to USER_ID)")
	fl.BoolVar(&f.preview, "preview", false, "load the processed video and list its quality levels")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (a *app) runUpload(ctx context.Context, f uploadFlags, out io.Writer) error {
	payload, closeFiles, err := openPayload(f)
	if err != nil {
		return err
	}
	defer closeFiles()

	client, err := a.newAPIClient()
	if err != nil {
		return err
	}

	userID := f.userID
	if userID == "" {
		userID = a.cfg.UserID
	}
	var pc upload.PushChannel
	if a.cfg.PushURL != "" && userID != "" {
		hdr := http.Header{}
		if a.cfg.APIToken != "" {
			hdr.Set("Authorization", "Bearer "+a.cfg.APIToken)
		}
		pc = push.NewClient(a.cfg.PushURL, a.log, a.metrics, push.WithHeader(hdr))
	} else {
		a.log.Info("push channel not configured, tracking processing by polling")
	}

	coord := upload.NewCoordinator(client, pc, upload.Config{
		UserID:         userID,
		PollInterval:   a.cfg.PollInterval,
		PushGraceDelay: a.cfg.PushGraceDelay,
		CancelTimeout:  cancelTimeout,
	}, a.log, a.metrics)
	defer coord.Close()

	h := statusapi.NewHandler(coord, nil, a.log, a.metrics)
	var final upload.Job
	err = a.run(ctx, h, func(ctx context.Context) error {
		if err := coord.StartUpload(payload); err != nil {
			return err
		}
		job, err := followUpload(ctx, coord.Updates(), out)
		if err != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
			defer cancel()
			_ = coord.CancelUpload(cctx)
			return err
		}
		final = job
		return nil
	})
	if err != nil {
		return err
	}

	switch final.Phase {
	case upload.PhaseFailed:
		return fmt.Errorf("upload failed: %s", final.FailureReason)
	case upload.PhaseCancelled:
		return errors.New("upload cancelled")
	case upload.PhaseIdle:
		return errors.New("upload reset")
	}
	if f.preview && final.Result != nil {
		return a.preview(ctx, *final.Result, out)
	}
	return nil
}

// followUpload prints every snapshot until the job reaches a terminal phase
// or is reset to idle.
func followUpload(ctx context.Context, updates <-chan upload.Job, out io.Writer) (upload.Job, error) {
	for {
		select {
		case <-ctx.Done():
			return upload.Job{}, ctx.Err()
		case job := <-updates:
			printJob(out, job)
			if job.Phase.Terminal() || job.Phase == upload.PhaseIdle {
				return job, nil
			}
		}
	}
}

func printJob(out io.Writer, j upload.Job) {
	switch j.Phase {
	case upload.PhaseTransferring:
		fmt.Fprintf(out, "transferring %d%%\n", j.TransferProgress)
	case upload.PhaseProcessing:
		line := fmt.Sprintf("processing %.0f%%", j.ProcessingProgress)
		if j.Stage != "" {
			line += " " + j.Stage
		}
		if j.StatusMessage != "" {
			line += ": " + j.StatusMessage
		}
		fmt.Fprintln(out, line)
	case upload.PhaseCompleted:
		if j.Result != nil {
			fmt.Fprintf(out, "completed %s %q %s\n", j.Result.ID, j.Result.Title, j.Result.StreamURL())
		} else {
			fmt.Fprintf(out, "completed job %s\n", j.JobID)
		}
	case upload.PhaseFailed:
		fmt.Fprintf(out, "failed: %s\n", j.FailureReason)
	case upload.PhaseCancelled:
		fmt.Fprintln(out, "cancelled")
	case upload.PhaseIdle:
		fmt.Fprintln(out, "reset")
	}
}

func openPayload(f uploadFlags) (api.UploadPayload, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	open := func(path string) (api.File, error) {
		fh, err := os.Open(path)
		if err != nil {
			return api.File{}, fmt.Errorf("open %s: %w", path, err)
		}
		closers = append(closers, fh)
		st, err := fh.Stat()
		if err != nil {
			return api.File{}, fmt.Errorf("stat %s: %w", path, err)
		}
		return api.File{Name: filepath.Base(path), Size: st.Size(), Reader: fh}, nil
	}

	p := api.UploadPayload{Title: f.title, Description: f.description}
	video, err := open(f.file)
	if err != nil {
		closeAll()
		return p, func() {}, err
	}
	p.Video = video
	if f.thumbnail != "" {
		thumb, err := open(f.thumbnail)
		if err != nil {
			closeAll()
			return p, func() {}, err
		}
		p.Thumbnail = &thumb
	}
	return p, closeAll, nil
}

// preview loads the processed video into a headless player and lists the
// quality levels its manifest offers.
func (a *app) preview(ctx context.Context, v api.VideoResource, out io.Writer) error {
	src := player.SourceFromVideo(v)
	if !src.Adaptive() {
		fmt.Fprintf(out, "direct media %s, no quality levels\n", src.URL)
		return nil
	}

	parsed := make(chan struct{}, 1)
	failed := make(chan error, 1)
	p := player.New(player.Deps{Element: player.NewHeadlessElement()}, player.Options{
		Session: hls.Config{MaxBufferLength: time.Second},
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
		OnTelemetry: func(t player.Telemetry) {
			if t.Kind == player.TelemetryManifest {
				select {
				case parsed <- struct{}{}:
				default:
				}
			}
		},
	}, a.log, a.metrics)
	defer p.Close()

	if err := p.SetVisible(true); err != nil {
		return err
	}
	if err := p.Load(src); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, previewTimeout)
	defer cancel()
	select {
	case <-parsed:
	case err := <-failed:
		return fmt.Errorf("preview: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("preview: %w", ctx.Err())
	}

	s := p.Snapshot()
	a.log.Debug("preview manifest parsed", slog.Int("levels", len(s.Levels)))
	for _, l := range s.Levels {
		fmt.Fprintf(out, "level %d %s %s\n", l.Index, l.Label, media.FormatBitrate(l.Bandwidth))
	}
	return nil
}
