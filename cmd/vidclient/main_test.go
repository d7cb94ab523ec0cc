package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidclient/internal/platform/config"
	"vidclient/internal/platform/logger"
	"vidclient/internal/platform/metrics"
	"vidclient/internal/player"
	"vidclient/internal/upload"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func unsetAfter(t *testing.T, keys ...string) {
	t.Helper()
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})
}

func TestResolveConfig_defaults(t *testing.T) {
	cfg, err := resolveConfig(rootFlags{envFile: filepath.Join(t.TempDir(), ".env")}, false)
	require.NoError(t, err)
	assert.Equal(t, config.Default().APIBaseURL, cfg.APIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestResolveConfig_missing_env_file_requested(t *testing.T) {
	_, err := resolveConfig(rootFlags{envFile: filepath.Join(t.TempDir(), "missing.env")}, true)
	require.Error(t, err)
}

func TestResolveConfig_layers(t *testing.T) {
	unsetAfter(t, "PUSH_URL", "POLL_INTERVAL")
	envFile := writeFile(t, ".env", "PUSH_URL=ws://env-file/ws\nPOLL_INTERVAL=750ms\n")
	yamlFile := writeFile(t, "vidclient.yaml", strings.Join([]string{
		"api_base_url: http://from-yaml/api/v1",
		"push_url: ws://from-yaml/ws",
		"poll_interval: 2s",
		"status_addr: 127.0.0.1:9000",
	}, "\n"))

	cfg, err := resolveConfig(rootFlags{
		envFile:    envFile,
		configFile: yamlFile,
		statusAddr: "127.0.0.1:9100",
		logLevel:   "debug",
	}, true)
	require.NoError(t, err)

	assert.Equal(t, "http://from-yaml/api/v1", cfg.APIBaseURL)
	assert.Equal(t, "ws://env-file/ws", cfg.PushURL, "environment overrides the file")
	assert.Equal(t, 750*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "127.0.0.1:9100", cfg.StatusAddr, "flags override everything")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestSourceFromArgs(t *testing.T) {
	src, err := sourceFromArgs(playFlags{}, []string{"https://cdn.example/v.m3u8"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/v.m3u8", src.URL)

	manifest := writeFile(t, "inline.m3u8", "#EXTM3U\n")
	src, err = sourceFromArgs(playFlags{manifestFile: manifest, baseURL: "https://cdn.example/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", src.Manifest)
	assert.Equal(t, "https://cdn.example/", src.BaseURL)

	_, err = sourceFromArgs(playFlags{}, nil)
	assert.Error(t, err)
	_, err = sourceFromArgs(playFlags{manifestFile: manifest}, []string{"x"})
	assert.Error(t, err)
}

func newDirectPlayer(t *testing.T) *player.Player {
	t.Helper()
	el := player.NewHeadlessElement()
	p := player.New(player.Deps{Element: el}, player.Options{}, logger.Discard(), nil)
	t.Cleanup(p.Close)
	require.NoError(t, p.SetVisible(true))
	require.NoError(t, p.Load(player.MediaSource{URL: "https://cdn.example/clip.mp4"}))
	el.SetDuration(120)
	return p
}

func TestExecute(t *testing.T) {
	p := newDirectPlayer(t)
	var out bytes.Buffer

	require.NoError(t, execute(p, "space", &out))
	assert.True(t, p.Snapshot().Playing)
	require.NoError(t, execute(p, "seek 30", &out))
	require.NoError(t, execute(p, "ArrowRight", &out))
	assert.Equal(t, 35.0, p.Snapshot().CurrentTime)
	require.NoError(t, execute(p, "volume 0.25", &out))
	assert.Equal(t, 0.25, p.Snapshot().Volume)
	require.NoError(t, execute(p, "rate 1.5", &out))
	assert.Equal(t, 1.5, p.Snapshot().PlaybackRate)
	require.NoError(t, execute(p, "quality auto", &out))
	require.NoError(t, execute(p, "   ", &out))

	assert.ErrorIs(t, execute(p, "rate 3", &out), player.ErrUnsupportedRate)
	assert.ErrorIs(t, execute(p, "quality 2", &out), player.ErrInvalidLevel)
	assert.Error(t, execute(p, "seek", &out))
	assert.Error(t, execute(p, "volume loud", &out))
	assert.Error(t, execute(p, "dance", &out))
	assert.ErrorIs(t, execute(p, "quit", &out), errQuit)

	out.Reset()
	require.NoError(t, execute(p, "status", &out))
	var s player.PlaybackState
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, 120.0, s.Duration)
}

func TestReadCommands_stops_at_end_of_input(t *testing.T) {
	p := newDirectPlayer(t)
	var out bytes.Buffer

	err := readCommands(context.Background(), strings.NewReader("k\nbogus\nm\n"), p, &out)
	assert.ErrorIs(t, err, errQuit)
	assert.True(t, p.Snapshot().Playing)
	assert.True(t, p.Snapshot().Muted)
	assert.Contains(t, out.String(), `unknown command "bogus"`)
}

func TestFollowUpload(t *testing.T) {
	updates := make(chan upload.Job, 4)
	updates <- upload.Job{Phase: upload.PhaseTransferring, TransferProgress: 50}
	updates <- upload.Job{Phase: upload.PhaseProcessing, TransferProgress: 100, ProcessingProgress: 10, Stage: "transcoding"}
	updates <- upload.Job{Phase: upload.PhaseFailed, FailureReason: "codec unsupported"}

	var out bytes.Buffer
	job, err := followUpload(context.Background(), updates, &out)
	require.NoError(t, err)
	assert.Equal(t, upload.PhaseFailed, job.Phase)
	assert.Equal(t, "transferring 50%\nprocessing 10% transcoding\nfailed: codec unsupported\n", out.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = followUpload(ctx, make(chan upload.Job), &out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFollowUpload_stops_on_reset(t *testing.T) {
	updates := make(chan upload.Job, 2)
	updates <- upload.Job{Phase: upload.PhaseTransferring, TransferProgress: 20}
	updates <- upload.Job{Phase: upload.PhaseIdle}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := followUpload(ctx, updates, &out)
	require.NoError(t, err)
	assert.Equal(t, upload.PhaseIdle, job.Phase)
	assert.Equal(t, "transferring 20%\nreset\n", out.String())
}

type backend struct {
	srv      *httptest.Server
	uploads  atomic.Int32
	polls    atomic.Int32
	views    atomic.Int32
	jobState string
}

func envelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"statusCode": status,
		"data":       data,
		"success":    status < 300,
	})
}

func newBackend(t *testing.T, jobState string) *backend {
	t.Helper()
	b := &backend{jobState: jobState}
	r := chi.NewRouter()
	r.Route("/api/v1/videos", func(r chi.Router) {
		r.Post("/upload", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			b.uploads.Add(1)
			envelope(w, http.StatusAccepted, map[string]string{"jobId": "job-1"})
		})
		r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			b.polls.Add(1)
			st := map[string]any{"state": b.jobState, "progress": 100}
			if b.jobState == "completed" {
				st["result"] = map[string]any{"_id": "v1", "title": "Cats", "videoFile": "https://cdn.example/v1.mp4"}
			} else {
				st["error"] = "codec unsupported"
			}
			envelope(w, http.StatusOK, st)
		})
		r.Post("/{id}/view", func(w http.ResponseWriter, r *http.Request) {
			b.views.Add(1)
			envelope(w, http.StatusOK, nil)
		})
	})
	b.srv = httptest.NewServer(r)
	t.Cleanup(b.srv.Close)
	return b
}

func testApp(b *backend) *app {
	cfg := config.Default()
	cfg.APIBaseURL = b.srv.URL + "/api/v1"
	cfg.PushURL = ""
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PushGraceDelay = 10 * time.Millisecond
	cfg.APIRateLimit = 0
	return &app{cfg: cfg, log: logger.Discard(), metrics: metrics.New()}
}

func TestRunUpload_completes_by_polling(t *testing.T) {
	b := newBackend(t, "completed")
	a := testApp(b)
	video := writeFile(t, "clip.mp4", strings.Repeat("v", 4096))

	var out bytes.Buffer
	err := a.runUpload(context.Background(), uploadFlags{file: video, title: "Cats", preview: true}, &syncWriter{w: &out})
	require.NoError(t, err)

	assert.Equal(t, int32(1), b.uploads.Load())
	assert.GreaterOrEqual(t, b.polls.Load(), int32(1))
	assert.Contains(t, out.String(), "transferring 100%")
	assert.Contains(t, out.String(), `completed v1 "Cats" https://cdn.example/v1.mp4`)
	assert.Contains(t, out.String(), "direct media https://cdn.example/v1.mp4")
}

func TestRunUpload_failure_is_an_error(t *testing.T) {
	b := newBackend(t, "failed")
	a := testApp(b)
	video := writeFile(t, "clip.mp4", "v")

	var out bytes.Buffer
	err := a.runUpload(context.Background(), uploadFlags{file: video, title: "Cats"}, &syncWriter{w: &out})
	require.Error(t, err)
	assert.Equal(t, "upload failed: codec unsupported", err.Error())
}

func TestRunUpload_missing_file(t *testing.T) {
	b := newBackend(t, "completed")
	a := testApp(b)
	err := a.runUpload(context.Background(), uploadFlags{file: filepath.Join(t.TempDir(), "nope.mp4"), title: "x"}, io.Discard)
	require.Error(t, err)
	assert.Zero(t, b.uploads.Load())
}

func TestRunPlay_records_view_and_quits(t *testing.T) {
	b := newBackend(t, "completed")
	a := testApp(b)

	var out bytes.Buffer
	in := strings.NewReader("space\nstatus\nquit\n")
	err := a.runPlay(context.Background(), player.MediaSource{URL: "https://cdn.example/v1.mp4"},
		playFlags{videoID: "v1"}, in, &syncWriter{w: &out})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "play at 0:00")
	require.Eventually(t, func() bool { return b.views.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRootCmd_requires_flags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"upload", "--env-file", "", "--title", "x"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}
