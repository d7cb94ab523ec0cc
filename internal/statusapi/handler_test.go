package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidclient/internal/api"
	"vidclient/internal/platform/logger"
	"vidclient/internal/platform/metrics"
	"vidclient/internal/player"
	"vidclient/internal/upload"
)

type fakeUploads struct {
	mu        sync.Mutex
	job       upload.Job
	cancelled int
	err       error
}

func (f *fakeUploads) Snapshot() upload.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job
}

func (f *fakeUploads) CancelUpload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled++
	f.job.Phase = upload.PhaseCancelled
	return nil
}

func (f *fakeUploads) ResetUpload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.job.Phase.Active() {
		return upload.ErrUploadInProgress
	}
	f.job = upload.Job{Phase: upload.PhaseIdle}
	return nil
}

func newTestPlayer(t *testing.T) (*player.Player, *player.HeadlessElement) {
	t.Helper()
	el := player.NewHeadlessElement()
	p := player.New(player.Deps{Element: el}, player.Options{}, logger.Discard(), nil)
	t.Cleanup(p.Close)
	require.NoError(t, p.SetVisible(true))
	require.NoError(t, p.Load(player.MediaSource{URL: "https://cdn.example/clip.mp4"}))
	el.SetDuration(60)
	return p, el
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GetUpload(t *testing.T) {
	up := &fakeUploads{job: upload.Job{
		JobID:              "job-1",
		Phase:              upload.PhaseProcessing,
		TransferProgress:   100,
		ProcessingProgress: 40,
		Stage:              "transcoding",
	}}
	r := NewRouter(NewHandler(up, nil, logger.Discard(), nil))

	rec := do(t, r, http.MethodGet, "/upload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "job-1", got["jobId"])
	assert.Equal(t, "processing", got["phase"])
	assert.EqualValues(t, 40, got["processingProgress"])
	assert.NotContains(t, got, "result")
}

func TestHandler_GetUpload_completed_result(t *testing.T) {
	up := &fakeUploads{job: upload.Job{
		JobID:  "job-1",
		Phase:  upload.PhaseCompleted,
		Result: &api.VideoResource{ID: "v1", Title: "Cats"},
	}}
	r := NewRouter(NewHandler(up, nil, logger.Discard(), nil))

	rec := do(t, r, http.MethodGet, "/upload", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got upload.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Result)
	assert.Equal(t, "v1", got.Result.ID)
}

func TestHandler_CancelUpload(t *testing.T) {
	up := &fakeUploads{job: upload.Job{JobID: "job-1", Phase: upload.PhaseProcessing}}
	r := NewRouter(NewHandler(up, nil, logger.Discard(), nil))

	rec := do(t, r, http.MethodPost, "/upload/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, up.cancelled)
	assert.Contains(t, rec.Body.String(), `"phase":"cancelled"`)

	rec = do(t, r, http.MethodGet, "/upload/cancel", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_ResetUpload(t *testing.T) {
	up := &fakeUploads{job: upload.Job{Phase: upload.PhaseFailed, FailureReason: "File too large"}}
	r := NewRouter(NewHandler(up, nil, logger.Discard(), nil))

	rec := do(t, r, http.MethodPost, "/upload/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, upload.PhaseIdle, up.Snapshot().Phase)
	assert.NotContains(t, rec.Body.String(), "failureReason")
}

func TestHandler_ResetUpload_rejected_while_active(t *testing.T) {
	up := &fakeUploads{job: upload.Job{JobID: "job-1", Phase: upload.PhaseProcessing}}
	r := NewRouter(NewHandler(up, nil, logger.Discard(), nil))

	rec := do(t, r, http.MethodPost, "/upload/reset", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "in progress")
	assert.Equal(t, upload.PhaseProcessing, up.Snapshot().Phase)
}

func TestHandler_upload_closed(t *testing.T) {
	up := &fakeUploads{err: upload.ErrClosed}
	r := NewRouter(NewHandler(up, nil, logger.Discard(), nil))

	rec := do(t, r, http.MethodPost, "/upload/cancel", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "closed")
}

func TestHandler_routes_without_dependency(t *testing.T) {
	r := NewRouter(NewHandler(nil, nil, logger.Discard(), nil))

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/upload"},
		{http.MethodPost, "/upload/cancel"},
		{http.MethodPost, "/upload/reset"},
		{http.MethodGet, "/player"},
		{http.MethodPost, "/player/keys"},
		{http.MethodGet, "/metrics"},
	} {
		rec := do(t, r, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestHandler_GetPlayer(t *testing.T) {
	p, _ := newTestPlayer(t)
	r := NewRouter(NewHandler(nil, p, logger.Discard(), nil))

	rec := do(t, r, http.MethodGet, "/player", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got player.PlaybackState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 60.0, got.Duration)
	assert.Equal(t, 1.0, got.Volume)
	assert.Equal(t, player.AutoLevel, got.SelectedLevel)
}

func TestHandler_PostKey(t *testing.T) {
	p, _ := newTestPlayer(t)
	r := NewRouter(NewHandler(nil, p, logger.Discard(), nil))

	rec := do(t, r, http.MethodPost, "/player/keys", `{"key":" "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var got keyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Handled)
	assert.True(t, got.State.Playing)

	rec = do(t, r, http.MethodPost, "/player/keys", `{"key":"ArrowRight"}`)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 5.0, got.State.CurrentTime)

	rec = do(t, r, http.MethodPost, "/player/keys", `{"key":"m","targetTag":"INPUT"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Handled)
	assert.False(t, got.State.Muted)
}

func TestHandler_PostKey_errors(t *testing.T) {
	p, _ := newTestPlayer(t)
	r := NewRouter(NewHandler(nil, p, logger.Discard(), nil))

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/player/keys", "not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/player/keys", `{"key":""}`).Code)

	// No fullscreen host configured.
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/player/keys", `{"key":"f"}`).Code)

	p.Close()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodPost, "/player/keys", `{"key":"k"}`).Code)
}

func TestHandler_Healthz(t *testing.T) {
	r := NewRouter(NewHandler(nil, nil, logger.Discard(), nil))
	rec := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRouter_metrics(t *testing.T) {
	m := metrics.New()
	r := NewRouter(NewHandler(&fakeUploads{}, nil, logger.Discard(), m))

	do(t, r, http.MethodGet, "/healthz", "")
	do(t, r, http.MethodGet, "/player", "")

	rec := do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "vidclient_status_requests_total 2")
	assert.Contains(t, body, "vidclient_status_errors_total 1")
}

func TestServe_shuts_down_on_cancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := NewRouter(NewHandler(nil, nil, logger.Discard(), nil))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serveListener(ctx, ln, r, logger.Discard()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(player.ErrClosed))
	assert.Equal(t, http.StatusBadRequest, statusFor(player.ErrUnsupportedRate))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
