// Package api is the HTTP client for the video backend endpoints the upload
// and playback flows depend on.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ProgressFunc receives transfer progress as a whole percentage in [0,100].
type ProgressFunc func(percent int)

// Client talks to the backend REST API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   string
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends token as a bearer Authorization header.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRateLimit paces requests to at most rps per second. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient returns a Client rooted at baseURL (e.g. "http://localhost:8000/api/v1").
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload streams the payload as multipart/form-data to POST /videos/upload.
// progress may be nil. Cancelling ctx aborts the transfer.
func (c *Client) Upload(ctx context.Context, p UploadPayload, progress ProgressFunc) (TransferResult, error) {
	if p.Video.Reader == nil {
		return TransferResult{}, fmt.Errorf("upload: video file is required")
	}

	total := p.Video.Size
	if p.Thumbnail != nil {
		total += p.Thumbnail.Size
	}
	counter := &progressCounter{total: total, report: progress}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, p, counter))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/videos/upload", pr)
	if err != nil {
		return TransferResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// Uploads can legitimately outlast the client timeout; ctx bounds them instead.
	hc := *c.http
	hc.Timeout = 0

	var out TransferResult
	if err := c.do(&hc, req, &out); err != nil {
		pr.CloseWithError(err)
		return TransferResult{}, fmt.Errorf("upload: %w", err)
	}
	counter.finish()
	if out.JobID == "" {
		return TransferResult{}, fmt.Errorf("upload: response carried no job id")
	}
	return out, nil
}

// JobStatus fetches the processing state for jobID. A 404 maps to ErrJobNotFound.
func (c *Client) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/videos/jobs/"+jobID, nil)
	if err != nil {
		return JobStatus{}, err
	}
	var st JobStatus
	if err := c.do(c.http, req, &st); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return JobStatus{}, fmt.Errorf("job status %s: %w: %w", jobID, ErrJobNotFound, apiErr)
		}
		return JobStatus{}, fmt.Errorf("job status %s: %w", jobID, err)
	}
	return st, nil
}

// CancelJob asks the backend to stop processing jobID.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/videos/jobs/"+jobID, nil)
	if err != nil {
		return err
	}
	if err := c.do(c.http, req, nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

// RecordView registers a view of videoID.
func (c *Client) RecordView(ctx context.Context, videoID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/videos/"+videoID+"/view", nil)
	if err != nil {
		return err
	}
	if err := c.do(c.http, req, nil); err != nil {
		return fmt.Errorf("record view %s: %w", videoID, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do executes req and decodes the envelope's data into out (when non-nil).
func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Message = env.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("decode response: empty data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func writeMultipart(mw *multipart.Writer, p UploadPayload, counter *progressCounter) error {
	if err := mw.WriteField("title", p.Title); err != nil {
		return err
	}
	if err := mw.WriteField("description", p.Description); err != nil {
		return err
	}
	if err := copyPart(mw, "videoFile", p.Video, counter); err != nil {
		return err
	}
	if p.Thumbnail != nil {
		if err := copyPart(mw, "thumbnail", *p.Thumbnail, counter); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyPart(mw *multipart.Writer, field string, f File, counter *progressCounter) error {
	part, err := mw.CreateFormFile(field, f.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, &countingReader{r: f.Reader, counter: counter})
	return err
}

// progressCounter turns byte counts into whole-percent reports, emitting each
// percentage at most once and never going backwards.
type progressCounter struct {
	total  int64
	loaded atomic.Int64
	last   atomic.Int64
	report ProgressFunc
}

func (p *progressCounter) add(n int) {
	loaded := p.loaded.Add(int64(n))
	if p.total <= 0 {
		return
	}
	pct := loaded * 100 / p.total
	if pct > 100 {
		pct = 100
	}
	p.emit(pct)
}

func (p *progressCounter) finish() {
	p.emit(100)
}

func (p *progressCounter) emit(pct int64) {
	for {
		last := p.last.Load()
		if pct <= last {
			return
		}
		if p.last.CompareAndSwap(last, pct) {
			if p.report != nil {
				p.report(int(pct))
			}
			return
		}
	}
}

type countingReader struct {
	r       io.Reader
	counter *progressCounter
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.counter.add(n)
	}
	return n, err
}
