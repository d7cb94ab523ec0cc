package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"vidclient/internal/blob"
)

// maxResponseBytes caps a single playlist or segment download.
const maxResponseBytes = 64 << 20

// Fetcher retrieves the bytes behind a playlist or segment URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Loader resolves blob: object URLs through a registry and everything else
// over HTTP.
type Loader struct {
	blobs *blob.Registry
	hc    *http.Client
}

// NewLoader returns a Loader. blobs may be nil when inline manifests are not
// used; hc defaults to http.DefaultClient.
func NewLoader(blobs *blob.Registry, hc *http.Client) *Loader {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Loader{blobs: blobs, hc: hc}
}

// Fetch returns the full body for uri.
func (l *Loader) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if blob.IsObjectURL(uri) {
		if l.blobs == nil {
			return nil, fmt.Errorf("fetch %s: %w", uri, blob.ErrNotFound)
		}
		rc, _, err := l.blobs.Open(uri)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	resp, err := l.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{URI: uri, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	return data, nil
}

// HTTPError is a non-200 response for a playlist or segment.
type HTTPError struct {
	URI        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URI, e.StatusCode)
}
