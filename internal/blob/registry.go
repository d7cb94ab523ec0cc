// Package blob materializes in-memory payloads (inline manifests) into
// "blob:" object URLs that loaders can resolve like any other URI.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheme prefixes every URL the registry hands out.
const Scheme = "blob:"

// ErrNotFound is returned when a URL was never created or has already been revoked.
var ErrNotFound = errors.New("object url not found")

// Object is one materialized payload.
type Object struct {
	ID        string
	MimeType  string
	Data      []byte
	CreatedAt time.Time
}

// Registry hands out and revokes object URLs. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	revoked int
}

// NewRegistry returns a Registry backed by an in-memory store.
func NewRegistry() *Registry {
	return NewRegistryWithStore(NewInMemoryStore())
}

// NewRegistryWithStore returns a Registry that keeps objects in store.
func NewRegistryWithStore(store Store) *Registry {
	return &Registry{store: store}
}

// Create copies data into the registry and returns its object URL.
func (r *Registry) Create(mimeType string, data []byte) string {
	o := Object{
		ID:        uuid.NewString(),
		MimeType:  mimeType,
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.store.Put(o)
	r.mu.Unlock()

	return Scheme + o.ID
}

// Open returns a reader over the payload behind url.
func (r *Registry) Open(url string) (io.ReadCloser, string, error) {
	id, ok := parseURL(url)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, url)
	}

	r.mu.RLock()
	o, exists := r.store.Get(id)
	r.mu.RUnlock()
	if !exists {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return io.NopCloser(bytes.NewReader(o.Data)), o.MimeType, nil
}

// Revoke releases url. A second revoke of the same URL returns ErrNotFound.
func (r *Registry) Revoke(url string) error {
	id, ok := parseURL(url)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.store.Delete(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	r.revoked++
	return nil
}

// Live returns the number of URLs created and not yet revoked.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Len()
}

// Revoked returns the number of successful revocations.
func (r *Registry) Revoked() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revoked
}

// IsObjectURL reports whether u was produced by a Registry.
func IsObjectURL(u string) bool {
	return strings.HasPrefix(u, Scheme)
}

func parseURL(u string) (string, bool) {
	if !IsObjectURL(u) {
		return "", false
	}
	id := strings.TrimPrefix(u, Scheme)
	return id, id != ""
}
