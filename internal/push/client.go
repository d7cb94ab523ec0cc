// Package push keeps a WebSocket subscription to the backend's per-user event
// stream open, reconnecting with exponential backoff.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"vidclient/internal/platform/metrics"
)

// Sink receives connection state changes and events. Calls are made from the
// client's goroutine, one at a time.
type Sink interface {
	PushConnected()
	PushDisconnected(err error)
	PushEvent(ev Event)
}

// Client dials the push endpoint.
type Client struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	log       *slog.Logger
	metrics   *metrics.Metrics
	newBO     func() backoff.BackOff
	connected atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHeader adds headers (cookies, Authorization) to the handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithBackoff replaces the reconnect policy.
func WithBackoff(newBO func() backoff.BackOff) Option {
	return func(c *Client) { c.newBO = newBO }
}

// NewClient returns a Client for url (ws:// or wss://). m may be nil.
func NewClient(url string, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Client {
	c := &Client{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     log,
		metrics: m,
		newBO:   defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Connected reports whether a subscription is currently live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run subscribes to userID's events and blocks until ctx is done.
func (c *Client) Run(ctx context.Context, userID string, sink Sink) error {
	bo := c.newBO()
	for {
		err := c.session(ctx, userID, sink, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("push: giving up: %w", err)
		}
		c.log.Warn("push channel down, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", wait))
		c.metrics.IncPushReconnects()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (c *Client) session(ctx context.Context, userID string, sink Sink, bo backoff.BackOff) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	// Closing the connection is the only way to unblock ReadMessage.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	if err := conn.WriteJSON(joinMessage{Type: "join_user", UserID: userID}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	c.connected.Store(true)
	bo.Reset()
	c.log.Info("push channel connected", slog.String("user_id", userID))
	sink.PushConnected()

	err = c.readLoop(conn, sink)
	c.connected.Store(false)
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	sink.PushDisconnected(err)
	return err
}

func (c *Client) readLoop(conn *websocket.Conn, sink Sink) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := decodeEvent(data)
		if err != nil {
			c.log.Debug("push: dropping undecodable message", slog.String("error", err.Error()))
			continue
		}
		c.metrics.IncPushEvents(string(ev.Type))
		if ev.Type == EventUnknown {
			continue
		}
		sink.PushEvent(ev)
	}
}

func decodeEvent(data []byte) (Event, error) {
	var raw struct {
		Event
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, err
	}
	ev := raw.Event
	ev.Type = normalizeType(raw.Type)
	return ev, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed: %d %s", ce.Code, ce.Text)
	}
	return err.Error()
}
