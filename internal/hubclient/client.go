// Package hubclient maintains the agent's persistent control connection to
// the hub: one WebSocket carrying correlated request/response pairs, a
// heartbeat loop, and fixed-delay reconnection with re-registration.
package hubclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m2m-fabric/m2m/internal/clock"
	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/events"
)

const (
	// RequestTimeout bounds each control request when the caller's context
	// carries no earlier deadline.
	RequestTimeout = 10 * time.Second
	// ReconnectDelay is the fixed pause between reconnect attempts.
	ReconnectDelay = 5 * time.Second
	// dialTimeout bounds the WebSocket dial itself.
	dialTimeout = 10 * time.Second
)

// ErrNotConnected is returned by Request when no registered hub connection
// is available.
var ErrNotConnected = errors.New("not connected to hub")

// ErrClosed is returned to waiters whose connection dropped before the
// response arrived.
var ErrClosed = errors.New("hub connection closed")

// Options configures a Client.
type Options struct {
	HubURL            string         // ws:// or wss:// control endpoint
	Address           string         // advertised P2P endpoint (host:port)
	Capabilities      []string
	Metadata          map[string]any
	HeartbeatInterval time.Duration
	Reconnect         bool
}

// Client is the persistent hub connection. Safe for concurrent use; all
// writes to the socket are serialized internally.
type Client struct {
	opts Options
	bus  *events.Bus
	clk  clock.Clock
	log  *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan control.Response
	id       string
	address  string // hub-assigned address (observed IP + advertised port)
	ready    chan struct{}
	writerMu sync.Mutex
}

// New creates a Client. Call Run to connect.
func New(opts Options, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Client{
		opts:    opts,
		bus:     bus,
		clk:     clk,
		log:     log,
		pending: make(map[string]chan control.Response),
		ready:   make(chan struct{}),
	}
}

// ID returns the hub-assigned agent id, or "" before registration. The id
// changes on every reconnect.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Address returns the hub-assigned public endpoint, or "" before
// registration.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// WaitReady blocks until the client is registered or ctx expires.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects, registers, and services the control channel until ctx is
// cancelled. With Reconnect set, connection loss triggers a fixed-delay
// retry loop; each successful reconnect re-registers under a fresh id.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.opts.Reconnect {
			return err
		}

		c.log.Warn("hub connection lost", "error", err)
		c.bus.Publish(events.Event{Type: events.EventReconnecting, Error: errString(err)})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clk.After(ReconnectDelay):
		}
	}
}

// session runs one connection lifetime: dial, register, heartbeat until the
// read loop fails or ctx is cancelled.
func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.HubURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial hub %s: %w", c.opts.HubURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	teardown := func(err error) error {
		conn.Close()
		<-readErr

		c.mu.Lock()
		c.conn = nil
		c.id = ""
		c.address = ""
		c.ready = make(chan struct{})
		waiters := c.pending
		c.pending = make(map[string]chan control.Response)
		c.mu.Unlock()

		// Fail everything in flight; the response can never arrive now.
		for _, ch := range waiters {
			close(ch)
		}
		c.bus.Publish(events.Event{Type: events.EventDisconnected, Error: errString(err)})
		return err
	}

	resp, err := c.Request(ctx, control.Request{
		Action:       control.ActionRegister,
		Address:      c.opts.Address,
		Capabilities: c.opts.Capabilities,
		Metadata:     c.opts.Metadata,
	})
	if err != nil {
		return teardown(fmt.Errorf("register: %w", err))
	}
	if !resp.OK() {
		return teardown(fmt.Errorf("register rejected: %s", resp.Error))
	}

	c.mu.Lock()
	c.id = resp.ID
	c.address = resp.Address
	close(c.ready)
	c.mu.Unlock()

	c.log.Info("registered with hub", "id", resp.ID, "address", resp.Address)
	c.bus.Publish(events.Event{Type: events.EventRegistered, AgentID: resp.ID, Address: resp.Address})
	c.bus.Publish(events.Event{Type: events.EventConnected, AgentID: resp.ID})

	heartbeat := c.clk.After(c.opts.HeartbeatInterval)

	for {
		select {
		case <-ctx.Done():
			// Best effort: tell the hub we are leaving before closing.
			_, _ = c.Request(context.Background(), control.Request{
				Action: control.ActionDisconnect,
				ID:     c.ID(),
			})
			return teardown(ctx.Err())
		case err := <-readErr:
			readErr <- err // teardown drains it
			return teardown(fmt.Errorf("control channel: %w", err))
		case <-heartbeat:
			heartbeat = c.clk.After(c.opts.HeartbeatInterval)
			hb, err := c.Request(ctx, control.Request{Action: control.ActionHeartbeat, ID: c.ID()})
			if err != nil {
				c.log.Warn("heartbeat failed", "error", err)
				continue
			}
			if !hb.OK() && hb.Error == control.ErrCodeAgentNotFound {
				// The hub lost our record (restart or decay); force a
				// fresh registration cycle.
				return teardown(errors.New("hub no longer knows this agent"))
			}
		}
	}
}

// readLoop reads responses and routes them to waiters by correlation id.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var resp control.Response
		if err := conn.ReadJSON(&resp); err != nil {
			return err
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.CorrelationID]
		if ok {
			delete(c.pending, resp.CorrelationID)
		}
		c.mu.Unlock()

		if !ok {
			c.log.Debug("response with no waiter", "correlation_id", resp.CorrelationID)
			continue
		}
		ch <- resp
	}
}

// Request sends one control request and waits for its correlated response.
// A correlation id is minted when the request carries none. The wait is
// bounded by ctx or RequestTimeout, whichever is sooner.
func (c *Client) Request(ctx context.Context, req control.Request) (control.Response, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = control.NewCorrelationID()
	}

	ch := make(chan control.Response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return control.Response{}, ErrNotConnected
	}
	if _, dup := c.pending[req.CorrelationID]; dup {
		c.mu.Unlock()
		return control.Response{}, fmt.Errorf("correlation id %q already in flight", req.CorrelationID)
	}
	c.pending[req.CorrelationID] = ch
	c.mu.Unlock()

	evict := func() {
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
	}

	c.writerMu.Lock()
	err := conn.WriteJSON(req)
	c.writerMu.Unlock()
	if err != nil {
		evict()
		return control.Response{}, fmt.Errorf("send %s: %w", req.Action, err)
	}

	wait := requestWait(ctx)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return control.Response{}, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		evict()
		return control.Response{}, ctx.Err()
	case <-timer.C:
		evict()
		return control.Response{}, fmt.Errorf("%s: request timed out after %s", req.Action, wait)
	}
}

// requestWait returns how long Request may wait for its response: the
// caller's deadline when one is set (shorter or longer), RequestTimeout
// otherwise.
func requestWait(ctx context.Context) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d)
	}
	return RequestTimeout
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
