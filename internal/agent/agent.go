// Package agent is the peer runtime: it keeps the hub connection alive,
// serves inbound peer sessions, and exposes the messaging API (send,
// request/respond, broadcast) on top of them.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m2m-fabric/m2m/internal/clock"
	"github.com/m2m-fabric/m2m/internal/config"
	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/events"
	"github.com/m2m-fabric/m2m/internal/hubclient"
	"github.com/m2m-fabric/m2m/internal/session"
)

const (
	// addressTTL is how long a resolved peer address is trusted before the
	// hub is asked again.
	addressTTL = 60 * time.Second
	// AppRequestTimeout is the default wait for a peer's response when the
	// caller's context carries no earlier deadline.
	AppRequestTimeout = 30 * time.Second

	messagesBuffer = 64
)

// Peer resolution errors.
var (
	ErrPeerNotFound = errors.New("peer not found")
	ErrPeerOffline  = errors.New("peer offline")
)

// Message is one application message received from a peer.
type Message struct {
	From          string
	Type          string
	Payload       json.RawMessage
	CorrelationID string
	Timestamp     int64
}

// Handler processes one inbound request message. A non-nil result is sent
// back to the requester as "<type>:response" under the same correlation id.
type Handler func(ctx context.Context, msg Message) (json.RawMessage, error)

type cacheEntry struct {
	address string
	expires time.Time
}

// Agent is the runtime for one peer. Construct with New, then Run.
type Agent struct {
	cfg      *config.Agent
	hub      *hubclient.Client
	listener *session.Listener
	bus      *events.Bus
	clk      clock.Clock
	log      *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	waitMu  sync.Mutex
	waiters map[string]chan Message

	handlerMu sync.Mutex
	handlers  map[string]Handler

	messages chan Message
}

// New assembles an agent runtime from configuration. The P2P port is bound
// immediately so a port conflict fails fast; nothing speaks to the hub until
// Run.
func New(cfg *config.Agent, clk clock.Clock, log *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent config: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		bus:      events.New(),
		clk:      clk,
		log:      log,
		cache:    make(map[string]cacheEntry),
		waiters:  make(map[string]chan Message),
		handlers: make(map[string]Handler),
		messages: make(chan Message, messagesBuffer),
	}

	listener, err := session.Listen(cfg.Port, func() string { return a.hub.ID() }, log)
	if err != nil {
		return nil, err
	}
	a.listener = listener

	a.hub = hubclient.New(hubclient.Options{
		HubURL:            cfg.Hub,
		Address:           a.advertisedAddress(),
		Capabilities:      cfg.Capabilities,
		Metadata:          cfg.Metadata,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Reconnect:         cfg.Reconnect(),
	}, a.bus, clk, log)

	return a, nil
}

// advertisedAddress is what the agent tells the hub: the explicit override
// when configured, otherwise just the P2P port for the hub to pair with the
// observed IP.
func (a *Agent) advertisedAddress() string {
	if a.cfg.Address != "" {
		return a.cfg.Address
	}
	port := a.cfg.Port
	if tcp, ok := a.listener.Addr().(*net.TCPAddr); ok {
		port = tcp.Port // resolves port 0 to the bound port
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

// ID returns the current hub-assigned agent id ("" before registration).
func (a *Agent) ID() string { return a.hub.ID() }

// Events returns the connection-state event bus.
func (a *Agent) Events() *events.Bus { return a.bus }

// Messages returns the channel of inbound messages that matched no handler
// and no pending request.
func (a *Agent) Messages() <-chan Message { return a.messages }

// WaitReady blocks until the agent is registered with the hub.
func (a *Agent) WaitReady(ctx context.Context) error { return a.hub.WaitReady(ctx) }

// Run serves the P2P listener, the hub connection, and the inbound dispatch
// loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		a.listener.Close()
		return nil
	})
	g.Go(func() error {
		err := a.listener.Run()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := a.hub.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.dispatchLoop(ctx)
		return nil
	})

	return g.Wait()
}

// Handle registers the handler for one message type. Registering the same
// type twice is a programming error and is rejected.
func (a *Agent) Handle(msgType string, h Handler) error {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	if _, dup := a.handlers[msgType]; dup {
		return fmt.Errorf("handler for %q already registered", msgType)
	}
	a.handlers[msgType] = h
	return nil
}

// dispatchLoop routes inbound peer messages: response waiters first, then
// registered handlers, then the general channel.
func (a *Agent) dispatchLoop(ctx context.Context) {
	for {
		var in session.Incoming
		select {
		case <-ctx.Done():
			return
		case in = <-a.listener.Incoming():
		}

		msg := Message{
			From:          in.From,
			Type:          in.Type,
			Payload:       in.Payload,
			CorrelationID: in.CorrelationID,
			Timestamp:     in.Timestamp,
		}

		if ch := a.takeWaiter(msg.CorrelationID, msg.Type); ch != nil {
			ch <- msg
			continue
		}

		a.handlerMu.Lock()
		h, ok := a.handlers[msg.Type]
		a.handlerMu.Unlock()
		if ok {
			go a.runHandler(ctx, h, msg)
			continue
		}

		select {
		case a.messages <- msg:
		default:
			a.log.Warn("message channel full, dropping", "type", msg.Type, "from", msg.From)
		}
	}
}

// registerWaiter claims a correlation id for one response. A second
// registration under the same id is a contract violation and is rejected so
// the first waiter is never silently displaced.
func (a *Agent) registerWaiter(corrID string) (chan Message, error) {
	a.waitMu.Lock()
	defer a.waitMu.Unlock()
	if _, dup := a.waiters[corrID]; dup {
		return nil, fmt.Errorf("correlation id %q already in flight", corrID)
	}
	ch := make(chan Message, 1)
	a.waiters[corrID] = ch
	return ch, nil
}

// takeWaiter claims the response waiter for a correlation id, but only for
// response-typed messages. Late responses whose waiter already gave up fall
// through to the general channel.
func (a *Agent) takeWaiter(corrID, msgType string) chan Message {
	if !isResponseType(msgType) {
		return nil
	}
	a.waitMu.Lock()
	defer a.waitMu.Unlock()
	ch, ok := a.waiters[corrID]
	if !ok {
		return nil
	}
	delete(a.waiters, corrID)
	return ch
}

func isResponseType(t string) bool {
	const suffix = ":response"
	return len(t) > len(suffix) && t[len(t)-len(suffix):] == suffix
}

// runHandler executes one registered handler and, when it produces a result,
// delivers it back over a fresh session to the requester.
func (a *Agent) runHandler(ctx context.Context, h Handler, msg Message) {
	result, err := h(ctx, msg)
	if err != nil {
		a.log.Warn("handler failed", "type", msg.Type, "from", msg.From, "error", err)
		return
	}
	if result == nil {
		return
	}

	addr, err := a.Resolve(ctx, msg.From)
	if err != nil {
		a.log.Warn("cannot resolve requester for response", "peer", msg.From, "error", err)
		return
	}
	if _, err := session.Send(ctx, addr, a.ID(), control.Envelope{
		Type:          msg.Type + ":response",
		Payload:       result,
		CorrelationID: msg.CorrelationID,
	}); err != nil {
		a.log.Warn("response delivery failed", "peer", msg.From, "error", err)
	}
}

// Resolve maps a peer id to its current P2P address, consulting the local
// cache before asking the hub. Offline peers resolve to ErrPeerOffline; idle
// peers are still addressable.
func (a *Agent) Resolve(ctx context.Context, peerID string) (string, error) {
	now := a.clk.Now()

	a.cacheMu.Lock()
	if e, ok := a.cache[peerID]; ok && now.Before(e.expires) {
		a.cacheMu.Unlock()
		return e.address, nil
	}
	a.cacheMu.Unlock()

	resp, err := a.hub.Request(ctx, control.Request{Action: control.ActionLookup, ID: peerID})
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", peerID, err)
	}
	if !resp.OK() {
		if resp.Error == control.ErrCodeAgentNotFound {
			return "", fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
		}
		return "", fmt.Errorf("lookup %s: %s", peerID, resp.Error)
	}
	if resp.Agent.Status == control.StatusOffline {
		return "", fmt.Errorf("%w: %s", ErrPeerOffline, peerID)
	}

	a.cacheAddress(peerID, resp.Agent.Address)
	return resp.Agent.Address, nil
}

func (a *Agent) cacheAddress(peerID, address string) {
	a.cacheMu.Lock()
	a.cache[peerID] = cacheEntry{address: address, expires: a.clk.Now().Add(addressTTL)}
	a.cacheMu.Unlock()
}

// Send delivers one fire-and-forget message to a peer.
func (a *Agent) Send(ctx context.Context, peerID, msgType string, payload json.RawMessage) error {
	addr, err := a.Resolve(ctx, peerID)
	if err != nil {
		return err
	}
	_, err = session.Send(ctx, addr, a.ID(), control.Envelope{Type: msgType, Payload: payload})
	if err != nil {
		// The cached address may be stale; forget it so the next attempt
		// asks the hub again.
		a.cacheMu.Lock()
		delete(a.cache, peerID)
		a.cacheMu.Unlock()
	}
	return err
}

// Request sends a message and waits for the peer's "<type>:response" reply
// under the same correlation id. The wait is bounded by ctx or
// AppRequestTimeout, whichever is sooner.
func (a *Agent) Request(ctx context.Context, peerID, msgType string, payload json.RawMessage) (json.RawMessage, error) {
	addr, err := a.Resolve(ctx, peerID)
	if err != nil {
		return nil, err
	}

	corrID := control.NewCorrelationID()
	ch, err := a.registerWaiter(corrID)
	if err != nil {
		return nil, err
	}
	evict := func() {
		a.waitMu.Lock()
		delete(a.waiters, corrID)
		a.waitMu.Unlock()
	}

	if _, err := session.Send(ctx, addr, a.ID(), control.Envelope{
		Type:          msgType,
		Payload:       payload,
		CorrelationID: corrID,
	}); err != nil {
		evict()
		return nil, err
	}

	timer := time.NewTimer(AppRequestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply.Payload, nil
	case <-ctx.Done():
		evict()
		return nil, ctx.Err()
	case <-timer.C:
		evict()
		return nil, fmt.Errorf("request %s to %s timed out after %s", msgType, peerID, AppRequestTimeout)
	}
}

// Respond registers a request handler for msgType; sugar over Handle for
// the request/response pattern.
func (a *Agent) Respond(msgType string, h Handler) error { return a.Handle(msgType, h) }

// BroadcastResult summarizes one broadcast fan-out.
type BroadcastResult struct {
	Total     int              `json:"total"`
	Delivered int              `json:"delivered"`
	Failed    int              `json:"failed"`
	Errors    []BroadcastError `json:"errors,omitempty"`
}

// BroadcastError is one per-peer delivery failure inside a broadcast.
type BroadcastError struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

// Broadcast sends one message to every online agent matching the capability
// filter (empty matches all), this agent included when it matches. Per-peer
// failures are collected, never escalated; the aggregate always reports.
func (a *Agent) Broadcast(ctx context.Context, msgType string, payload json.RawMessage, capabilities ...string) (*BroadcastResult, error) {
	resp, err := a.hub.Request(ctx, control.Request{
		Action:       control.ActionDiscover,
		Capabilities: capabilities,
		Status:       control.StatusOnline,
		Limit:        control.MaxLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("discover for broadcast: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("discover for broadcast: %s", resp.Error)
	}

	result := &BroadcastResult{Total: len(resp.Agents)}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for _, peer := range resp.Agents {
		peer := peer
		a.cacheAddress(peer.ID, peer.Address)
		g.Go(func() error {
			_, err := session.Send(ctx, peer.Address, a.ID(), control.Envelope{
				Type:    msgType,
				Payload: payload,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, BroadcastError{AgentID: peer.ID, Error: err.Error()})
			} else {
				result.Delivered++
			}
			return nil // per-peer failures never abort the fan-out
		})
	}
	_ = g.Wait()
	return result, nil
}

// Discover queries the hub directory, excluding this agent, and refreshes
// the address cache from the results.
func (a *Agent) Discover(ctx context.Context, capabilities []string, status control.Status, limit, offset int) ([]*control.AgentRecord, error) {
	resp, err := a.hub.Request(ctx, control.Request{
		Action:       control.ActionDiscover,
		ID:           a.ID(),
		Capabilities: capabilities,
		Status:       status,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("discover: %s", resp.Error)
	}
	for _, rec := range resp.Agents {
		a.cacheAddress(rec.ID, rec.Address)
	}
	return resp.Agents, nil
}

// Find asks the hub for online agents advertising one capability, newest
// first, and refreshes the address cache from the results.
func (a *Agent) Find(ctx context.Context, capability string, limit, offset int) ([]*control.AgentRecord, error) {
	resp, err := a.hub.Request(ctx, control.Request{
		Action:     control.ActionFind,
		Capability: capability,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("find: %s", resp.Error)
	}
	for _, rec := range resp.Agents {
		a.cacheAddress(rec.ID, rec.Address)
	}
	return resp.Agents, nil
}

// SetStatus publishes an explicit status and/or metadata update to the hub.
func (a *Agent) SetStatus(ctx context.Context, status control.Status, metadata map[string]any) error {
	resp, err := a.hub.Request(ctx, control.Request{
		Action:   control.ActionStatus,
		ID:       a.ID(),
		Status:   status,
		Metadata: metadata,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("status update: %s", resp.Error)
	}
	return nil
}
