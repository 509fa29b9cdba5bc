// Package notify publishes agent presence transitions to external systems.
// The hub is content-blind; notifications carry ids and statuses only.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/m2m-fabric/m2m/internal/control"
)

// Presence describes one agent lifecycle transition.
type Presence struct {
	AgentID   string         `json:"agent_id"`
	Status    control.Status `json:"status"`
	Address   string         `json:"address,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers presence transitions to an external system.
type Notifier interface {
	Send(ctx context.Context, p Presence) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging
// package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Log writes presence transitions to the hub's own log stream. Always part
// of the chain so transitions are visible even with no broker configured.
type Log struct {
	log Logger
}

// NewLog creates the logging notifier.
func NewLog(log Logger) *Log { return &Log{log: log} }

// Name returns the provider name for logging.
func (l *Log) Name() string { return "log" }

// Send logs one presence transition.
func (l *Log) Send(_ context.Context, p Presence) error {
	l.log.Info("presence", "agent_id", p.AgentID, "status", string(p.Status), "address", p.Address)
	return nil
}

// Multi fans out presence transitions to multiple notifiers. Failures are
// logged but never propagated; notifications must not block the registry.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Name returns the provider name for logging.
func (m *Multi) Name() string { return "multi" }

// Send fans one transition out to every notifier in the chain.
func (m *Multi) Send(ctx context.Context, p Presence) error {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	for _, n := range notifiers {
		if err := n.Send(ctx, p); err != nil {
			m.log.Error("presence notification failed",
				"provider", n.Name(),
				"agent_id", p.AgentID,
				"status", string(p.Status),
				"error", err.Error(),
			)
		}
	}
	return nil
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
