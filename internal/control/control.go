// Package control defines the wire types shared by the hub and agents: the
// agent directory record, the control-channel request/response schema, the
// peer-channel frame grammar, and the opaque token formats.
package control

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a registered agent.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the three defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusOffline:
		return true
	}
	return false
}

// AgentRecord is the hub's authoritative view of one agent. Only the hub
// mutates records, in response to control messages and sweeper runs.
type AgentRecord struct {
	ID           string         `json:"id"`
	Address      string         `json:"address"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       Status         `json:"status"`
	LastSeen     time.Time      `json:"last_seen"`
	CreatedAt    time.Time      `json:"created_at"`
}

// HasCapability reports whether the record advertises the given label.
func (r *AgentRecord) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasAnyCapability reports whether the record advertises at least one of the
// given labels. An empty filter matches everything.
func (r *AgentRecord) HasAnyCapability(caps []string) bool {
	if len(caps) == 0 {
		return true
	}
	for _, c := range caps {
		if r.HasCapability(c) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand records out of a registry
// without aliasing its internal state.
func (r *AgentRecord) Clone() *AgentRecord {
	out := *r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Control actions accepted on the hub channel.
const (
	ActionRegister   = "register"
	ActionHeartbeat  = "heartbeat"
	ActionDiscover   = "discover"
	ActionFind       = "find"
	ActionLookup     = "lookup"
	ActionStatus     = "status"
	ActionDisconnect = "disconnect"
	ActionStats      = "stats"
)

// Pagination caps for discover/find.
const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// Request is one control-channel request. Fields beyond Action and
// CorrelationID are action-specific; unused fields are omitted on the wire.
type Request struct {
	Action        string         `json:"action"`
	CorrelationID string         `json:"correlationId"`
	ID            string         `json:"id,omitempty"`
	Address       string         `json:"address,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Capability    string         `json:"capability,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        Status         `json:"status,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	Offset        int            `json:"offset,omitempty"`
}

// Response is one control-channel response. Status is "ok" or "error";
// CorrelationID echoes the request verbatim.
type Response struct {
	Status        string         `json:"status"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Error         string         `json:"error,omitempty"`
	ID            string         `json:"id,omitempty"`
	Address       string         `json:"address,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
	Agent         *AgentRecord   `json:"agent,omitempty"`
	Agents        []*AgentRecord `json:"agents,omitempty"`
	Count         int            `json:"count,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	Offset        int            `json:"offset,omitempty"`
	Stats         *Stats         `json:"stats,omitempty"`
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool { return r.Status == "ok" }

// Stats is the aggregate view returned by the stats action and GET /stats.
type Stats struct {
	TotalAgents   int            `json:"total_agents"`
	ByStatus      map[Status]int `json:"by_status"`
	ByCapability  map[string]int `json:"by_capability"`
	UptimeSeconds int64          `json:"uptime_seconds"`
}

// Error codes surfaced on either channel.
const (
	ErrCodeAgentNotFound    = "agent_not_found"
	ErrCodeAgentOffline     = "agent_offline"
	ErrCodeInvalidJSON      = "invalid_json"
	ErrCodeInvalidMessage   = "invalid_message"
	ErrCodeDecryptionFailed = "decryption_failed"
	ErrCodeUnknownAction    = "unknown_action"
	ErrCodeMissingField     = "missing_field"
)

// Peer-channel frame types.
const (
	FrameHandshake    = "handshake"
	FrameHandshakeAck = "handshake_ack"
	FrameMessage      = "message"
	FrameAck          = "ack"
	FramePing         = "ping"
	FramePong         = "pong"
)

// PeerFrame is one frame on a peer-to-peer session. Error frames have Type
// empty and Error set.
type PeerFrame struct {
	Type          string `json:"type,omitempty"`
	Key           string `json:"key,omitempty"`
	From          string `json:"from,omitempty"`
	MessageType   string `json:"messageType,omitempty"`
	Data          string `json:"data,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Envelope is the plaintext carried inside a sealed message frame. The
// correlation id appears here as well as on the outer frame so request
// pairing survives decryption.
type Envelope struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	From          string          `json:"from"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// NowMillis returns the current time as Unix milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }

// NewAgentID mints a 32-hex-character agent id: 128 random bits. Ids are
// never reused; a fresh one is minted per registration.
func NewAgentID() string { return randHex(16) }

// NewCorrelationID mints a 16-hex-character correlation token: 64 random
// bits, enough that concurrent requests never collide in practice.
func NewCorrelationID() string { return randHex(8) }

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b)
}
