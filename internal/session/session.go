// Package session implements the peer-to-peer transport: the framed,
// session-keyed TCP channel between two agents. Each TCP connection carries
// one X25519 handshake followed by sealed application frames. Session keys
// never outlive the connection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/frame"
	"github.com/m2m-fabric/m2m/internal/metrics"
	"github.com/m2m-fabric/m2m/internal/secure"
)

const (
	// ResponderIdleTimeout is how long an accepted session may sit between
	// frames before the responder closes it.
	ResponderIdleTimeout = 30 * time.Second
	// InitiatorTimeout bounds the initiator's wait for handshake_ack and
	// then for the delivery ack.
	InitiatorTimeout = 10 * time.Second

	incomingBuffer = 64
)

// Incoming is one decrypted application message dispatched upward by the
// listener.
type Incoming struct {
	From          string
	Type          string
	Payload       json.RawMessage
	CorrelationID string
	Timestamp     int64
}

// ErrPeerRejected is returned by Send when the peer reports an error frame
// instead of acknowledging delivery.
var ErrPeerRejected = errors.New("peer rejected message")

// Listener accepts inbound peer sessions on the agent's P2P port and
// dispatches decrypted messages on Incoming(). It owns no state beyond the
// active sessions and runs concurrently with outgoing sends.
type Listener struct {
	ln       net.Listener
	selfID   func() string // current agent id; changes on re-registration
	incoming chan Incoming
	log      *slog.Logger
	done     chan struct{}
}

// Listen opens the P2P port. selfID is consulted per delivery because the
// hub mints a fresh id on every (re)registration.
func Listen(port int, selfID func() string, log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on %d: %w", port, err)
	}
	return &Listener{
		ln:       ln,
		selfID:   selfID,
		incoming: make(chan Incoming, incomingBuffer),
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Incoming returns the channel of decrypted application messages.
func (l *Listener) Incoming() <-chan Incoming { return l.incoming }

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until Close. Each session runs in its own
// goroutine so one slow peer cannot stall the others.
func (l *Listener) Run() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		metrics.SessionsAccepted.Inc()
		go l.serve(conn)
	}
}

// Close stops accepting and unblocks Run. In-flight sessions finish on
// their own deadlines.
func (l *Listener) Close() error {
	close(l.done)
	return l.ln.Close()
}

// serve runs the responder state machine for one accepted connection:
// AWAIT-HELLO until a valid handshake, then KEYED until close, idle
// timeout, or a fatal protocol error.
func (l *Listener) serve(conn net.Conn) {
	defer conn.Close()

	enc := frame.NewEncoder(conn)
	dec := frame.NewDecoder(conn)

	var (
		keyed      bool
		sessionKey []byte
		peerID     string
	)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(ResponderIdleTimeout)); err != nil {
			return
		}

		var f control.PeerFrame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, frame.ErrMalformed) {
				_ = enc.Encode(control.PeerFrame{Error: control.ErrCodeInvalidMessage})
			}
			return
		}

		switch f.Type {
		case control.FrameHandshake:
			if keyed {
				_ = enc.Encode(control.PeerFrame{Error: control.ErrCodeInvalidMessage})
				return
			}
			kp, err := secure.GenerateKeyPair()
			if err != nil {
				l.log.Error("handshake keygen failed", "error", err)
				return
			}
			key, err := kp.Derive(f.Key)
			if err != nil {
				l.log.Debug("handshake rejected", "remote", conn.RemoteAddr(), "error", err)
				_ = enc.Encode(control.PeerFrame{Error: control.ErrCodeInvalidMessage})
				return
			}
			pub, err := kp.PublicBase64()
			if err != nil {
				return
			}
			if err := enc.Encode(control.PeerFrame{Type: control.FrameHandshakeAck, Key: pub, From: l.selfID()}); err != nil {
				return
			}
			sessionKey = key
			peerID = f.From
			keyed = true

		case control.FrameMessage:
			// A message before the handshake is a protocol violation;
			// drop it and close.
			if !keyed {
				return
			}
			plaintext, err := secure.Open(sessionKey, f.Data)
			if err != nil {
				// Not fatal to the session: tell the sender and keep
				// listening. The sender surfaces it as a send failure.
				metrics.DecryptFailures.Inc()
				_ = enc.Encode(control.PeerFrame{Error: control.ErrCodeDecryptionFailed})
				continue
			}

			var env control.Envelope
			if err := json.Unmarshal(plaintext, &env); err != nil {
				_ = enc.Encode(control.PeerFrame{Error: control.ErrCodeInvalidMessage})
				continue
			}
			from := env.From
			if from == "" {
				from = peerID
			}

			if err := enc.Encode(control.PeerFrame{Type: control.FrameAck, CorrelationID: f.CorrelationID}); err != nil {
				return
			}

			metrics.MessagesDelivered.Inc()
			select {
			case l.incoming <- Incoming{
				From:          from,
				Type:          env.Type,
				Payload:       env.Payload,
				CorrelationID: f.CorrelationID,
				Timestamp:     env.Timestamp,
			}:
			case <-l.done:
				// Nobody is draining anymore; stop serving.
				return
			}

		case control.FramePing:
			if err := enc.Encode(control.PeerFrame{Type: control.FramePong}); err != nil {
				return
			}

		case control.FramePong:
			// Liveness reply; nothing to do.

		default:
			if f.Error != "" {
				l.log.Debug("peer error frame", "remote", conn.RemoteAddr(), "error", f.Error)
				return
			}
			_ = enc.Encode(control.PeerFrame{Error: control.ErrCodeInvalidMessage})
			return
		}
	}
}
