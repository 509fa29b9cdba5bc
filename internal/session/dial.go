package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/frame"
	"github.com/m2m-fabric/m2m/internal/metrics"
	"github.com/m2m-fabric/m2m/internal/secure"
)

// Send opens one session to addr, performs the handshake, delivers a single
// sealed message, waits for the delivery ack, and closes. This is the
// reference one-connection-per-send flow; keys are never reused across
// connections.
//
// The envelope's correlation id (minted here when absent) is carried both on
// the outer frame and inside the sealed payload. The id used is returned so
// request/response callers can pair the eventual reply.
func Send(ctx context.Context, addr, selfID string, env control.Envelope) (string, error) {
	corrID := env.CorrelationID
	if corrID == "" {
		corrID = control.NewCorrelationID()
		env.CorrelationID = corrID
	}
	if env.From == "" {
		env.From = selfID
	}
	if env.Timestamp == 0 {
		env.Timestamp = control.NowMillis()
	}

	if err := send(ctx, addr, env, corrID); err != nil {
		metrics.SessionsDialed.WithLabelValues("error").Inc()
		return corrID, err
	}
	metrics.SessionsDialed.WithLabelValues("ok").Inc()
	return corrID, nil
}

func send(ctx context.Context, addr string, env control.Envelope, corrID string) error {
	dialer := net.Dialer{Timeout: InitiatorTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	// Honour both the caller's context and the protocol's 10s initiator
	// deadline for the whole exchange.
	deadline := time.Now().Add(InitiatorTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	enc := frame.NewEncoder(conn)
	dec := frame.NewDecoder(conn)

	kp, err := secure.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}
	pub, err := kp.PublicBase64()
	if err != nil {
		return err
	}

	if err := enc.Encode(control.PeerFrame{Type: control.FrameHandshake, Key: pub, From: env.From}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	var ack control.PeerFrame
	if err := dec.Decode(&ack); err != nil {
		return fmt.Errorf("read handshake_ack: %w", err)
	}
	if ack.Error != "" {
		return fmt.Errorf("%w: %s", ErrPeerRejected, ack.Error)
	}
	if ack.Type != control.FrameHandshakeAck || ack.Key == "" {
		return fmt.Errorf("unexpected frame %q during handshake", ack.Type)
	}

	key, err := kp.Derive(ack.Key)
	if err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}

	plaintext, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	sealed, err := secure.Seal(key, plaintext)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}

	msg := control.PeerFrame{
		Type:          control.FrameMessage,
		MessageType:   env.Type,
		Data:          sealed,
		CorrelationID: corrID,
	}
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	// Wait for the matching delivery ack. Pongs may interleave; anything
	// else is a failure.
	for {
		var reply control.PeerFrame
		if err := dec.Decode(&reply); err != nil {
			return fmt.Errorf("read ack: %w", err)
		}
		switch {
		case reply.Error != "":
			return fmt.Errorf("%w: %s", ErrPeerRejected, reply.Error)
		case reply.Type == control.FrameAck:
			if reply.CorrelationID != corrID {
				return fmt.Errorf("ack for %q, want %q", reply.CorrelationID, corrID)
			}
			return nil
		case reply.Type == control.FramePong:
			continue
		default:
			return fmt.Errorf("unexpected frame %q while awaiting ack", reply.Type)
		}
	}
}

// Ping opens a session-less liveness probe: dial, ping, await pong, close.
// No handshake is performed; ping/pong frames are plaintext by design.
func Ping(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: InitiatorTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(InitiatorTimeout)); err != nil {
		return err
	}

	if err := frame.NewEncoder(conn).Encode(control.PeerFrame{Type: control.FramePing}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	var reply control.PeerFrame
	if err := frame.NewDecoder(conn).Decode(&reply); err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if reply.Type != control.FramePong {
		return errors.New("no pong")
	}
	return nil
}
