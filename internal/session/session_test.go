package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/frame"
	"github.com/m2m-fabric/m2m/internal/secure"
)

func testListener(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen(0, func() string { return "responder-id" }, slog.Default())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go l.Run()
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSendDeliversMessage(t *testing.T) {
	l := testListener(t)

	payload := json.RawMessage(`{"n":7}`)
	corrID, err := Send(context.Background(), l.Addr().String(), "agent-a", control.Envelope{
		Type:    "hello",
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(corrID) != 16 {
		t.Errorf("correlation id %q, want 16 hex chars", corrID)
	}

	select {
	case in := <-l.Incoming():
		if in.From != "agent-a" {
			t.Errorf("From = %q, want agent-a", in.From)
		}
		if in.Type != "hello" {
			t.Errorf("Type = %q, want hello", in.Type)
		}
		if !bytes.Equal(in.Payload, payload) {
			t.Errorf("Payload = %s, want %s", in.Payload, payload)
		}
		if in.CorrelationID != corrID {
			t.Errorf("CorrelationID = %q, want %q", in.CorrelationID, corrID)
		}
		if in.Timestamp == 0 {
			t.Error("Timestamp not set")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestSendLargePayload(t *testing.T) {
	l := testListener(t)

	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = 'x'
	}
	payload, _ := json.Marshal(map[string]string{"blob": string(big)})

	if _, err := Send(context.Background(), l.Addr().String(), "agent-a", control.Envelope{
		Type:    "bulk",
		Payload: payload,
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case in := <-l.Incoming():
		if !bytes.Equal(in.Payload, payload) {
			t.Error("1 MiB payload corrupted")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("large message not dispatched")
	}
}

func TestSendUnreachablePeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Send(ctx, "127.0.0.1:1", "agent-a", control.Envelope{Type: "hello"}); err == nil {
		t.Fatal("Send to closed port succeeded")
	}
}

// dialHandshake opens a raw connection and completes the handshake,
// returning the connection, codec, and agreed session key.
func dialHandshake(t *testing.T, addr string) (net.Conn, *frame.Encoder, *frame.Decoder, []byte) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	enc := frame.NewEncoder(conn)
	dec := frame.NewDecoder(conn)

	kp, err := secure.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	pub, err := kp.PublicBase64()
	if err != nil {
		t.Fatalf("pub: %v", err)
	}
	if err := enc.Encode(control.PeerFrame{Type: control.FrameHandshake, Key: pub, From: "raw-client"}); err != nil {
		t.Fatalf("send handshake: %v", err)
	}

	var ack control.PeerFrame
	if err := dec.Decode(&ack); err != nil {
		t.Fatalf("read handshake_ack: %v", err)
	}
	if ack.Type != control.FrameHandshakeAck {
		t.Fatalf("got %q, want handshake_ack", ack.Type)
	}
	key, err := kp.Derive(ack.Key)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return conn, enc, dec, key
}

func sealEnvelope(t *testing.T, key []byte, env control.Envelope) control.PeerFrame {
	t.Helper()
	if env.CorrelationID == "" {
		env.CorrelationID = control.NewCorrelationID()
	}
	if env.Timestamp == 0 {
		env.Timestamp = control.NowMillis()
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sealed, err := secure.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return control.PeerFrame{
		Type:          control.FrameMessage,
		MessageType:   env.Type,
		Data:          sealed,
		CorrelationID: env.CorrelationID,
	}
}

func TestMultipleMessagesOneSession(t *testing.T) {
	l := testListener(t)
	_, enc, dec, key := dialHandshake(t, l.Addr().String())

	for i := 0; i < 3; i++ {
		f := sealEnvelope(t, key, control.Envelope{
			Type:    "seq",
			Payload: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
			From:    "raw-client",
		})
		if err := enc.Encode(f); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}

		var ack control.PeerFrame
		if err := dec.Decode(&ack); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
		if ack.Type != control.FrameAck || ack.CorrelationID != f.CorrelationID {
			t.Fatalf("ack %d = %+v", i, ack)
		}

		select {
		case in := <-l.Incoming():
			var got struct{ I int }
			if err := json.Unmarshal(in.Payload, &got); err != nil || got.I != i {
				t.Fatalf("message %d: payload %s", i, in.Payload)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not dispatched", i)
		}
	}
}

func TestMessageBeforeHandshakeCloses(t *testing.T) {
	l := testListener(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	enc := frame.NewEncoder(conn)
	if err := enc.Encode(control.PeerFrame{Type: control.FrameMessage, Data: "AAAA", CorrelationID: "0011223344556677"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The responder drops the message and closes without dispatching.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := frame.NewDecoder(conn).Next(); err == nil {
		t.Error("expected connection close, got a frame")
	}
	select {
	case in := <-l.Incoming():
		t.Fatalf("message dispatched before handshake: %+v", in)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDecryptionFailureIsNotFatal(t *testing.T) {
	l := testListener(t)
	_, enc, dec, key := dialHandshake(t, l.Addr().String())

	// Seal under an unrelated key: authentication must fail.
	wrongKey := make([]byte, secure.KeySize)
	sealed, err := secure.Seal(wrongKey, []byte(`{"type":"evil"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := enc.Encode(control.PeerFrame{Type: control.FrameMessage, Data: sealed, CorrelationID: "aaaabbbbccccdddd"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var reply control.PeerFrame
	if err := dec.Decode(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Error != control.ErrCodeDecryptionFailed {
		t.Fatalf("error = %q, want decryption_failed", reply.Error)
	}

	// The session survives: a valid message still goes through.
	f := sealEnvelope(t, key, control.Envelope{Type: "ok", Payload: json.RawMessage(`{}`), From: "raw-client"})
	if err := enc.Encode(f); err != nil {
		t.Fatalf("send valid: %v", err)
	}
	var ack control.PeerFrame
	if err := dec.Decode(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != control.FrameAck {
		t.Fatalf("got %+v, want ack", ack)
	}
	<-l.Incoming()
}

func TestMalformedFrameNotice(t *testing.T) {
	l := testListener(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply control.PeerFrame
	if err := frame.NewDecoder(conn).Decode(&reply); err != nil {
		t.Fatalf("read notice: %v", err)
	}
	if reply.Error != control.ErrCodeInvalidMessage {
		t.Errorf("error = %q, want invalid_message", reply.Error)
	}
}

func TestCloseUnblocksStalledResponder(t *testing.T) {
	// Nothing drains Incoming: fill the buffer and leave one dispatch
	// blocked inside serve.
	l, err := Listen(0, func() string { return "responder-id" }, slog.Default())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go l.Run()

	conn, enc, dec, key := dialHandshake(t, l.Addr().String())

	for i := 0; i < incomingBuffer+1; i++ {
		f := sealEnvelope(t, key, control.Envelope{
			Type:    "fill",
			Payload: json.RawMessage(`{}`),
			From:    "raw-client",
		})
		if err := enc.Encode(f); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		// Acks precede dispatch, so even the blocked message acks.
		var ack control.PeerFrame
		if err := dec.Decode(&ack); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The stalled responder must exit on close, well before its 30s idle
	// deadline would have freed it.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := dec.Next(); err == nil {
		t.Fatal("responder still serving after listener close")
	}
}

func TestPing(t *testing.T) {
	l := testListener(t)
	if err := Ping(context.Background(), l.Addr().String()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSendSurfacesPeerError(t *testing.T) {
	// A fake responder that completes the handshake, then rejects the
	// message with decryption_failed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		enc := frame.NewEncoder(conn)
		dec := frame.NewDecoder(conn)

		var hs control.PeerFrame
		if err := dec.Decode(&hs); err != nil {
			return
		}
		kp, _ := secure.GenerateKeyPair()
		pub, _ := kp.PublicBase64()
		_ = enc.Encode(control.PeerFrame{Type: control.FrameHandshakeAck, Key: pub})

		if err := dec.Decode(&control.PeerFrame{}); err != nil {
			return
		}
		_ = enc.Encode(control.PeerFrame{Error: control.ErrCodeDecryptionFailed})
	}()

	_, err = Send(context.Background(), ln.Addr().String(), "agent-a", control.Envelope{Type: "hello"})
	if !errors.Is(err, ErrPeerRejected) {
		t.Fatalf("err = %v, want ErrPeerRejected", err)
	}
}
