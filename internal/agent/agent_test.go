package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m2m-fabric/m2m/internal/clock"
	"github.com/m2m-fabric/m2m/internal/config"
	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/hub"
	"github.com/m2m-fabric/m2m/internal/registry"
)

func testHub(t *testing.T) (string, *registry.Registry) {
	t.Helper()

	store, err := registry.OpenStore(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store, clock.Real{}, slog.Default(), registry.DefaultConfig())
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	srv := hub.New(&config.Hub{
		Port:          "0",
		SweepInterval: 30 * time.Second,
		IdleAfter:     2 * time.Minute,
		OfflineAfter:  5 * time.Minute,
	}, reg, clock.Real{}, slog.Default(), nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", reg
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func testAgent(t *testing.T, hubURL string, caps ...string) *Agent {
	t.Helper()

	a, err := New(&config.Agent{
		Port:              freePort(t),
		Hub:               hubURL,
		Capabilities:      caps,
		HeartbeatInterval: time.Minute,
	}, clock.Real{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	if err := a.WaitReady(readyCtx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	return a
}

func TestRegisterAndDiscoverPeers(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL, "translate")
	b := testAgent(t, hubURL, "translate", "ocr")

	peers, err := a.Discover(context.Background(), []string{"translate"}, "", 0, 0)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != b.ID() {
		t.Fatalf("discovered %d peers, want exactly %s", len(peers), b.ID())
	}
}

func TestSendDeliversToPeer(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL)
	b := testAgent(t, hubURL)

	payload := json.RawMessage(`{"text":"hej"}`)
	if err := a.Send(context.Background(), b.ID(), "greeting", payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-b.Messages():
		if msg.Type != "greeting" || msg.From != a.ID() {
			t.Errorf("message = %+v", msg)
		}
		if string(msg.Payload) != string(payload) {
			t.Errorf("payload = %s", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRequestRespond(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL)
	b := testAgent(t, hubURL, "math")

	err := b.Respond("sum", func(_ context.Context, msg Message) (json.RawMessage, error) {
		var in struct{ X, Y int }
		if err := json.Unmarshal(msg.Payload, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"sum": in.X + in.Y})
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := a.Request(ctx, b.ID(), "sum", json.RawMessage(`{"x":19,"y":23}`))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var out struct{ Sum int }
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out.Sum != 42 {
		t.Errorf("sum = %d, want 42", out.Sum)
	}
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL)
	b := testAgent(t, hubURL) // no handler registered

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := a.Request(ctx, b.ID(), "ignored", json.RawMessage(`{}`)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The unanswered request is still delivered as a plain message.
	select {
	case msg := <-b.Messages():
		if msg.Type != "ignored" {
			t.Errorf("type = %q", msg.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request message never reached the peer")
	}
}

func TestDuplicateHandlerRejected(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL)

	noop := func(context.Context, Message) (json.RawMessage, error) { return nil, nil }
	if err := a.Handle("job", noop); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if err := a.Handle("job", noop); err == nil {
		t.Fatal("duplicate Handle accepted")
	}
}

func TestBroadcastFansOut(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL)
	b := testAgent(t, hubURL, "worker")
	c := testAgent(t, hubURL, "worker")
	d := testAgent(t, hubURL, "observer")

	res, err := a.Broadcast(context.Background(), "task", json.RawMessage(`{"op":"scan"}`), "worker")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if res.Total != 2 || res.Delivered != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 2/2 delivered", res)
	}

	for _, peer := range []*Agent{b, c} {
		select {
		case msg := <-peer.Messages():
			if msg.Type != "task" {
				t.Errorf("type = %q", msg.Type)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not receive the broadcast")
		}
	}
	select {
	case msg := <-d.Messages():
		t.Fatalf("non-matching agent received broadcast: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBroadcastIncludesSelfWhenMatching(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL, "worker")

	res, err := a.Broadcast(context.Background(), "task", json.RawMessage(`{"op":"scan"}`), "worker")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if res.Total != 1 || res.Delivered != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want self counted and delivered", res)
	}

	select {
	case msg := <-a.Messages():
		if msg.Type != "task" || msg.From != a.ID() {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcaster did not receive its own message")
	}
}

func TestBroadcastReportsPerPeerFailures(t *testing.T) {
	hubURL, reg := testHub(t)
	a := testAgent(t, hubURL)
	b := testAgent(t, hubURL, "worker")

	// A registered worker whose P2P endpoint is dead.
	ghost, err := reg.Register("127.0.0.1:1", []string{"worker"}, nil)
	if err != nil {
		t.Fatalf("Register ghost: %v", err)
	}

	res, err := a.Broadcast(context.Background(), "task", json.RawMessage(`{}`), "worker")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if res.Total != 2 || res.Delivered != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want one delivery and one failure", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].AgentID != ghost.ID {
		t.Fatalf("errors = %+v", res.Errors)
	}

	select {
	case <-b.Messages():
	case <-time.After(5 * time.Second):
		t.Fatal("live worker did not receive the broadcast")
	}
}

func TestDuplicateWaiterRejected(t *testing.T) {
	a, err := New(&config.Agent{
		Port:              freePort(t),
		Hub:               "ws://localhost:8080/ws",
		HeartbeatInterval: time.Minute,
	}, clock.Real{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.listener.Close() })

	if _, err := a.registerWaiter("aaaabbbbccccdddd"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := a.registerWaiter("aaaabbbbccccdddd"); err == nil {
		t.Fatal("second registration under the same correlation id accepted")
	}
}

func TestResolveUnknownPeer(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL)

	if _, err := a.Resolve(context.Background(), "00000000000000000000000000000000"); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("err = %v, want ErrPeerNotFound", err)
	}
}

func TestSendToOfflinePeer(t *testing.T) {
	hubURL, reg := testHub(t)
	a := testAgent(t, hubURL)
	b := testAgent(t, hubURL)

	if err := reg.Disconnect(b.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Send(context.Background(), b.ID(), "late", json.RawMessage(`{}`)); !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("err = %v, want ErrPeerOffline", err)
	}
}

func TestSetStatusRoundTrip(t *testing.T) {
	hubURL, reg := testHub(t)
	a := testAgent(t, hubURL)

	if err := a.SetStatus(context.Background(), control.StatusIdle, map[string]any{"load": "high"}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	rec, err := reg.Lookup(a.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Status != control.StatusIdle || rec.Metadata["load"] != "high" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestFindReturnsCapabilityMatches(t *testing.T) {
	hubURL, _ := testHub(t)
	a := testAgent(t, hubURL)
	b := testAgent(t, hubURL, "ocr")

	got, err := a.Find(context.Background(), "ocr", 0, 0)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 || got[0].ID != b.ID() {
		t.Fatalf("found %d agents", len(got))
	}
}
