package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/m2m-fabric/m2m/internal/agent"
	"github.com/m2m-fabric/m2m/internal/clock"
	"github.com/m2m-fabric/m2m/internal/config"
	"github.com/m2m-fabric/m2m/internal/logging"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("m2m-agent " + version)
	fmt.Println("=============================================")
	fmt.Printf("AGENT_PORT=%d\n", cfg.Port)
	fmt.Printf("AGENT_HUB=%s\n", cfg.Hub)
	fmt.Printf("AGENT_CAPABILITIES=%s\n", strings.Join(cfg.Capabilities, ","))
	fmt.Printf("AGENT_HEARTBEAT_INTERVAL=%s\n", cfg.HeartbeatInterval)
	fmt.Printf("AGENT_AUTO_RECONNECT=%t\n", cfg.Reconnect())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := agent.New(cfg, clock.Real{}, log.Component("agent"))
	if err != nil {
		log.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	// Default echo responder so a bare agent is immediately testable
	// peer-to-peer.
	if err := a.Respond("echo", func(_ context.Context, msg agent.Message) (json.RawMessage, error) {
		return msg.Payload, nil
	}); err != nil {
		log.Error("failed to register echo handler", "error", err)
		os.Exit(1)
	}

	// Log unhandled messages so operators can see traffic arriving.
	go func() {
		for msg := range a.Messages() {
			log.Info("message received", "type", msg.Type, "from", msg.From, "bytes", len(msg.Payload))
		}
	}()

	// Surface connection-state events in the log stream.
	events, cancelSub := a.Events().Subscribe()
	defer cancelSub()
	go func() {
		for evt := range events {
			log.Info("connection event", "type", string(evt.Type), "agent_id", evt.AgentID, "error", evt.Error)
		}
	}()

	if err := a.Run(ctx); err != nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}
