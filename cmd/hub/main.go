package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/m2m-fabric/m2m/internal/clock"
	"github.com/m2m-fabric/m2m/internal/config"
	"github.com/m2m-fabric/m2m/internal/hub"
	"github.com/m2m-fabric/m2m/internal/logging"
	"github.com/m2m-fabric/m2m/internal/notify"
	"github.com/m2m-fabric/m2m/internal/registry"
)

var version = "dev"

func main() {
	cfg := config.LoadHub()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("m2m-hub " + version)
	fmt.Println("=============================================")
	fmt.Printf("HUB_PORT=%s\n", cfg.Port)
	fmt.Printf("HUB_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("HUB_SWEEP_INTERVAL=%s\n", cfg.SweepInterval)
	fmt.Printf("HUB_IDLE_AFTER=%s\n", cfg.IdleAfter)
	fmt.Printf("HUB_OFFLINE_AFTER=%s\n", cfg.OfflineAfter)
	fmt.Printf("HUB_TRUST_AGENT_ADDRESS=%t\n", cfg.TrustAgentAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := registry.OpenStore(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	clk := clock.Real{}
	reg := registry.New(store, clk, log.Component("registry"), registry.Config{
		IdleAfter:    cfg.IdleAfter,
		OfflineAfter: cfg.OfflineAfter,
	})
	if err := reg.Load(); err != nil {
		log.Error("failed to load agent directory", "error", err)
		os.Exit(1)
	}

	// Build the presence notification chain.
	notifiers := []notify.Notifier{notify.NewLog(log)}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(
			cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID,
			cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS,
		))
		log.Info("mqtt presence notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)

	srv := hub.New(cfg, reg, clk, log.Component("hub"), notifier)
	if err := srv.Run(ctx); err != nil {
		log.Error("hub exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("hub stopped")
}
