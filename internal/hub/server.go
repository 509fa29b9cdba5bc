// Package hub implements the discovery hub: the WebSocket control endpoint
// agents register against, the read-only HTTP surface, and the status-decay
// sweeper. The hub never relays application payloads; it only answers
// directory questions.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/m2m-fabric/m2m/internal/clock"
	"github.com/m2m-fabric/m2m/internal/config"
	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/notify"
	"github.com/m2m-fabric/m2m/internal/registry"
)

// Server is the hub process: registry, control endpoint, HTTP surface,
// and background sweeper.
type Server struct {
	cfg      *config.Hub
	reg      *registry.Registry
	clk      clock.Clock
	log      *slog.Logger
	notifier notify.Notifier
	cron     *cron.Cron
	httpSrv  *http.Server
	started  time.Time
}

// New assembles a hub server around an already-loaded registry. notifier may
// be nil when presence notifications are disabled.
func New(cfg *config.Hub, reg *registry.Registry, clk clock.Clock, log *slog.Logger, notifier notify.Notifier) *Server {
	s := &Server{
		cfg:      cfg,
		reg:      reg,
		clk:      clk,
		log:      log,
		notifier: notifier,
		cron:     cron.New(),
		started:  clk.Now(),
	}

	if notifier != nil {
		reg.OnTransition(s.publishPresence)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the hub's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run starts the sweeper and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepInterval), func() {
		s.reg.Sweep()
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("hub listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutCtx)
}

// publishPresence forwards a status transition to the notifier. Delivery is
// best effort and never blocks registry mutation.
func (s *Server) publishPresence(id string, to control.Status, address string) {
	p := notify.Presence{
		AgentID:   id,
		Status:    to,
		Address:   address,
		Timestamp: s.clk.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.notifier.Send(ctx, p); err != nil {
			s.log.Warn("presence notification failed", "provider", s.notifier.Name(), "error", err)
		}
	}()
}

// --- HTTP surface ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "m2m-hub",
		"endpoints": []string{"/ws", "/health", "/agents", "/stats", "/metrics"},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(s.clk.Since(s.started).Seconds()),
		"agents": s.reg.Stats().TotalAgents,
	})
}

// handleAgents exposes discover over plain HTTP for dashboards and
// debugging. Same filters and pagination as the control action.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	q := registry.Query{
		Status: control.Status(r.URL.Query().Get("status")),
		Limit:  atoiDefault(r.URL.Query().Get("limit"), 0),
		Offset: atoiDefault(r.URL.Query().Get("offset"), 0),
	}
	if cap := r.URL.Query().Get("capability"); cap != "" {
		q.Capabilities = []string{cap}
	}
	agents := s.reg.Discover(q)
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.reg.Stats()
	st.UptimeSeconds = int64(s.clk.Since(s.started).Seconds())
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
