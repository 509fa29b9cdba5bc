// Package registry implements the hub's authoritative agent directory:
// registration, queries, status lifecycle, and the decay sweeper. All host
// metadata is persisted to BoltDB; queries are evaluated on a hydrated
// in-memory map under one mutex.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/m2m-fabric/m2m/internal/clock"
	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/metrics"
)

// ErrNotFound is returned for lookups of ids the directory has never seen.
var ErrNotFound = errors.New(control.ErrCodeAgentNotFound)

// TransitionFunc observes status transitions, for presence notification.
// Called outside the registry lock.
type TransitionFunc func(id string, to control.Status, address string)

// Config holds the directory's decay thresholds.
type Config struct {
	IdleAfter    time.Duration // online -> idle without a heartbeat
	OfflineAfter time.Duration // total silence before offline
}

// DefaultConfig matches the protocol's 2 min / 5 min decay policy.
func DefaultConfig() Config {
	return Config{IdleAfter: 2 * time.Minute, OfflineAfter: 5 * time.Minute}
}

// Registry is the authoritative agent directory.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*control.AgentRecord

	store        *Store
	clk          clock.Clock
	log          *slog.Logger
	cfg          Config
	onTransition TransitionFunc
}

// New creates a Registry backed by the given store. Call Load after
// construction to hydrate from disk.
func New(store *Store, clk clock.Clock, log *slog.Logger, cfg Config) *Registry {
	return &Registry{
		agents: make(map[string]*control.AgentRecord),
		store:  store,
		clk:    clk,
		log:    log,
		cfg:    cfg,
	}
}

// OnTransition installs a status-transition observer.
func (r *Registry) OnTransition(fn TransitionFunc) { r.onTransition = fn }

// Load hydrates the in-memory directory from the store. Statuses are kept
// as persisted; records whose agents did not survive a hub restart decay
// through the sweeper like any other silent agent.
func (r *Registry) Load() error {
	raw, err := r.store.ListAgents()
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, data := range raw {
		var rec control.AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.log.Warn("skipping corrupt agent record", "id", id, "error", err)
			continue
		}
		r.agents[id] = &rec
	}

	r.updateGaugesLocked()
	r.log.Info("loaded agent directory", "count", len(r.agents))
	return nil
}

// Register mints a fresh id and inserts a new online record. Ids are never
// reused; a re-registering agent gets a new identity.
func (r *Registry) Register(address string, capabilities []string, metadata map[string]any) (*control.AgentRecord, error) {
	now := r.clk.Now().UTC()

	r.mu.Lock()
	id := control.NewAgentID()
	for r.agents[id] != nil { // collision guard
		id = control.NewAgentID()
	}

	rec := &control.AgentRecord{
		ID:           id,
		Address:      address,
		Capabilities: append([]string(nil), capabilities...),
		Metadata:     metadata,
		Status:       control.StatusOnline,
		LastSeen:     now,
		CreatedAt:    now,
	}
	r.agents[id] = rec
	out := rec.Clone()
	r.updateGaugesLocked()
	r.mu.Unlock()

	if err := r.persist(out); err != nil {
		return nil, err
	}

	metrics.Registrations.Inc()
	r.notify(id, control.StatusOnline, address)
	r.log.Info("agent registered", "id", id, "address", address, "capabilities", capabilities)
	return out, nil
}

// Heartbeat refreshes last_seen and forces the record online. Returns the
// refreshed timestamp.
func (r *Registry) Heartbeat(id string) (time.Time, error) {
	now := r.clk.Now().UTC()

	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return time.Time{}, ErrNotFound
	}
	was := rec.Status
	rec.Status = control.StatusOnline
	rec.LastSeen = now
	out := rec.Clone()
	r.updateGaugesLocked()
	r.mu.Unlock()

	if err := r.persist(out); err != nil {
		return time.Time{}, err
	}
	if was != control.StatusOnline {
		r.notify(id, control.StatusOnline, out.Address)
	}
	return now, nil
}

// Touch refreshes last_seen without changing status. Any control message
// from an agent counts as life, but only heartbeat/register force online.
func (r *Registry) Touch(id string) {
	now := r.clk.Now().UTC()

	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	out := rec.Clone()
	r.mu.Unlock()

	if err := r.persist(out); err != nil {
		r.log.Warn("persist on touch failed", "id", id, "error", err)
	}
}

// Lookup returns the record for id regardless of status; the caller decides
// whether idle or offline peers are usable.
func (r *Registry) Lookup(id string) (*control.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Query describes a discover filter set. Filters are AND-ed; Capabilities
// uses any-of membership.
type Query struct {
	ExcludeID    string
	Capabilities []string
	Status       control.Status // empty matches online and idle
	Limit        int
	Offset       int
}

// Discover returns the filtered, paginated directory slice, ordered by
// last_seen ascending. Offline records are never returned.
func (r *Registry) Discover(q Query) []*control.AgentRecord {
	limit := clampLimit(q.Limit)

	r.mu.Lock()
	matched := make([]*control.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		if rec.Status == control.StatusOffline {
			continue
		}
		if q.ExcludeID != "" && rec.ID == q.ExcludeID {
			continue
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		if !rec.HasAnyCapability(q.Capabilities) {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastSeen.Equal(matched[j].LastSeen) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].LastSeen.Before(matched[j].LastSeen)
	})

	return page(matched, limit, q.Offset)
}

// Find returns online agents advertising the given capability, ordered by
// last_seen descending (most recently alive first).
func (r *Registry) Find(capability string, limit, offset int) []*control.AgentRecord {
	limit = clampLimit(limit)

	r.mu.Lock()
	matched := make([]*control.AgentRecord, 0)
	for _, rec := range r.agents {
		if rec.Status != control.StatusOnline {
			continue
		}
		if !rec.HasCapability(capability) {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastSeen.Equal(matched[j].LastSeen) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].LastSeen.After(matched[j].LastSeen)
	})

	return page(matched, limit, offset)
}

// UpdateStatus applies an explicit status and/or merges metadata. Metadata
// keys are merged over the existing map, never replaced wholesale.
func (r *Registry) UpdateStatus(id string, status control.Status, metadata map[string]any) error {
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	now := r.clk.Now().UTC()

	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	was := rec.Status
	if status != "" {
		rec.Status = status
	}
	if len(metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			rec.Metadata[k] = v
		}
	}
	rec.LastSeen = now
	out := rec.Clone()
	r.updateGaugesLocked()
	r.mu.Unlock()

	if err := r.persist(out); err != nil {
		return err
	}
	if status != "" && status != was {
		r.notify(id, status, out.Address)
	}
	return nil
}

// Disconnect transitions the record directly to offline. Used for the
// explicit disconnect action and for control-socket close.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	was := rec.Status
	rec.Status = control.StatusOffline
	out := rec.Clone()
	r.updateGaugesLocked()
	r.mu.Unlock()

	if err := r.persist(out); err != nil {
		return err
	}
	if was != control.StatusOffline {
		r.notify(id, control.StatusOffline, out.Address)
	}
	r.log.Info("agent disconnected", "id", id, "was", was)
	return nil
}

// Sweep applies the decay policy once: online records silent past
// IdleAfter become idle, records silent past OfflineAfter become offline.
// Returns the number of transitions applied.
func (r *Registry) Sweep() (toIdle, toOffline int) {
	now := r.clk.Now()

	type transition struct {
		rec *control.AgentRecord
		to  control.Status
	}
	var changed []transition

	r.mu.Lock()
	for _, rec := range r.agents {
		silent := now.Sub(rec.LastSeen)
		switch {
		case rec.Status != control.StatusOffline && silent >= r.cfg.OfflineAfter:
			rec.Status = control.StatusOffline
			changed = append(changed, transition{rec.Clone(), control.StatusOffline})
			toOffline++
		case rec.Status == control.StatusOnline && silent >= r.cfg.IdleAfter:
			rec.Status = control.StatusIdle
			changed = append(changed, transition{rec.Clone(), control.StatusIdle})
			toIdle++
		}
	}
	if len(changed) > 0 {
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	for _, tr := range changed {
		if err := r.persist(tr.rec); err != nil {
			r.log.Warn("persist swept record failed", "id", tr.rec.ID, "error", err)
		}
		metrics.SweeperTransitions.WithLabelValues(string(tr.to)).Inc()
		r.notify(tr.rec.ID, tr.to, tr.rec.Address)
	}
	if len(changed) > 0 {
		r.log.Info("sweep applied", "to_idle", toIdle, "to_offline", toOffline)
	}
	return toIdle, toOffline
}

// Stats returns aggregate directory counts.
func (r *Registry) Stats() *control.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := &control.Stats{
		TotalAgents:  len(r.agents),
		ByStatus:     make(map[control.Status]int),
		ByCapability: make(map[string]int),
	}
	for _, rec := range r.agents {
		st.ByStatus[rec.Status]++
		if rec.Status == control.StatusOffline {
			continue
		}
		for _, c := range rec.Capabilities {
			st.ByCapability[c]++
		}
	}
	return st
}

func (r *Registry) persist(rec *control.AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}
	if err := r.store.SaveAgent(rec.ID, data); err != nil {
		return fmt.Errorf("persist agent %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Registry) notify(id string, to control.Status, address string) {
	if r.onTransition != nil {
		r.onTransition(id, to, address)
	}
}

// updateGaugesLocked refreshes the per-status gauges. Must be called with
// r.mu held.
func (r *Registry) updateGaugesLocked() {
	counts := map[control.Status]int{
		control.StatusOnline:  0,
		control.StatusIdle:    0,
		control.StatusOffline: 0,
	}
	for _, rec := range r.agents {
		counts[rec.Status]++
	}
	for st, n := range counts {
		metrics.AgentsByStatus.WithLabelValues(string(st)).Set(float64(n))
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return control.DefaultLimit
	}
	if limit > control.MaxLimit {
		return control.MaxLimit
	}
	return limit
}

func page(recs []*control.AgentRecord, limit, offset int) []*control.AgentRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return []*control.AgentRecord{}
	}
	end := offset + limit
	if end > len(recs) {
		end = len(recs)
	}
	return recs[offset:end]
}

// DeriveAddress applies the hub's address policy: the observed remote IP is
// authoritative, combined with the port component of the agent-supplied
// address. If the agent supplied nothing usable, the full observed endpoint
// is used. With trustAgent set, a non-empty supplied address is accepted
// verbatim (development mode only).
func DeriveAddress(observed, supplied string, trustAgent bool) string {
	if trustAgent && supplied != "" {
		return supplied
	}

	obsHost, obsPort, err := net.SplitHostPort(observed)
	if err != nil {
		// Observed endpoint unusable; fall back to whatever the agent said.
		return supplied
	}

	if supplied != "" {
		if _, port, err := net.SplitHostPort(supplied); err == nil && port != "" {
			return net.JoinHostPort(obsHost, port)
		}
	}
	return net.JoinHostPort(obsHost, obsPort)
}
