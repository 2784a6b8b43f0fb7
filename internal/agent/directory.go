// ABOUTME: Agent Directory cataloguing registered bridges by id, skill and category
// ABOUTME: Persists agent metadata, selects least-loaded agents, and merges bridge events into one fleet stream

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/hive/internal/events"
	"github.com/2389/hive/internal/relay"
	"github.com/2389/hive/internal/store"
)

// fanOutLimit bounds concurrent deliveries in Broadcast and shutdowns in ShutdownAll.
const fanOutLimit = 16

// Inbox attaches registered agents to message delivery.
type Inbox interface {
	RegisterAgent(agentID string, h relay.Handler)
	UnregisterAgent(agentID string)
}

// Criteria filters candidates in FindBestAgent. Empty fields match anything.
type Criteria struct {
	Skill    string
	Category string
}

// AgentHealth is one agent's entry in HealthCheck.
type AgentHealth struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Status  store.AgentStatus `json:"status"`
	Healthy bool              `json:"healthy"`
}

// FleetStats is the aggregate view returned by Stats.
type FleetStats struct {
	Total          int                       `json:"total"`
	ByStatus       map[store.AgentStatus]int `json:"byStatus"`
	AverageLoad    float64                   `json:"averageLoad"`
	TasksCompleted int                       `json:"tasksCompleted"`
	TasksFailed    int                       `json:"tasksFailed"`
}

type entry struct {
	bridge      *Bridge
	stopForward context.CancelFunc
}

// Directory is the in-memory catalog of supervised agents.
type Directory struct {
	store  store.AgentStore
	inbox  Inbox
	bus    *events.Bus
	logger *slog.Logger

	mu         sync.RWMutex
	agents     map[string]*entry
	order      []string
	bySkill    map[string][]string
	byCategory map[string][]string
}

// NewDirectory creates a Directory. inbox may be nil when no relay is wired.
func NewDirectory(st store.AgentStore, inbox Inbox, bus *events.Bus, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &Directory{
		store:      st,
		inbox:      inbox,
		bus:        bus,
		logger:     logger.With("component", "directory"),
		agents:     make(map[string]*entry),
		bySkill:    make(map[string][]string),
		byCategory: make(map[string][]string),
	}
}

// Events returns the fleet-wide event stream.
func (d *Directory) Events() *events.Bus { return d.bus }

// Register adds or replaces the bridge for its agent id and upserts the
// agent's persisted record. Re-registering is never an error; a replaced
// bridge is not shut down.
func (d *Directory) Register(ctx context.Context, b *Bridge) error {
	id := b.ID()
	snap := b.Snapshot()
	if err := d.store.UpsertAgent(ctx, &snap); err != nil {
		return fmt.Errorf("persisting agent %s: %w", id, err)
	}

	d.mu.Lock()
	prev, existed := d.agents[id]
	if !existed || prev.bridge != b {
		if existed {
			prev.stopForward()
			d.unindexLocked(prev.bridge)
		}
		fctx, cancel := context.WithCancel(context.Background())
		feed, _ := b.Events().Subscribe(fctx)
		d.agents[id] = &entry{bridge: b, stopForward: cancel}
		d.indexLocked(b)
		go d.forward(feed, id)
	}
	if !existed {
		d.order = append(d.order, id)
	}
	total := len(d.agents)
	d.mu.Unlock()

	b.SetResolver(d.Get)
	if d.inbox != nil {
		d.inbox.RegisterAgent(id, b.ReceiveMessage)
	}

	if existed {
		d.logger.Debug("agent re-registered", "agent_id", id)
		return nil
	}

	p := b.Profile()
	d.bus.Publish(&events.AgentRegistered{
		Header:   events.Header{AgentID: id},
		Name:     p.Name,
		Role:     p.Role,
		Category: p.Category,
		Skills:   slices.Clone(p.Skills),
	})
	d.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", id,
		"name", p.Name,
		"skills", p.Skills,
		"total_agents", total,
	)
	return nil
}

// forward re-emits one bridge's events on the fleet bus until the bridge's
// bus closes or the subscription is cancelled.
func (d *Directory) forward(feed <-chan events.Event, agentID string) {
	for ev := range feed {
		d.bus.Publish(events.Stamp(ev, agentID))
	}
}

// Unregister shuts the agent's bridge down and removes it from every index.
func (d *Directory) Unregister(ctx context.Context, agentID string) error {
	d.mu.Lock()
	e, ok := d.agents[agentID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("unregistering %s: %w", agentID, ErrAgentNotFound)
	}
	delete(d.agents, agentID)
	d.order = slices.DeleteFunc(d.order, func(id string) bool { return id == agentID })
	d.unindexLocked(e.bridge)
	total := len(d.agents)
	d.mu.Unlock()

	if d.inbox != nil {
		d.inbox.UnregisterAgent(agentID)
	}
	err := e.bridge.Shutdown(ctx)
	e.stopForward()

	d.bus.Publish(&events.AgentUnregistered{Header: events.Header{AgentID: agentID}})
	d.logger.Info("=== AGENT UNREGISTERED ===",
		"agent_id", agentID,
		"total_agents", total,
	)
	return err
}

func (d *Directory) indexLocked(b *Bridge) {
	p := b.Profile()
	for _, skill := range p.Skills {
		if !slices.Contains(d.bySkill[skill], p.ID) {
			d.bySkill[skill] = append(d.bySkill[skill], p.ID)
		}
	}
	if p.Category != "" && !slices.Contains(d.byCategory[p.Category], p.ID) {
		d.byCategory[p.Category] = append(d.byCategory[p.Category], p.ID)
	}
}

func (d *Directory) unindexLocked(b *Bridge) {
	p := b.Profile()
	drop := func(index map[string][]string, key string) {
		ids := slices.DeleteFunc(index[key], func(id string) bool { return id == p.ID })
		if len(ids) == 0 {
			delete(index, key)
		} else {
			index[key] = ids
		}
	}
	for _, skill := range p.Skills {
		drop(d.bySkill, skill)
	}
	if p.Category != "" {
		drop(d.byCategory, p.Category)
	}
}

// Get returns the bridge for an agent id, or nil.
func (d *Directory) Get(agentID string) *Bridge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.agents[agentID]; ok {
		return e.bridge
	}
	return nil
}

// List returns all bridges in registration order.
func (d *Directory) List() []*Bridge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bridgesLocked(d.order)
}

// FindBySkill returns the bridges declaring a skill, in index order.
func (d *Directory) FindBySkill(skill string) []*Bridge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bridgesLocked(d.bySkill[skill])
}

// FindByCategory returns the bridges in a category, in index order.
func (d *Directory) FindByCategory(category string) []*Bridge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bridgesLocked(d.byCategory[category])
}

func (d *Directory) bridgesLocked(ids []string) []*Bridge {
	out := make([]*Bridge, 0, len(ids))
	for _, id := range ids {
		if e, ok := d.agents[id]; ok {
			out = append(out, e.bridge)
		}
	}
	return out
}

// FindBestAgent returns the least-loaded available agent matching c, or nil
// when none qualifies. Agents in error or offline are never chosen; ties go
// to the earlier indexed agent.
func (d *Directory) FindBestAgent(c Criteria) *Bridge {
	d.mu.RLock()
	var ids []string
	switch {
	case c.Skill != "":
		ids = d.bySkill[c.Skill]
	case c.Category != "":
		ids = d.byCategory[c.Category]
	default:
		ids = d.order
	}
	candidates := d.bridgesLocked(ids)
	d.mu.RUnlock()

	var best *Bridge
	bestLoad := 0
	for _, b := range candidates {
		snap := b.Snapshot()
		if c.Category != "" && snap.Category != c.Category {
			continue
		}
		if snap.Status == store.AgentStatusError || snap.Status == store.AgentStatusOffline {
			continue
		}
		if best == nil || snap.Load < bestLoad {
			best = b
			bestLoad = snap.Load
		}
	}
	return best
}

// Broadcast delivers a system message to every registered agent concurrently,
// at most fanOutLimit at a time, and waits for all deliveries. Failures are
// reported per agent and never abort the others.
func (d *Directory) Broadcast(ctx context.Context, fromID, content string) map[string]error {
	targets := d.List()
	env := relay.Envelope{
		FromID:  fromID,
		Content: content,
		Type:    store.MessageTypeSystem,
	}

	var mu sync.Mutex
	failures := make(map[string]error)
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, b := range targets {
		g.Go(func() error {
			msg := env
			msg.ToID = b.ID()
			if err := deliverTo(ctx, b, msg); err != nil {
				mu.Lock()
				failures[b.ID()] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(failures) > 0 {
		d.logger.Warn("broadcast partially failed",
			"failed", len(failures),
			"total", len(targets))
	}
	return failures
}

// deliverTo hands msg to one bridge, turning a panic into that agent's error.
func deliverTo(ctx context.Context, b *Bridge, msg relay.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("delivery panicked: %v", p)
		}
	}()
	return b.ReceiveMessage(ctx, msg)
}

// HealthCheck reports each agent's liveness without changing any state.
func (d *Directory) HealthCheck() []AgentHealth {
	bridges := d.List()
	out := make([]AgentHealth, 0, len(bridges))
	for _, b := range bridges {
		snap := b.Snapshot()
		out = append(out, AgentHealth{
			ID:      snap.ID,
			Name:    snap.Name,
			Status:  snap.Status,
			Healthy: b.Alive() && snap.Status != store.AgentStatusError,
		})
	}
	return out
}

// Stats aggregates fleet counters.
func (d *Directory) Stats() FleetStats {
	bridges := d.List()
	st := FleetStats{
		Total:    len(bridges),
		ByStatus: make(map[store.AgentStatus]int),
	}
	loadSum := 0
	for _, b := range bridges {
		snap := b.Snapshot()
		st.ByStatus[snap.Status]++
		loadSum += snap.Load
		st.TasksCompleted += snap.Stats.TasksCompleted
		st.TasksFailed += snap.Stats.TasksFailed
	}
	if st.Total > 0 {
		st.AverageLoad = float64(loadSum) / float64(st.Total)
	}
	return st
}

// ShutdownAll shuts every bridge down concurrently. Agents stay registered.
func (d *Directory) ShutdownAll(ctx context.Context) error {
	bridges := d.List()

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, b := range bridges {
		g.Go(func() error {
			if err := b.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutting down %s: %w", b.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	d.logger.Info("all agents shut down", "count", len(bridges))
	return errors.Join(errs...)
}
