// ABOUTME: Point-to-point message relay between agents over a shared pub/sub channel
// ABOUTME: Persists every message, dispatches locally by toId, and falls back to in-process pub/sub

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hive/internal/events"
	"github.com/2389/hive/internal/metrics"
	"github.com/2389/hive/internal/store"
)

// ErrNotConnected is returned by SendMessage before Connect has chosen a transport.
var ErrNotConnected = errors.New("relay not connected")

// Transport modes reported by Mode.
const (
	ModeRedis = "redis"
	ModeLocal = "local"
)

const (
	// defaultGrace is how long a message for an unregistered recipient is held.
	defaultGrace = 2 * time.Second
	// maxHeld bounds the total number of held messages.
	maxHeld = 1024
)

// Envelope is the JSON shape carried on the channel.
type Envelope struct {
	FromID    string `json:"fromId"`
	ToID      string `json:"toId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// Handler receives messages addressed to a locally hosted agent. Handlers run
// on the transport's delivery goroutine and must not block on the recipient.
type Handler func(ctx context.Context, env Envelope) error

// Options configures a Relay.
type Options struct {
	RedisURL    string        // empty selects the local transport
	Channel     string        // shared channel name
	DialTimeout time.Duration // bound on the startup PING
	Grace       time.Duration // hold time for messages with no handler yet

	Store   store.MessageStore // may be nil
	Bus     *events.Bus        // may be nil
	Metrics *metrics.Metrics   // may be nil
	Logger  *slog.Logger
}

type heldMessage struct {
	env Envelope
	at  time.Time
}

// Relay delivers messages between agents. The transport is chosen once by
// Connect and never changes for the lifetime of the Relay.
type Relay struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	held      map[string][]heldMessage
	heldCount int

	connectOnce sync.Once
	transport   Transport
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a Relay. Call Connect before sending.
func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Channel == "" {
		opts.Channel = "agent:communication"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		opts:     opts,
		logger:   opts.Logger.With("component", "relay"),
		handlers: make(map[string]Handler),
		held:     make(map[string][]heldMessage),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect selects the transport and subscribes to the shared channel. Redis is
// used when a URL is configured and answers PING within the dial timeout;
// otherwise the in-process transport is used. Later calls are no-ops.
func (r *Relay) Connect(ctx context.Context) error {
	var err error
	r.connectOnce.Do(func() {
		var t Transport
		if r.opts.RedisURL != "" {
			t, err = dialRedis(ctx, r.opts.RedisURL, r.opts.DialTimeout)
			if err != nil {
				r.logger.Warn("redis unavailable, using in-process relay",
					"channel", r.opts.Channel,
					"error", err)
				t = newLocalTransport()
			}
		} else {
			t = newLocalTransport()
		}

		if err = t.Subscribe(r.ctx, r.opts.Channel, r.deliver); err != nil {
			t.Close()
			err = fmt.Errorf("subscribing to %s: %w", r.opts.Channel, err)
			return
		}

		r.mu.Lock()
		r.transport = t
		r.mu.Unlock()

		r.logger.Info("relay connected", "mode", t.Name(), "channel", r.opts.Channel)
	})
	return err
}

// Mode reports the active transport, or "" before Connect.
func (r *Relay) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.transport == nil {
		return ""
	}
	return r.transport.Name()
}

// SendMessage persists the message (best-effort) and publishes it on the channel.
func (r *Relay) SendMessage(ctx context.Context, fromID, toID, content, msgType string) error {
	r.mu.RLock()
	t := r.transport
	r.mu.RUnlock()
	if t == nil {
		return ErrNotConnected
	}
	if msgType == "" {
		msgType = store.MessageTypeChat
	}

	now := time.Now().UTC()
	if r.opts.Store != nil {
		msg := &store.Message{
			ID:        uuid.New().String(),
			FromID:    fromID,
			ToID:      toID,
			Content:   content,
			Type:      msgType,
			CreatedAt: now,
		}
		if err := r.opts.Store.SaveMessage(ctx, msg); err != nil {
			r.logger.Error("failed to persist message",
				"from_id", fromID,
				"to_id", toID,
				"error", err)
		}
	}

	payload, err := json.Marshal(Envelope{
		FromID:    fromID,
		ToID:      toID,
		Content:   content,
		Type:      msgType,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	if err := t.Publish(ctx, r.opts.Channel, payload); err != nil {
		return fmt.Errorf("publishing message: %w", err)
	}
	r.opts.Metrics.RelayMessage(t.Name())

	r.logger.Debug("message published", "from_id", fromID, "to_id", toID, "type", msgType)
	return nil
}

// RegisterAgent installs the delivery handler for an agent id and flushes any
// messages held for it.
func (r *Relay) RegisterAgent(agentID string, h Handler) {
	r.mu.Lock()
	r.handlers[agentID] = h
	held := r.held[agentID]
	delete(r.held, agentID)
	r.heldCount -= len(held)
	r.mu.Unlock()

	cutoff := time.Now().Add(-r.opts.Grace)
	for _, m := range held {
		if m.at.Before(cutoff) {
			continue
		}
		r.invoke(agentID, h, m.env)
	}

	r.logger.Debug("agent registered with relay", "agent_id", agentID, "flushed", len(held))
}

// UnregisterAgent removes the delivery handler for an agent id.
func (r *Relay) UnregisterAgent(agentID string) {
	r.mu.Lock()
	delete(r.handlers, agentID)
	r.mu.Unlock()
}

// Close stops delivery and releases the transport.
func (r *Relay) Close() error {
	r.mu.Lock()
	t := r.transport
	r.transport = nil
	r.mu.Unlock()

	r.cancel()
	if t == nil {
		return nil
	}
	return t.Close()
}

// deliver is called by the transport for every payload on the channel.
func (r *Relay) deliver(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("dropping malformed relay payload", "error", err)
		return
	}

	r.mu.Lock()
	h, ok := r.handlers[env.ToID]
	if !ok {
		r.holdLocked(env)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.invoke(env.ToID, h, env)
}

// holdLocked parks a message for a recipient that has not registered yet.
// Messages older than the grace window are pruned; when full, new ones drop.
func (r *Relay) holdLocked(env Envelope) {
	now := time.Now()
	cutoff := now.Add(-r.opts.Grace)
	for id, msgs := range r.held {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.at.After(cutoff) {
				kept = append(kept, m)
			}
		}
		r.heldCount -= len(msgs) - len(kept)
		if len(kept) == 0 {
			delete(r.held, id)
		} else {
			r.held[id] = kept
		}
	}

	if r.heldCount >= maxHeld {
		r.logger.Debug("dropping message for unknown recipient", "to_id", env.ToID)
		return
	}
	r.held[env.ToID] = append(r.held[env.ToID], heldMessage{env: env, at: now})
	r.heldCount++
}

// invoke runs one handler, containing any error or panic to that agent.
func (r *Relay) invoke(agentID string, h Handler, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("relay handler panicked", "agent_id", agentID, "panic", p)
		}
	}()

	if err := h(r.ctx, env); err != nil {
		r.logger.Error("relay handler failed",
			"agent_id", agentID,
			"from_id", env.FromID,
			"error", err)
		return
	}

	if r.opts.Bus != nil {
		r.opts.Bus.Publish(&events.MessageDelivered{
			Header:    events.Header{AgentID: agentID},
			FromID:    env.FromID,
			ToID:      env.ToID,
			Type:      env.Type,
			Transport: r.Mode(),
		})
	}
}
