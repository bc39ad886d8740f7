// Package dispatch routes messages between running tasks and the duplex
// channel each client keeps open.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/decision"
)

// ErrChannelClosed is returned by Send when the client has no open channel
// or the write failed.
var ErrChannelClosed = errors.New("channel closed")

const defaultWriteTimeout = 10 * time.Second

// Signaler receives decisions parsed from inbound frames.
type Signaler interface {
	Signal(clientID string, kind decision.Kind, d decision.Decision) bool
}

type HubOption func(*Hub)

func WithBus(b *bus.Bus) HubOption { return func(h *Hub) { h.bus = b } }

func WithLogger(l *slog.Logger) HubOption { return func(h *Hub) { h.logger = l } }

func WithWriteTimeout(d time.Duration) HubOption { return func(h *Hub) { h.writeTimeout = d } }

type conn struct {
	ch    Channel
	since time.Time
}

// Hub keeps at most one channel per client.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn

	signaler     Signaler
	bus          *bus.Bus
	logger       *slog.Logger
	writeTimeout time.Duration
}

func NewHub(sig Signaler, opts ...HubOption) *Hub {
	h := &Hub{
		conns:        make(map[string]*conn),
		signaler:     sig,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Connect makes ch the client's channel. A previous channel for the same
// client is closed.
func (h *Hub) Connect(clientID string, ch Channel) {
	h.attach(clientID, ch)
}

func (h *Hub) attach(clientID string, ch Channel) *conn {
	c := &conn{ch: ch, since: time.Now()}
	h.mu.Lock()
	prev := h.conns[clientID]
	h.conns[clientID] = c
	h.mu.Unlock()

	if prev != nil && prev.ch != ch {
		h.logger.Info("replacing client channel", "client_id", clientID)
		_ = prev.ch.Close("replaced by a newer connection")
	}
	h.bus.Publish(bus.TopicClientConnected, bus.ClientEvent{ClientID: clientID})
	h.logger.Info("client connected", "client_id", clientID)
	return c
}

// Disconnect removes and closes the client's channel, if any.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.conns[clientID]
	delete(h.conns, clientID)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = c.ch.Close("disconnected")
	h.bus.Publish(bus.TopicClientDisconnected, bus.ClientEvent{ClientID: clientID})
	h.logger.Info("client disconnected", "client_id", clientID)
}

// detach removes c only if it is still the client's channel.
func (h *Hub) detach(clientID string, c *conn) {
	h.mu.Lock()
	cur, ok := h.conns[clientID]
	if ok && cur == c {
		delete(h.conns, clientID)
	}
	h.mu.Unlock()
	if ok && cur == c {
		h.bus.Publish(bus.TopicClientDisconnected, bus.ClientEvent{ClientID: clientID})
		h.logger.Info("client disconnected", "client_id", clientID, "connected_for", time.Since(c.since))
	}
}

// Send delivers msg to the client's open channel.
func (h *Hub) Send(ctx context.Context, clientID string, msg Message) error {
	h.mu.RLock()
	c, ok := h.conns[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no channel for client %q", ErrChannelClosed, clientID)
	}
	if h.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
	}
	if err := c.ch.Write(ctx, msg); err != nil {
		return fmt.Errorf("%w: write %s to %q: %v", ErrChannelClosed, msg.Type, clientID, err)
	}
	return nil
}

// Serve registers ch for clientID and runs its inbound loop until the peer
// closes or ctx ends. Rejected frames are answered and the loop continues.
func (h *Hub) Serve(ctx context.Context, clientID string, ch Channel) error {
	c := h.attach(clientID, ch)
	defer h.detach(clientID, c)

	for {
		raw, err := ch.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			h.logger.Warn("client read failed", "client_id", clientID, "error", err)
			return err
		}
		h.handleFrame(ctx, clientID, ch, raw)
	}
}

func (h *Hub) handleFrame(ctx context.Context, clientID string, ch Channel, raw []byte) {
	in, err := Decode(raw)
	if err != nil {
		h.logger.Warn("rejected client frame", "client_id", clientID, "error", err)
		if werr := ch.Write(ctx, ErrorMessage(ReplyFor(err))); werr != nil {
			h.logger.Warn("error reply failed", "client_id", clientID, "error", werr)
		}
		return
	}

	kind, ok := in.Kind()
	if !ok {
		h.logger.Debug("ignoring client frame", "client_id", clientID, "type", in.Type)
		return
	}
	if h.signaler != nil && h.signaler.Signal(clientID, kind, in.Decision) {
		h.logger.Info("decision received", "client_id", clientID, "kind", kind, "decision", in.Decision)
		return
	}
	h.logger.Info("decision dropped, nothing pending", "client_id", clientID, "kind", kind, "decision", in.Decision)
	h.bus.Publish(bus.TopicDecisionUnmatched, bus.DecisionUnmatchedEvent{
		ClientID: clientID,
		Kind:     string(kind),
		Decision: string(in.Decision),
	})
}

func (h *Hub) Connected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[clientID]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Clients returns the connected client IDs in sorted order.
func (h *Hub) Clients() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll closes every channel.
func (h *Hub) CloseAll() {
	for _, id := range h.Clients() {
		h.Disconnect(id)
	}
}
