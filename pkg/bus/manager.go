package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/amelia-dev/amelia/pkg/models"
)

// catchupLimit is the maximum number of events returned in a catchup
// response. If more events were missed, a catchup.overflow message tells
// the client to do a full REST reload.
const catchupLimit = 200

// ConnectionManager manages WebSocket connections and channel
// subscriptions. Channels are backed by Bus subscriptions: the first
// WebSocket subscriber on a channel starts a pump goroutine that forwards
// bus events to all of the channel's connections; the last unsubscribe
// stops it.
type ConnectionManager struct {
	bus *Bus

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → connection_id → that
	// subscription's event filter.
	channels map[string]map[string]subscriptionFilter
	// Per-channel bus pump cancel functions.
	pumps     map[string]func()
	channelMu sync.RWMutex

	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads
// and writes (subscribe, unsubscribe, unregisterConnection) happen on the
// single goroutine that owns this connection (HandleConnection's read loop
// and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]subscriptionFilter
	ctx           context.Context
	cancel        context.CancelFunc

	lastActive atomic.Int64
}

func (c *Connection) touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *Connection) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

// NewConnectionManager creates a ConnectionManager on top of a Bus.
func NewConnectionManager(b *Bus, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		bus:          b,
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]subscriptionFilter),
		pumps:        make(map[string]func()),
		writeTimeout: writeTimeout,
	}
}

// SetIdleTimeout closes connections with no traffic in either direction for
// the given duration. Zero leaves connections open indefinitely.
func (m *ConnectionManager) SetIdleTimeout(d time.Duration) { m.idleTimeout = d }

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]subscriptionFilter),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	c.touch()
	if m.idleTimeout > 0 {
		go m.watchIdle(c)
	}

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or errored; exit the read loop.
			return
		}
		c.touch()

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel. Tests
// poll it instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		filter := newSubscriptionFilter(msg.EventTypes, msg.Levels)
		m.subscribe(c, msg.Channel, filter)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Auto catch-up: deliver all prior events so late subscribers
		// don't miss anything.
		m.handleCatchup(ctx, c, msg.Channel, 0, filter)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastSequence != nil {
			// Catchup reuses the subscription's filter so a client sees
			// the same stream it would have seen live.
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastSequence, c.subscriptions[msg.Channel])
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for a channel and starts the bus pump
// if it is the first subscriber. The pump is started synchronously so the
// subsequent auto-catchup runs with live delivery already active, closing
// the gap where events emitted between catchup and subscription would be
// lost.
func (m *ConnectionManager) subscribe(c *Connection, channel string, filter subscriptionFilter) {
	m.channelMu.Lock()
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]subscriptionFilter)
		events, cancel := m.bus.Subscribe(channel)
		m.pumps[channel] = cancel
		go m.pump(channel, events)
	}
	m.channels[channel][c.ID] = filter
	m.channelMu.Unlock()

	c.subscriptions[channel] = filter
}

// unsubscribe removes a connection from a channel and stops the bus pump
// if it was the last subscriber.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			if cancel := m.pumps[channel]; cancel != nil {
				delete(m.pumps, channel)
				cancel()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// pump forwards bus events for one channel to all of its WebSocket
// subscribers. Exits when the bus subscription is cancelled.
func (m *ConnectionManager) pump(channel string, events <-chan *models.Event) {
	for e := range events {
		data, err := json.Marshal(eventEnvelope{Type: "event", Channel: channel, Event: e})
		if err != nil {
			slog.Warn("Failed to marshal broadcast event",
				"channel", channel, "error", err)
			continue
		}
		m.broadcast(channel, e, data)
	}
}

// broadcast sends a payload to every connection subscribed to a channel
// whose subscription filter matches the event.
func (m *ConnectionManager) broadcast(channel string, e *models.Event, payload []byte) {
	m.channelMu.RLock()
	subs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	// Copy the matching IDs to avoid holding the lock during sends.
	ids := make([]string, 0, len(subs))
	for id, f := range subs {
		if f.matches(e) {
			ids = append(ids, id)
		}
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// sending. Holding mu.RLock during potentially slow writes (up to
	// writeTimeout per connection) would stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// handleCatchup sends missed events since lastSequence to the client. Only
// workflow channels have a persisted log; catchup on the global channel is
// a no-op.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastSequence int64, filter subscriptionFilter) {
	workflowID, ok := strings.CutPrefix(channel, "workflow:")
	if !ok {
		return
	}

	// Fetch one past the limit to detect overflow.
	events, err := m.bus.Replay(ctx, workflowID, lastSequence+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	for _, e := range events {
		if !filter.matches(e) {
			continue
		}
		data, err := json.Marshal(eventEnvelope{Type: "event", Channel: channel, Event: e})
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	// If more events were missed than the catchup limit, tell the client
	// to do a full REST reload instead of paginating catchup requests.
	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.Conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	c.touch()
	return nil
}

// watchIdle closes the connection once no traffic has moved in either
// direction for the idle timeout.
func (m *ConnectionManager) watchIdle(c *Connection) {
	interval := m.idleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.idleFor() > m.idleTimeout {
				_ = c.Conn.Close(websocket.StatusGoingAway, "idle timeout")
				c.cancel()
				return
			}
		}
	}
}
