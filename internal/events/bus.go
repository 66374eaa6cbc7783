// Package events fans out gateway usage and lifecycle events over
// WebSocket to operators watching /admin/events (spec §2's "event bus
// publishes usage and lifecycle events" side channel).
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hadrian-run/hadrian/internal/usage"
)

const (
	writeTimeout  = 10 * time.Second
	clientSendBuf = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Admin WebSocket clients are authenticated upstream by identity
	// middleware before reaching this handler; no additional origin
	// check is layered on here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventKind distinguishes the event envelopes published on the bus.
type EventKind string

const (
	EventUsageRecorded    EventKind = "usage_recorded"
	EventShutdownStarted  EventKind = "shutdown_started"
	EventRetentionApplied EventKind = "retention_applied"
)

// Event is the envelope broadcast to every connected WebSocket client.
type Event struct {
	Kind EventKind   `json:"kind"`
	Data interface{} `json:"data"`
}

// Bus fans out published events to every currently-connected WebSocket
// client. It implements usage.EventPublisher so the usage buffer can
// publish directly without importing this package's HTTP concerns.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, clients: make(map[*client]struct{})}
}

// PublishUsageRecorded implements usage.EventPublisher.
func (b *Bus) PublishUsageRecorded(e usage.RecordedEvent) {
	b.Publish(Event{Kind: EventUsageRecorded, Data: e})
}

// PublishShutdownStarted notifies operators the gateway has begun its
// shutdown sequence.
func (b *Bus) PublishShutdownStarted() {
	b.Publish(Event{Kind: EventShutdownStarted, Data: map[string]string{
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}})
}

// PublishRetentionApplied notifies operators of a completed retention pass.
func (b *Bus) PublishRetentionApplied(total int64) {
	b.Publish(Event{Kind: EventRetentionApplied, Data: map[string]int64{"deleted": total}})
}

// Publish broadcasts event to every connected client. A client whose send
// buffer is full is dropped rather than allowed to back-pressure the whole
// bus — a slow or stuck operator connection must not stall usage recording.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		select {
		case c.send <- event:
		default:
			b.logger.Warn("dropping admin event for slow websocket client")
			b.removeLocked(c)
			close(c.send)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers it
// with the bus for the lifetime of the connection.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("upgrading admin events connection", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, clientSendBuf)}
	b.add(c)
	defer b.remove(c)

	go b.readPump(c)
	b.writePump(c)
}

func (b *Bus) add(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

func (b *Bus) remove(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(c)
}

func (b *Bus) removeLocked(c *client) {
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.conn.Close()
	}
}

// readPump only drains and discards client frames so pong/close control
// frames are processed; admin clients never send application messages.
func (b *Bus) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bus) writePump(c *client) {
	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		payload, err := json.Marshal(event)
		if err != nil {
			b.logger.Error("marshaling admin event", "error", err)
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// ClientCount returns the number of currently-connected admin clients,
// mainly for diagnostics and tests.
func (b *Bus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
