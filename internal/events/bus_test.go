package events

import (
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hadrian-run/hadrian/internal/usage"
)

func testBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(discardWriter{}, nil)))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func dialBus(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing admin events websocket: %v", err)
	}
	return conn
}

func TestBus_BroadcastsToConnectedClient(t *testing.T) {
	bus := testBus()
	srv := httptest.NewServer(bus)
	defer srv.Close()

	conn := dialBus(t, srv)
	defer conn.Close()

	waitForClientCount(t, bus, 1)

	bus.PublishRetentionApplied(42)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading broadcast message: %v", err)
	}
	if !strings.Contains(string(payload), "retention_applied") {
		t.Fatalf("payload = %s, want it to mention retention_applied", payload)
	}
	if !strings.Contains(string(payload), "42") {
		t.Fatalf("payload = %s, want it to mention the deleted count", payload)
	}
}

func TestBus_PublishUsageRecordedImplementsEventPublisher(t *testing.T) {
	bus := testBus()
	srv := httptest.NewServer(bus)
	defer srv.Close()

	conn := dialBus(t, srv)
	defer conn.Close()
	waitForClientCount(t, bus, 1)

	var publisher usage.EventPublisher = bus
	publisher.PublishUsageRecorded(usage.RecordedEvent{Model: "gpt-4o"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading broadcast message: %v", err)
	}
	if !strings.Contains(string(payload), "usage_recorded") {
		t.Fatalf("payload = %s, want it to mention usage_recorded", payload)
	}
}

func TestBus_RemovesClientOnDisconnect(t *testing.T) {
	bus := testBus()
	srv := httptest.NewServer(bus)
	defer srv.Close()

	conn := dialBus(t, srv)
	waitForClientCount(t, bus, 1)

	conn.Close()
	waitForClientCount(t, bus, 0)
}

func waitForClientCount(t *testing.T, bus *Bus, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", bus.ClientCount(), want)
}
