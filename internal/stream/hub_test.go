package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub, query string) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(hub)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + query

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect websocket: %v", err)
	}

	cleanup := func() {
		conn.Close()
		server.Close()
	}
	return conn, cleanup
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func change(ch db.Channel, status db.Status) db.StatusChange {
	return db.StatusChange{
		MessageUUID: uuid.New(),
		Channel:     ch,
		Previous:    db.StatusSent,
		Status:      status,
		At:          time.Now(),
	}
}

func TestHub_ClientConnects(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "")
	defer cleanup()
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "")
	defer cleanup()
	waitForClients(t, hub, 1)

	c := change(db.ChannelEmail, db.StatusDelivered)
	hub.NotifyStatus(context.Background(), c)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	msg := string(message)
	if !strings.Contains(msg, c.MessageUUID.String()) || !strings.Contains(msg, `"status":"delivered"`) {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestHub_ChannelFilter(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "?channel=sms")
	defer cleanup()
	waitForClients(t, hub, 1)

	hub.NotifyStatus(context.Background(), change(db.ChannelEmail, db.StatusDelivered))
	sms := change(db.ChannelSMS, db.StatusDelivered)
	hub.NotifyStatus(context.Background(), sms)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if !strings.Contains(string(message), sms.MessageUUID.String()) {
		t.Fatalf("email event leaked through sms filter: %s", message)
	}
}

func TestHub_RejectsInvalidChannel(t *testing.T) {
	hub := setupTestHub(t)
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?channel=fax"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %v", resp)
	}
}
