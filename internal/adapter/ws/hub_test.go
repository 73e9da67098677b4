package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/broadcast"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/messagequeue"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func waitConnections(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.ConnectionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections, have %d", n, h.ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, c *websocket.Conn, d time.Duration) (Message, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		return Message{}, false
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m, true
}

func newServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func TestHub_BroadcastEventReachesSubscribers(t *testing.T) {
	hub, srv := newServer(t)
	all := dial(t, srv, "")
	mine := dial(t, srv, "?session_id=s1")
	other := dial(t, srv, "?session_id=s2")
	waitConnections(t, hub, 3)

	hub.BroadcastEvent(context.Background(), broadcast.EventRoundStarted,
		messagequeue.RoundStartedPayload{SessionID: "s1", Round: 1})

	for name, c := range map[string]*websocket.Conn{"all": all, "mine": mine} {
		m, ok := read(t, c, 5*time.Second)
		if !ok {
			t.Fatalf("%s: no message received", name)
		}
		if m.Type != broadcast.EventRoundStarted {
			t.Errorf("%s: type = %q", name, m.Type)
		}
		var p messagequeue.RoundStartedPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil || p.SessionID != "s1" {
			t.Errorf("%s: payload = %s", name, m.Payload)
		}
	}
	if _, ok := read(t, other, 100*time.Millisecond); ok {
		t.Error("connection filtered to s2 received an s1 event")
	}
}

func TestHub_DisconnectRemovesConnection(t *testing.T) {
	hub, srv := newServer(t)
	c := dial(t, srv, "")
	waitConnections(t, hub, 1)

	_ = c.Close(websocket.StatusNormalClosure, "")
	waitConnections(t, hub, 0)
}

func TestHub_BroadcastNoConnections(t *testing.T) {
	hub := NewHub(nil)
	hub.BroadcastEvent(context.Background(), broadcast.EventSessionStatus,
		messagequeue.SessionStatusPayload{SessionID: "s1", Status: "active"})
}

func TestHub_BroadcastEventMarshalError(t *testing.T) {
	hub := NewHub(nil)
	// A channel cannot be marshaled to JSON; should log, not panic.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHub_RemoveNonexistent(t *testing.T) {
	hub := NewHub(nil)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel})
}
