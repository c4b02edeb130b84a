package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/position-engine/internal/model"
)

func dialHub(t *testing.T, h *WSHub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		got := len(h.clients)
		h.mu.RUnlock()
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d ws clients", want)
}

func TestWSHub_PublishFiltersByUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewWSHub()
	go h.Run(ctx)

	all := dialHub(t, h, "")
	bob := dialHub(t, h, "?user_id=bob")
	waitForClients(t, h, 2)

	err := h.Publish(ctx, []model.Event{
		{Seq: 1, Type: model.EventPositionOpened, UserID: "alice"},
		{Seq: 2, Type: model.EventPositionOpened, UserID: "bob"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	read := func(conn *websocket.Conn) model.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var e model.Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return e
	}

	if e := read(all); e.Seq != 1 {
		t.Errorf("expected seq 1 first, got %d", e.Seq)
	}
	if e := read(all); e.Seq != 2 {
		t.Errorf("expected seq 2 second, got %d", e.Seq)
	}
	if e := read(bob); e.Seq != 2 || e.UserID != "bob" {
		t.Errorf("expected only bob's event, got seq %d for %q", e.Seq, e.UserID)
	}
}

func TestWSHub_Name(t *testing.T) {
	if got := NewWSHub().Name(); got != "websocket" {
		t.Errorf("expected websocket, got %q", got)
	}
}
