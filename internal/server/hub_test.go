package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/pkg/enginedto"
)

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *ProgressHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubBroadcastsProgress(t *testing.T) {
	hub := NewProgressHub(nil)
	ts := httptest.NewServer(hub.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + ProgressPath

	a, b := dialHub(t, url), dialHub(t, url)
	waitClients(t, hub, 2)

	depth := 12
	hub.PublishProgress(uci.SearchProgress{Depth: &depth, PV: []string{"e2e4", "e7e5"}})

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame enginedto.ProgressFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Seq != 1 || frame.Progress.Depth == nil || *frame.Progress.Depth != 12 || len(frame.Progress.PV) != 2 {
			t.Fatalf("frame = %+v", frame)
		}
	}

	_ = a.Close()
	waitClients(t, hub, 1)
}

func TestHubCloseDisconnects(t *testing.T) {
	hub := NewProgressHub(nil)
	ts := httptest.NewServer(hub.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + ProgressPath

	conn := dialHub(t, url)
	waitClients(t, hub, 1)
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	waitClients(t, hub, 0)

	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("upgrade accepted after Close")
	}
}
