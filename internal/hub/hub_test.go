package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/events"
)

func handlerFor(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleUpgrade)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return msg
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.GetConnectionCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connections = %d, want %d", h.GetConnectionCount(), want)
}

func TestStateSyncIsFirstMessage(t *testing.T) {
	state := NewStateSync(map[string]any{"version": 7}, []any{}, map[string]int{"agent-1": 50}, "auto")
	h := NewHub(func() *StateSyncMessage { return state }, time.Minute, nil, nil)
	srv := httptest.NewServer(handlerFor(h))
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv)
	msg := readMessage(t, conn)
	if msg["type"] != MsgStateSync {
		t.Fatalf("first message type = %v, want state_sync", msg["type"])
	}
	snapshot, _ := msg["snapshot"].(map[string]any)
	if snapshot["version"] != float64(7) {
		t.Errorf("snapshot = %v", msg["snapshot"])
	}
	if msg["controlMode"] != "auto" {
		t.Errorf("controlMode = %v", msg["controlMode"])
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := NewHub(nil, time.Minute, nil, nil)
	srv := httptest.NewServer(handlerFor(h))
	defer srv.Close()
	defer h.Close()

	first := dial(t, srv)
	second := dial(t, srv)
	waitForClients(t, h, 2)

	h.Broadcast(NewTrustUpdate("agent-1", 50, 53, 3, "task_completed_clean"))

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		if msg["type"] != MsgTrustUpdate {
			t.Errorf("type = %v", msg["type"])
		}
		if msg["agentId"] != "agent-1" || msg["newScore"] != float64(53) {
			t.Errorf("payload = %v", msg)
		}
	}
}

func TestPublishClassifiedEventWireFormat(t *testing.T) {
	h := NewHub(nil, time.Minute, nil, nil)
	srv := httptest.NewServer(handlerFor(h))
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv)
	waitForClients(t, h, 1)

	env := &events.Envelope{
		SourceEventID:    "evt-1",
		SourceSequence:   1,
		SourceOccurredAt: time.Now().UTC(),
		RunID:            "run-1",
		Event:            &events.DecisionEvent{AgentID: "agent-1", Subtype: events.DecisionOption, DecisionID: "dec-1"},
	}
	h.PublishClassifiedEvent(Classify(env))

	msg := readMessage(t, conn)
	if msg["type"] != MsgEvent {
		t.Fatalf("type = %v", msg["type"])
	}
	if msg["workspace"] != WorkspaceQueue {
		t.Errorf("workspace = %v", msg["workspace"])
	}
	if _, ok := msg["secondaryWorkspaces"].([]any); !ok {
		t.Errorf("secondaryWorkspaces = %v, want array", msg["secondaryWorkspaces"])
	}
	envelope, _ := msg["envelope"].(map[string]any)
	if envelope["sourceEventId"] != "evt-1" {
		t.Errorf("envelope = %v", envelope)
	}
}

func TestClosedClientSkipped(t *testing.T) {
	h := NewHub(nil, time.Minute, nil, nil)
	srv := httptest.NewServer(handlerFor(h))
	defer srv.Close()
	defer h.Close()

	gone := dial(t, srv)
	stays := dial(t, srv)
	waitForClients(t, h, 2)

	gone.Close()
	waitForClients(t, h, 1)

	h.Broadcast(NewBrake(true, nil))
	msg := readMessage(t, stays)
	if msg["type"] != MsgBrake || msg["engaged"] != true {
		t.Errorf("surviving client got %v", msg)
	}
}

func TestCloseTerminatesClients(t *testing.T) {
	h := NewHub(nil, time.Minute, nil, nil)
	srv := httptest.NewServer(handlerFor(h))
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, h, 1)

	h.Close()
	if h.GetConnectionCount() != 0 {
		t.Errorf("connections after close = %d", h.GetConnectionCount())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("client socket still readable after hub close")
	}
}
