package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/events"
	"chatsync/internal/protocol"
)

type stubController struct {
	mu       sync.Mutex
	active   []uint64
	scrolls  []int
	atBottom bool
	counts   map[uint64]int
}

func (s *stubController) SetActiveRoom(ctx context.Context, roomID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = append(s.active, roomID)
}

func (s *stubController) OnScroll(roomID uint64, scrollTop int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrolls = append(s.scrolls, scrollTop)
	return s.atBottom
}

func (s *stubController) MessageList(roomID uint64) []protocol.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return make([]protocol.ChatMessage, s.counts[roomID])
}

func setupTestHub(t *testing.T) (*Hub, *stubController, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewHub(logger)
	ctrl := &stubController{counts: map[uint64]int{7: 10}, atBottom: true}
	h.Bind(ctrl)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, ctrl, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("msgType = %d, want %d", msgType, websocket.TextMessage)
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	return env
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.snapshotClients()) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("clients = %d, want %d", len(h.snapshotClients()), n)
}

func TestHub_ForwardsBusEvents(t *testing.T) {
	h, _, srv := setupTestHub(t)
	bus := events.NewBus()
	defer h.Attach(bus)()

	conn := dialHub(t, srv)
	waitClients(t, h, 1)

	bus.Publish(events.TopicNewMsg, protocol.ChatMessage{Message: protocol.Message{ID: 41, RoomID: 7, Content: "hi"}})

	env := readEnvelope(t, conn)
	if env.Type != "newMsg" {
		t.Fatalf("type = %q, want newMsg", env.Type)
	}
	if env.RoomID != 7 {
		t.Fatalf("roomId = %d, want 7", env.RoomID)
	}
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want object", env.Payload)
	}
	msg, _ := payload["message"].(map[string]any)
	if msg["content"] != "hi" {
		t.Fatalf("payload.message = %v", msg)
	}
}

func TestHub_StatusEventCarriesName(t *testing.T) {
	h, _, srv := setupTestHub(t)
	bus := events.NewBus()
	defer h.Attach(bus)()

	conn := dialHub(t, srv)
	waitClients(t, h, 1)

	bus.Publish(events.TopicStatus, StatusChange{Status: StatusOpen, AttemptID: "a1"})

	env := readEnvelope(t, conn)
	payload, _ := env.Payload.(map[string]any)
	if env.Type != "status" || payload["status"] != "OPEN" {
		t.Fatalf("envelope = %+v, want status OPEN", env)
	}
}

func TestHub_ScrollMessageRepliesAtBottom(t *testing.T) {
	h, ctrl, srv := setupTestHub(t)
	conn := dialHub(t, srv)
	waitClients(t, h, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"scroll","roomId":7,"scrollTop":640}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != "atBottom" || env.RoomID != 7 {
		t.Fatalf("envelope = %+v, want atBottom for room 7", env)
	}
	payload, _ := env.Payload.(map[string]any)
	if payload["atBottom"] != true {
		t.Fatalf("atBottom = %v, want true", payload["atBottom"])
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.scrolls) != 1 || ctrl.scrolls[0] != 640 {
		t.Fatalf("scrolls = %v, want [640]", ctrl.scrolls)
	}
}

func TestHub_ActiveRoomMessage(t *testing.T) {
	h, ctrl, srv := setupTestHub(t)
	conn := dialHub(t, srv)
	waitClients(t, h, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"activeRoom","roomId":9}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctrl.mu.Lock()
		n := len(ctrl.active)
		ctrl.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.active) != 1 || ctrl.active[0] != 9 {
		t.Fatalf("active = %v, want [9]", ctrl.active)
	}
}

func TestHub_ContentHeightLearnsRowHeight(t *testing.T) {
	h, _, srv := setupTestHub(t)

	if got := h.ContentHeight(7); got != 10*DefaultRowHeight {
		t.Fatalf("ContentHeight() = %d, want %d", got, 10*DefaultRowHeight)
	}

	conn := dialHub(t, srv)
	waitClients(t, h, 1)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"viewport","roomId":7,"contentHeight":1000,"messages":20}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ContentHeight(7) == 500 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ContentHeight() = %d, want 500", h.ContentHeight(7))
}

func TestHub_ScrollCommands(t *testing.T) {
	h, _, srv := setupTestHub(t)
	conn := dialHub(t, srv)
	waitClients(t, h, 1)

	h.ScrollBy(7, 360)
	env := readEnvelope(t, conn)
	payload, _ := env.Payload.(map[string]any)
	if env.Type != "scrollBy" || env.RoomID != 7 || payload["delta"] != float64(360) {
		t.Fatalf("envelope = %+v, want scrollBy 360", env)
	}

	h.ScrollToBottom(7)
	if env := readEnvelope(t, conn); env.Type != "scrollToBottom" || env.RoomID != 7 {
		t.Fatalf("envelope = %+v, want scrollToBottom", env)
	}
}

func TestHub_CloseAll(t *testing.T) {
	h, _, srv := setupTestHub(t)
	conn := dialHub(t, srv)
	waitClients(t, h, 1)

	h.CloseAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("ReadMessage() error = %v, want normal closure", err)
	}
}

func TestHub_BroadcastSkipsClosedClient(t *testing.T) {
	h, _, srv := setupTestHub(t)
	dialHub(t, srv)
	waitClients(t, h, 1)

	// A client torn down but not yet untracked by its read loop.
	c := h.snapshotClients()[0]
	c.close()
	h.track(c)

	for i := 0; i < sendBuffer+2; i++ {
		h.Broadcast(Envelope{Type: "newMsg", RoomID: 7})
	}
	waitClients(t, h, 0)
}

func TestHub_SlowClientDropped(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewHub(logger)

	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	dialHub(t, srv)

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("upgrade timed out")
	}

	// No write pump: the send buffer fills and the next broadcast drops it.
	c := newUIClient(conn)
	h.track(c)
	for i := 0; i < sendBuffer+1; i++ {
		h.Broadcast(Envelope{Type: "newMsg", RoomID: 7})
	}
	if n := len(h.snapshotClients()); n != 0 {
		t.Fatalf("clients = %d, want 0", n)
	}
	if !c.closed() {
		t.Fatalf("slow client left open")
	}

	h.Broadcast(Envelope{Type: "newMsg", RoomID: 7})
}

func TestHub_WriteFailureUntracksClient(t *testing.T) {
	h, _, srv := setupTestHub(t)
	dialHub(t, srv)
	waitClients(t, h, 1)

	c := h.snapshotClients()[0]
	_ = c.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.snapshotClients()) > 0 {
		h.Broadcast(Envelope{Type: "newMsg", RoomID: 7})
		time.Sleep(5 * time.Millisecond)
	}
	waitClients(t, h, 0)
	if !c.closed() {
		t.Fatalf("client not torn down after write failure")
	}
}
