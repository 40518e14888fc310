package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/events"
	"chatsync/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 16
)

const sendBuffer = 128

// DefaultRowHeight is the per-message height assumed until a rendering
// client reports its own.
const DefaultRowHeight = 72

// Envelope is one event pushed to rendering clients.
type Envelope struct {
	Type    string `json:"type"`
	RoomID  uint64 `json:"roomId,omitempty"`
	Payload any    `json:"payload"`
}

// Controller is what a rendering client may drive over the event socket.
type Controller interface {
	SetActiveRoom(ctx context.Context, roomID uint64)
	OnScroll(roomID uint64, scrollTop int) bool
	MessageList(roomID uint64) []protocol.ChatMessage
}

// uiClient.send is never closed; done marks teardown.
type uiClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newUIClient(conn *websocket.Conn) *uiClient {
	return &uiClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *uiClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *uiClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Hub fans bus events out to the rendering clients connected on the local
// event socket and stands in for their scroll viewport.
type Hub struct {
	logger *slog.Logger

	mu         sync.Mutex
	clients    map[*uiClient]struct{}
	ctrl       Controller
	rowHeights map[uint64]int
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger.With("component", "hub"),
		clients:    make(map[*uiClient]struct{}),
		rowHeights: make(map[uint64]int),
	}
}

// Bind sets the controller client messages are applied to.
func (h *Hub) Bind(ctrl Controller) {
	h.mu.Lock()
	h.ctrl = ctrl
	h.mu.Unlock()
}

func (h *Hub) controller() Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctrl
}

func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handle)
}

// Attach forwards every bus event to the connected clients.
func (h *Hub) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(func(ev events.Event) {
		env := Envelope{Type: string(ev.Topic), Payload: ev.Payload}
		if m, ok := ev.Payload.(protocol.ChatMessage); ok {
			env.RoomID = m.RoomID()
		}
		h.Broadcast(env)
	})
}

// ContentHeight estimates the room's rendered height from the cached message
// count and the last row height a client reported.
func (h *Hub) ContentHeight(roomID uint64) int {
	ctrl := h.controller()
	if ctrl == nil {
		return 0
	}
	n := len(ctrl.MessageList(roomID))

	h.mu.Lock()
	row, ok := h.rowHeights[roomID]
	h.mu.Unlock()
	if !ok {
		row = DefaultRowHeight
	}
	return n * row
}

func (h *Hub) ScrollBy(roomID uint64, delta int) {
	h.Broadcast(Envelope{Type: "scrollBy", RoomID: roomID, Payload: map[string]int{"delta": delta}})
}

func (h *Hub) ScrollToBottom(roomID uint64) {
	h.Broadcast(Envelope{Type: "scrollToBottom", RoomID: roomID})
}

func (h *Hub) CloseAll() {
	for _, c := range h.snapshotClients() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown"),
			time.Now().Add(writeWait),
		)
		h.drop(c)
	}
}

func (h *Hub) Broadcast(env Envelope) {
	b, err := encodeJSON(env)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "error", err, "type", env.Type)
		return
	}
	for _, c := range h.snapshotClients() {
		h.enqueue(c, b)
	}
}

func (h *Hub) enqueue(c *uiClient, b []byte) {
	if c.closed() {
		h.untrack(c)
		return
	}
	select {
	case c.send <- b:
	default:
		h.logger.Warn("slow client dropped")
		h.drop(c)
	}
}

// drop untracks c before tearing it down.
func (h *Hub) drop(c *uiClient) {
	h.untrack(c)
	c.close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *Hub) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := newUIClient(conn)
	h.track(c)
	defer h.drop(c)

	h.logger.Info("ui client connected", "remoteAddr", r.RemoteAddr)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.writePump(c, r.RemoteAddr)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("ui client disconnected", "remoteAddr", r.RemoteAddr, "error", err)
			return
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *Hub) writePump(c *uiClient, remoteAddr string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Info("write failed", "remoteAddr", remoteAddr, "error", err)
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) snapshotClients() []*uiClient {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*uiClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) track(c *uiClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) untrack(c *uiClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// clientMessage is one frame a rendering client sends. Which fields matter
// depends on Type:
//
//	activeRoom  roomId
//	scroll      roomId, scrollTop
//	viewport    roomId, contentHeight, messages
type clientMessage struct {
	Type          string `json:"type"`
	RoomID        uint64 `json:"roomId"`
	ScrollTop     int    `json:"scrollTop"`
	ContentHeight int    `json:"contentHeight"`
	Messages      int    `json:"messages"`
}

func (h *Hub) handleClientMessage(c *uiClient, msg []byte) {
	var cm clientMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		return
	}
	ctrl := h.controller()

	switch cm.Type {
	case "activeRoom":
		if ctrl == nil {
			return
		}
		// Switching may fetch a page; keep the read loop free.
		go ctrl.SetActiveRoom(context.Background(), cm.RoomID)
	case "scroll":
		if ctrl == nil || cm.RoomID == 0 {
			return
		}
		atBottom := ctrl.OnScroll(cm.RoomID, cm.ScrollTop)
		b, err := encodeJSON(Envelope{Type: "atBottom", RoomID: cm.RoomID, Payload: map[string]bool{"atBottom": atBottom}})
		if err != nil {
			return
		}
		h.enqueue(c, b)
	case "viewport":
		if cm.RoomID == 0 || cm.Messages <= 0 || cm.ContentHeight <= 0 {
			return
		}
		h.mu.Lock()
		h.rowHeights[cm.RoomID] = cm.ContentHeight / cm.Messages
		h.mu.Unlock()
	}
}
