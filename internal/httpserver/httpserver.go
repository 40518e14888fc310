// Package httpserver exposes the sync core to a local rendering surface:
// JSON endpoints for room state and commands, plus an event socket.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/protocol"
	"chatsync/internal/storage"
	"chatsync/internal/ws"
)

// Core is the part of the sync client the local API drives.
type Core interface {
	Ready(ctx context.Context) error

	Status() ws.Status
	ConnectTime() time.Time
	LastDisconnect() time.Time
	Reconnect()
	Close(ctx context.Context, graceful bool) error

	Rooms(ctx context.Context) ([]storage.RoomRow, error)
	HasRoom(ctx context.Context, roomID uint64) (bool, error)
	RoomState(roomID uint64) (chat.State, bool)
	MessageList(roomID uint64) []protocol.ChatMessage
	LoadOlderPage(ctx context.Context, roomID uint64)
	ReloadRoom(ctx context.Context, roomID uint64)

	ActiveRoom() uint64
	SetActiveRoom(ctx context.Context, roomID uint64)
	OnScroll(roomID uint64, scrollTop int) bool
	IsAtBottom() bool
}

type HandlerOptions struct {
	// Token, when set, is required as a bearer token (or ?token=) on every
	// path but the health probes.
	Token string
}

func NewHandler(logger *slog.Logger, core Core, hub *ws.Hub, opts HandlerOptions) http.Handler {
	mux := http.NewServeMux()
	api := newV1API(logger, core)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := core.Ready(r.Context()); err != nil {
			logger.Warn("ready check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if hub != nil {
		mux.Handle("/v1/events", hub.Handler())
	}
	mux.HandleFunc("/v1/status", api.handleStatus)
	mux.HandleFunc("/v1/rooms", api.handleRooms)
	mux.HandleFunc("/v1/rooms/", api.handleRoomSubroutes)
	mux.HandleFunc("/v1/active-room", api.handleActiveRoom)
	mux.HandleFunc("/v1/connection/", api.handleConnection)

	return chain(
		mux,
		recoverMiddleware(logger),
		requestLogMiddleware(logger),
		corsMiddleware(),
		authMiddleware(opts.Token),
	)
}
