package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/protocol"
	"chatsync/internal/storage"
	"chatsync/internal/ws"
)

type v1API struct {
	logger *slog.Logger
	core   Core
}

func newV1API(logger *slog.Logger, core Core) *v1API {
	return &v1API{
		logger: logger.With("component", "v1"),
		core:   core,
	}
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeAPIError(w http.ResponseWriter, code ErrorCode, message string) {
	writeJSON(w, httpStatusForCode(code), apiErrorEnvelope{
		Error: apiError{
			Code:    string(code),
			Message: message,
		},
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected extra JSON input")
	}
	return nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func parseRoomID(raw string) (uint64, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

type statusResponse struct {
	Status           ws.Status `json:"status"`
	ConnectTimeMs    int64     `json:"connectTimeMs,omitempty"`
	LastDisconnectMs int64     `json:"lastDisconnectMs,omitempty"`
	ActiveRoom       uint64    `json:"activeRoom,omitempty"`
	AtBottom         bool      `json:"atBottom"`
}

func (api *v1API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:           api.core.Status(),
		ConnectTimeMs:    unixMs(api.core.ConnectTime()),
		LastDisconnectMs: unixMs(api.core.LastDisconnect()),
		ActiveRoom:       api.core.ActiveRoom(),
		AtBottom:         api.core.IsAtBottom(),
	})
}

type roomListItem struct {
	storage.RoomRow
	Cached *chat.State `json:"cached,omitempty"`
}

type listRoomsResponse struct {
	Rooms []roomListItem `json:"rooms"`
}

func (api *v1API) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}
	rows, err := api.core.Rooms(r.Context())
	if err != nil {
		api.logger.Error("list rooms failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "failed to list rooms")
		return
	}
	items := make([]roomListItem, 0, len(rows))
	for _, row := range rows {
		item := roomListItem{RoomRow: row}
		if st, ok := api.core.RoomState(row.ID); ok {
			item.Cached = &st
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, listRoomsResponse{Rooms: items})
}

func (api *v1API) handleRoomSubroutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/v1/rooms/"))
	if len(parts) != 2 {
		writeAPIError(w, ErrCodeNotFound, "not found")
		return
	}
	roomID, ok := parseRoomID(parts[0])
	if !ok {
		writeAPIError(w, ErrCodeValidation, "invalid room id")
		return
	}

	var handler func(http.ResponseWriter, *http.Request, uint64)
	method := http.MethodPost
	switch parts[1] {
	case "messages":
		method = http.MethodGet
		handler = api.handleListMessages
	case "older":
		handler = api.handleLoadOlder
	case "reload":
		handler = api.handleReloadRoom
	case "scroll":
		handler = api.handleScroll
	default:
		writeAPIError(w, ErrCodeNotFound, "not found")
		return
	}
	if r.Method != method {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}
	if !api.requireRoom(w, r, roomID) {
		return
	}
	handler(w, r, roomID)
}

func (api *v1API) requireRoom(w http.ResponseWriter, r *http.Request, roomID uint64) bool {
	ok, err := api.core.HasRoom(r.Context(), roomID)
	if err != nil {
		api.logger.Error("room lookup failed", "roomId", roomID, "error", err)
		writeAPIError(w, ErrCodeInternal, "room lookup failed")
		return false
	}
	if !ok {
		writeAPIError(w, ErrCodeRoomNotFound, "room not found")
		return false
	}
	return true
}

type roomMessagesResponse struct {
	State    chat.State             `json:"state"`
	Messages []protocol.ChatMessage `json:"messages"`
}

func (api *v1API) writeRoom(w http.ResponseWriter, roomID uint64) {
	st, ok := api.core.RoomState(roomID)
	if !ok {
		st = chat.State{RoomID: roomID}
	}
	msgs := api.core.MessageList(roomID)
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, roomMessagesResponse{State: st, Messages: msgs})
}

func (api *v1API) handleListMessages(w http.ResponseWriter, r *http.Request, roomID uint64) {
	api.writeRoom(w, roomID)
}

// handleLoadOlder blocks until the page fetch settles (bounded by the fetch
// timeout) and returns the room as it is afterwards. The fetch outlives the
// caller: a disconnect must not reset the page boundary.
func (api *v1API) handleLoadOlder(w http.ResponseWriter, r *http.Request, roomID uint64) {
	api.core.LoadOlderPage(context.WithoutCancel(r.Context()), roomID)
	api.writeRoom(w, roomID)
}

func (api *v1API) handleReloadRoom(w http.ResponseWriter, r *http.Request, roomID uint64) {
	api.core.ReloadRoom(context.WithoutCancel(r.Context()), roomID)
	api.writeRoom(w, roomID)
}

type scrollRequest struct {
	ScrollTop *int `json:"scrollTop"`
}

type scrollResponse struct {
	AtBottom bool `json:"atBottom"`
}

func (api *v1API) handleScroll(w http.ResponseWriter, r *http.Request, roomID uint64) {
	var req scrollRequest
	if err := decodeJSON(w, r, &req); err != nil || req.ScrollTop == nil {
		writeAPIError(w, ErrCodeValidation, "scrollTop is required")
		return
	}
	writeJSON(w, http.StatusOK, scrollResponse{AtBottom: api.core.OnScroll(roomID, *req.ScrollTop)})
}

type activeRoomRequest struct {
	RoomID *uint64 `json:"roomId"`
}

type activeRoomResponse struct {
	RoomID uint64      `json:"roomId"`
	State  *chat.State `json:"state,omitempty"`
}

func (api *v1API) handleActiveRoom(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req activeRoomRequest
		if err := decodeJSON(w, r, &req); err != nil || req.RoomID == nil {
			writeAPIError(w, ErrCodeValidation, "roomId is required")
			return
		}
		// 0 clears the active room.
		if *req.RoomID != 0 && !api.requireRoom(w, r, *req.RoomID) {
			return
		}
		api.core.SetActiveRoom(r.Context(), *req.RoomID)
	default:
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	res := activeRoomResponse{RoomID: api.core.ActiveRoom()}
	if st, ok := api.core.RoomState(res.RoomID); ok {
		res.State = &st
	}
	writeJSON(w, http.StatusOK, res)
}

type closeRequest struct {
	Graceful bool `json:"graceful"`
}

type connectionResponse struct {
	Status ws.Status `json:"status"`
}

func (api *v1API) handleConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}
	switch strings.TrimPrefix(r.URL.Path, "/v1/connection/") {
	case "reload":
		api.core.Reconnect()
		writeJSON(w, http.StatusAccepted, connectionResponse{Status: api.core.Status()})
	case "close":
		var req closeRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				writeAPIError(w, ErrCodeValidation, "invalid JSON body")
				return
			}
		}
		if err := api.core.Close(r.Context(), req.Graceful); err != nil {
			if errors.Is(err, ws.ErrCloseDeclined) {
				writeAPIError(w, ErrCodeCloseDeclined, "close declined")
				return
			}
			api.logger.Error("close failed", "error", err)
			writeAPIError(w, ErrCodeInternal, "close failed")
			return
		}
		writeJSON(w, http.StatusOK, connectionResponse{Status: api.core.Status()})
	default:
		writeAPIError(w, ErrCodeNotFound, "not found")
	}
}
