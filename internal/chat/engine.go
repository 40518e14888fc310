package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/events"
	"chatsync/internal/protocol"
)

const (
	DefaultPageSize     = 20
	DefaultFetchTimeout = 10 * time.Second
	DefaultReadDebounce = 500 * time.Millisecond

	// Distance from the bottom of the content within which the viewport
	// counts as scrolled to the bottom.
	DesktopBottomOffset = -678
	MobileBottomOffset  = -730
)

// PageFetcher fetches one backward page of history. A nil cursor asks for
// the newest page.
type PageFetcher interface {
	FetchPage(ctx context.Context, roomID uint64, size int, cursor *string, token string) (protocol.Page, error)
}

// Directory is the room directory the cache is scoped by.
type Directory interface {
	HasRoom(ctx context.Context, roomID uint64) (bool, error)
	LastMsgID(ctx context.Context, roomID uint64) (uint64, error)
	AdvanceLastMsgID(ctx context.Context, roomID, msgID uint64) error
}

// Viewport is the rendering surface's scroll contract.
type Viewport interface {
	ContentHeight(roomID uint64) int
	ScrollBy(roomID uint64, delta int)
	ScrollToBottom(roomID uint64)
}

type ReadReporter interface {
	MarkRead(ctx context.Context, roomID uint64) error
}

// RoomSynced is published on events.TopicRoomSynced after a reload.
type RoomSynced struct {
	RoomID uint64 `json:"roomId"`
	Count  int    `json:"count"`
}

type Options struct {
	Fetcher      PageFetcher
	Directory    Directory
	Viewport     Viewport
	Reads        ReadReporter
	Tokens       auth.TokenProvider
	Bus          *events.Bus
	PageSize     int
	FetchTimeout time.Duration
	ReadDebounce time.Duration
	Mobile       bool
}

type noViewport struct{}

func (noViewport) ContentHeight(uint64) int { return 0 }
func (noViewport) ScrollBy(uint64, int)     {}
func (noViewport) ScrollToBottom(uint64)    {}

// Engine owns every Conversation. Flags are checked and set under mu, fetches
// run without it, and results are applied after re-taking it. Collaborators
// are never called with mu held.
type Engine struct {
	logger       *slog.Logger
	fetcher      PageFetcher
	dir          Directory
	view         Viewport
	reads        ReadReporter
	tokens       auth.TokenProvider
	bus          *events.Bus
	pageSize     int
	fetchTimeout time.Duration
	readDebounce time.Duration
	bottomOffset int

	mu         sync.Mutex
	rooms      map[uint64]*Conversation
	active     uint64
	atBottom   bool
	autoScroll bool
	readTimers map[uint64]*time.Timer
}

func NewEngine(logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Viewport == nil {
		opts.Viewport = noViewport{}
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.ReadDebounce <= 0 {
		opts.ReadDebounce = DefaultReadDebounce
	}
	offset := DesktopBottomOffset
	if opts.Mobile {
		offset = MobileBottomOffset
	}
	return &Engine{
		logger:       logger.With("component", "chat"),
		fetcher:      opts.Fetcher,
		dir:          opts.Directory,
		view:         opts.Viewport,
		reads:        opts.Reads,
		tokens:       opts.Tokens,
		bus:          opts.Bus,
		pageSize:     opts.PageSize,
		fetchTimeout: opts.FetchTimeout,
		readDebounce: opts.ReadDebounce,
		bottomOffset: offset,
		rooms:        make(map[uint64]*Conversation),
		atBottom:     true,
		readTimers:   make(map[uint64]*time.Timer),
	}
}

// conversation returns the room's state, creating it on first reference.
// Callers hold mu.
func (e *Engine) conversation(roomID uint64) *Conversation {
	c, ok := e.rooms[roomID]
	if !ok {
		c = newConversation(roomID, e.pageSize)
		e.rooms[roomID] = c
	}
	return c
}

func (e *Engine) token() string {
	if e.tokens == nil {
		return ""
	}
	return e.tokens.Token()
}

func (e *Engine) known(ctx context.Context, roomID uint64) bool {
	if roomID == 0 {
		return false
	}
	if e.dir == nil {
		return true
	}
	ok, err := e.dir.HasRoom(ctx, roomID)
	if err != nil {
		e.logger.Warn("room lookup failed", "roomId", roomID, "error", err)
		return false
	}
	return ok
}

func (e *Engine) fetch(ctx context.Context, roomID uint64, size int, cursor *string) (protocol.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	return e.fetcher.FetchPage(ctx, roomID, size, cursor, e.token())
}

// LoadOlderPage fetches the page before the room's cursor and prepends the
// ids it has not seen. It is a no-op for unknown rooms, rooms with an
// operation in flight and rooms already at their oldest page.
func (e *Engine) LoadOlderPage(ctx context.Context, roomID uint64) {
	if !e.known(ctx, roomID) {
		return
	}

	e.mu.Lock()
	c := e.conversation(roomID)
	if c.busy() || c.PageInfo.IsLast {
		e.mu.Unlock()
		return
	}
	c.IsLoading = true
	size := c.PageInfo.Size
	cursor := normalizeCursor(c.PageInfo.Cursor)
	e.mu.Unlock()

	page, err := e.fetch(ctx, roomID, size, cursor)
	if err != nil {
		e.logger.Warn("load page failed", "roomId", roomID, "error", err)
		e.mu.Lock()
		c.IsLoading = false
		c.PageInfo.IsLast = false
		c.PageInfo.Cursor = nil
		e.mu.Unlock()
		return
	}

	before := e.view.ContentHeight(roomID)

	e.mu.Lock()
	wasEmpty := len(c.MsgIDs) == 0
	added := c.prepend(page.List)
	c.PageInfo.IsLast = page.IsLast
	c.PageInfo.Cursor = normalizeCursor(page.Cursor)
	c.loaded = true
	active := e.active == roomID
	e.mu.Unlock()

	after := e.view.ContentHeight(roomID)

	e.mu.Lock()
	c.ScrollTopSize = after
	c.IsLoading = false
	e.mu.Unlock()

	e.logger.Debug("page loaded", "roomId", roomID, "added", added, "isLast", page.IsLast)
	switch {
	case !active:
	case wasEmpty && added > 0:
		// Nothing to keep in place yet.
		e.view.ScrollToBottom(roomID)
	case after > before:
		e.view.ScrollBy(roomID, after-before)
	}
}

// Reload fetches the newest page from scratch. Cached messages are replaced
// only once the page has arrived; on failure they stay as they were and the
// page boundary becomes unknown. The active room is scrolled to the bottom
// either way.
func (e *Engine) Reload(ctx context.Context, roomID uint64) {
	if roomID == 0 {
		return
	}

	e.mu.Lock()
	c := e.conversation(roomID)
	if c.busy() {
		e.mu.Unlock()
		return
	}
	c.IsReload = true
	c.IsLoading = true
	c.ScrollTopSize = 0
	c.PageInfo = PageInfo{Size: e.pageSize}
	e.mu.Unlock()

	// Read before the fetch: anything at or below this marker that is
	// missing from the page has been deleted on the server.
	var marker uint64
	if e.dir != nil {
		if m, err := e.dir.LastMsgID(ctx, roomID); err == nil {
			marker = m
		}
	}

	page, err := e.fetch(ctx, roomID, e.pageSize, nil)

	e.mu.Lock()
	if err == nil {
		c.rebuild(page.List)
		c.seen(marker)
		c.PageInfo.IsLast = page.IsLast
		c.PageInfo.Cursor = normalizeCursor(page.Cursor)
		c.loaded = true
	} else {
		c.PageInfo.IsLast = false
		c.PageInfo.Cursor = nil
	}
	c.IsLoading = false
	c.IsReload = false
	count := len(c.MsgIDs)
	active := e.active == roomID
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("reload failed", "roomId", roomID, "error", err)
	} else {
		e.logger.Info("room reloaded", "roomId", roomID, "count", count)
		e.bus.Publish(events.TopicRoomSynced, RoomSynced{RoomID: roomID, Count: count})
	}

	if active {
		e.view.ScrollToBottom(roomID)
		h := e.view.ContentHeight(roomID)
		e.mu.Lock()
		c.ScrollTopSize = h
		e.mu.Unlock()
	}
}

// SyncMessages compares the highest id the room has seen with the
// directory's last message marker and reloads the room when the marker is
// ahead or nothing has been fetched yet.
func (e *Engine) SyncMessages(ctx context.Context, roomID uint64) {
	if !e.known(ctx, roomID) {
		return
	}

	e.mu.Lock()
	c := e.conversation(roomID)
	if c.busy() {
		e.mu.Unlock()
		return
	}
	c.IsSyncing = true
	cached := c.LastMsgID
	loaded := c.loaded && len(c.MsgIDs) > 0
	marker := c.LastMsgID
	e.mu.Unlock()

	var err error
	if e.dir != nil {
		marker, err = e.dir.LastMsgID(ctx, roomID)
	}

	e.mu.Lock()
	c.IsSyncing = false
	e.mu.Unlock()

	stale := !loaded
	if !stale {
		if err != nil {
			e.logger.Warn("sync probe failed", "roomId", roomID, "error", err)
			return
		}
		// Deletes never lower either side, so only a marker ahead is stale.
		stale = marker > cached
	}
	if !stale {
		return
	}
	e.logger.Debug("room stale", "roomId", roomID, "cached", cached, "marker", marker)
	e.Reload(ctx, roomID)
}

// SetActiveRoom switches the room on screen: both the new and the previous
// room get a debounced read report, the new room is probed for staleness and
// scrolled to the bottom.
func (e *Engine) SetActiveRoom(ctx context.Context, roomID uint64) {
	e.mu.Lock()
	prev := e.active
	if prev == roomID {
		e.mu.Unlock()
		return
	}
	e.active = roomID
	e.atBottom = true
	e.autoScroll = false
	if roomID != 0 {
		e.conversation(roomID)
	}
	e.mu.Unlock()

	if roomID != 0 {
		e.scheduleRead(roomID)
	}
	if prev != 0 {
		e.scheduleRead(prev)
	}
	if roomID == 0 {
		return
	}

	e.SyncMessages(ctx, roomID)
	if e.ActiveRoom() == roomID {
		e.view.ScrollToBottom(roomID)
	}
}

func (e *Engine) ActiveRoom() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// OnScroll records the active room's scroll offset and reports whether the
// viewport is at the bottom.
func (e *Engine) OnScroll(roomID uint64, scrollTop int) bool {
	if roomID == 0 || e.ActiveRoom() != roomID {
		return false
	}
	height := e.view.ContentHeight(roomID)
	atBottom := scrollTop >= height+e.bottomOffset

	e.mu.Lock()
	if e.active != roomID {
		e.mu.Unlock()
		return false
	}
	e.atBottom = atBottom
	e.autoScroll = false
	if atBottom {
		if c, ok := e.rooms[roomID]; ok {
			if last, ok := c.MsgMap[c.newest()]; ok {
				e.autoScroll = last.Message.Type == protocol.MessageAIChatReply
			}
		}
	}
	e.mu.Unlock()

	if atBottom {
		e.scheduleRead(roomID)
	}
	return atBottom
}

func (e *Engine) IsAtBottom() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.atBottom
}

func (e *Engine) scheduleRead(roomID uint64) {
	if e.reads == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.readTimers[roomID]; ok {
		t.Stop()
	}
	e.readTimers[roomID] = time.AfterFunc(e.readDebounce, func() {
		e.mu.Lock()
		delete(e.readTimers, roomID)
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), e.fetchTimeout)
		defer cancel()
		if err := e.reads.MarkRead(ctx, roomID); err != nil {
			e.logger.Warn("mark read failed", "roomId", roomID, "error", err)
		}
	})
}

// MessageList returns the room's messages in display order.
func (e *Engine) MessageList(roomID uint64) []protocol.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	return c.list()
}

func (e *Engine) State(roomID uint64) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.rooms[roomID]
	if !ok {
		return State{}, false
	}
	return c.state(), true
}

// Rooms lists the ids of every room with cached state.
func (e *Engine) Rooms() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint64, 0, len(e.rooms))
	for id := range e.rooms {
		out = append(out, id)
	}
	return out
}

// Attach subscribes the live handlers and returns a function that removes
// them.
func (e *Engine) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.TopicNewMsg, func(ev events.Event) {
			if m, ok := ev.Payload.(protocol.ChatMessage); ok {
				e.ApplyNewMessage(context.Background(), m)
			}
		}),
		bus.Subscribe(events.TopicRecallMsg, func(ev events.Event) {
			if p, ok := ev.Payload.(protocol.RecallPayload); ok {
				e.ApplyRecall(p)
			}
		}),
		bus.Subscribe(events.TopicDeleteMsg, func(ev events.Event) {
			if p, ok := ev.Payload.(protocol.DeletePayload); ok {
				e.ApplyDelete(p)
			}
		}),
		bus.Subscribe(events.TopicAIStreamMsg, func(ev events.Event) {
			if p, ok := ev.Payload.(protocol.AIStreamPayload); ok {
				e.ApplyAIStream(p)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ApplyNewMessage stores a live message and advances the room's marker. The
// active room follows the new message only if the user is at the bottom.
func (e *Engine) ApplyNewMessage(ctx context.Context, m protocol.ChatMessage) {
	roomID := m.RoomID()
	if roomID == 0 || m.ID() == 0 {
		return
	}

	e.mu.Lock()
	c := e.conversation(roomID)
	c.add(m)
	follow := e.active == roomID && e.atBottom
	if follow {
		e.autoScroll = m.Message.Type == protocol.MessageAIChatReply
	}
	e.mu.Unlock()

	if e.dir != nil {
		if err := e.dir.AdvanceLastMsgID(ctx, roomID, m.ID()); err != nil {
			e.logger.Warn("advance last message failed", "roomId", roomID, "error", err)
		}
	}
	if follow {
		e.view.ScrollToBottom(roomID)
		e.scheduleRead(roomID)
	}
}

func (e *Engine) ApplyRecall(p protocol.RecallPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.rooms[p.RoomID]
	if !ok {
		return
	}
	m, ok := c.MsgMap[p.MsgID]
	if !ok {
		return
	}
	m.Message.Type = protocol.MessageRecall
	m.Message.Content = ""
	m.Message.Body = nil
	c.MsgMap[p.MsgID] = m
}

func (e *Engine) ApplyDelete(p protocol.DeletePayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.rooms[p.RoomID]; ok {
		c.remove(p.MsgID)
	}
}

// ApplyAIStream appends a streamed chunk to its reply message.
func (e *Engine) ApplyAIStream(p protocol.AIStreamPayload) {
	e.mu.Lock()
	c, ok := e.rooms[p.RoomID]
	if !ok {
		e.mu.Unlock()
		return
	}
	m, ok := c.MsgMap[p.MsgID]
	if !ok {
		e.mu.Unlock()
		return
	}
	m.Message.Content += p.Content
	c.MsgMap[p.MsgID] = m
	follow := e.active == p.RoomID && e.atBottom && e.autoScroll
	e.mu.Unlock()

	if follow {
		e.view.ScrollToBottom(p.RoomID)
	}
}

// Reset drops every cached room and pending read report.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.readTimers {
		t.Stop()
		delete(e.readTimers, id)
	}
	e.rooms = make(map[uint64]*Conversation)
	e.active = 0
	e.atBottom = true
	e.autoScroll = false
}

// Close stops pending read reports.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.readTimers {
		t.Stop()
		delete(e.readTimers, id)
	}
}
