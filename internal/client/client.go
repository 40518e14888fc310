// Package client assembles the sync core: socket supervisor, envelope router,
// message engine and the heartbeat worker, around one event bus.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/chat"
	"chatsync/internal/events"
	"chatsync/internal/protocol"
	"chatsync/internal/router"
	"chatsync/internal/storage"
	"chatsync/internal/transport"
	"chatsync/internal/ws"
)

var ErrNotConnected = errors.New("not connected")

// Directory is the persisted room directory.
type Directory interface {
	chat.Directory
	Ready(ctx context.Context) error
	UpsertRoom(ctx context.Context, room storage.RoomRow, nowMs int64) (storage.RoomRow, error)
	ListRooms(ctx context.Context) ([]storage.RoomRow, error)
	SetPinned(ctx context.Context, roomID uint64, pinned bool, pinTimeMs int64) error
	UpdateRoomInfo(ctx context.Context, roomID uint64, name, avatar string, nowMs int64) error
}

// API is the chat server's REST surface.
type API interface {
	chat.PageFetcher
	chat.ReadReporter
	ListContacts(ctx context.Context) ([]protocol.Contact, error)
}

// tokenWatcher is implemented by token providers that can notice a new token.
type tokenWatcher interface {
	Watch(ctx context.Context, onChange func(token string)) error
}

type Options struct {
	WSURL      string
	Tokens     auth.TokenProvider
	Transports transport.Factory
	Directory  Directory
	API        API
	Viewport   chat.Viewport
	Confirmer  ws.Confirmer
	Bus        *events.Bus

	PageSize               int
	FastReconnectThreshold time.Duration
	FetchTimeout           time.Duration
	HeartbeatInterval      time.Duration
	ReconnectDebounce      time.Duration
	ReadDebounce           time.Duration
	Mobile                 bool
}

type Client struct {
	logger *slog.Logger
	bus    *events.Bus
	tokens auth.TokenProvider
	dir    Directory
	api    API

	sup    *ws.Supervisor
	router *router.Router
	engine *chat.Engine
	worker *ws.Worker

	mu     sync.Mutex
	unsubs []func()
}

func New(logger *slog.Logger, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectDebounce <= 0 {
		opts.ReconnectDebounce = 3 * time.Second
	}

	c := &Client{
		logger: logger.With("component", "client"),
		bus:    opts.Bus,
		tokens: opts.Tokens,
		dir:    opts.Directory,
		api:    opts.API,
	}
	c.router = router.New(logger, opts.Bus, c)
	c.sup = ws.NewSupervisor(logger, ws.Options{
		BaseURL:                opts.WSURL,
		Tokens:                 opts.Tokens,
		Transports:             opts.Transports,
		Bus:                    opts.Bus,
		OnFrame:                c.router.Route,
		FastReconnectThreshold: opts.FastReconnectThreshold,
		Confirmer:              opts.Confirmer,
	})

	engineOpts := chat.Options{
		Viewport:     opts.Viewport,
		Tokens:       opts.Tokens,
		Bus:          opts.Bus,
		PageSize:     opts.PageSize,
		FetchTimeout: opts.FetchTimeout,
		ReadDebounce: opts.ReadDebounce,
		Mobile:       opts.Mobile,
	}
	// Leave the interface fields nil rather than holding typed nils.
	if opts.API != nil {
		engineOpts.Fetcher = opts.API
		engineOpts.Reads = opts.API
	}
	if opts.Directory != nil {
		engineOpts.Directory = opts.Directory
	}
	c.engine = chat.NewEngine(logger, engineOpts)
	c.worker = ws.NewWorker(opts.HeartbeatInterval, opts.ReconnectDebounce)
	return c
}

func (c *Client) Bus() *events.Bus       { return c.bus }
func (c *Client) Engine() *chat.Engine   { return c.engine }
func (c *Client) Router() *router.Router { return c.router }
func (c *Client) Status() ws.Status      { return c.sup.Status() }

func (c *Client) ConnectTime() time.Time    { return c.sup.ConnectTime() }
func (c *Client) LastDisconnect() time.Time { return c.sup.LastDisconnect() }

// ReportServerError receives non-success frames from the router.
func (c *Client) ReportServerError(code int, message string) {
	c.logger.Warn("server error frame", "code", code, "message", message)
}

func (c *Client) attach(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubs != nil {
		return
	}
	c.unsubs = []func(){
		c.engine.Attach(c.bus),
		c.bus.Subscribe(events.TopicStatus, func(ev events.Event) {
			if sc, ok := ev.Payload.(ws.StatusChange); ok {
				c.worker.Notify(sc.Status)
			}
		}),
		c.bus.Subscribe(events.TopicFastReconnect, func(ev events.Event) {
			fr, _ := ev.Payload.(ws.FastReconnect)
			room := c.engine.ActiveRoom()
			c.logger.Info("fast reconnect", "gapMs", fr.Reconnect.Sub(fr.LastDisconnect).Milliseconds(), "roomId", room)
			if room != 0 {
				go c.engine.SyncMessages(ctx, room)
			}
		}),
		c.bus.Subscribe(events.TopicTokenMsg, func(events.Event) {
			c.logger.Warn("server reported token expired")
		}),
		c.bus.Subscribe(events.TopicPinContactMsg, func(ev events.Event) {
			if p, ok := ev.Payload.(protocol.PinContactPayload); ok {
				c.applyPin(ctx, p)
			}
		}),
		c.bus.Subscribe(events.TopicUpdateContactInfo, func(ev events.Event) {
			if p, ok := ev.Payload.(protocol.UpdateContactInfoPayload); ok {
				c.applyContactInfo(ctx, p)
			}
		}),
	}
}

func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
}

func (c *Client) applyPin(ctx context.Context, p protocol.PinContactPayload) {
	if c.dir == nil {
		return
	}
	if err := c.dir.SetPinned(ctx, p.RoomID, p.IsPin, p.PinTime); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("pin update failed", "roomId", p.RoomID, "error", err)
	}
}

func (c *Client) applyContactInfo(ctx context.Context, p protocol.UpdateContactInfoPayload) {
	if c.dir == nil {
		return
	}
	if err := c.dir.UpdateRoomInfo(ctx, p.RoomID, p.Name, p.Avatar, time.Now().UnixMilli()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("contact info update failed", "roomId", p.RoomID, "error", err)
	}
}

// RefreshDirectory pulls the contact list into the room directory, which
// moves each room's last message marker to what the server reports.
func (c *Client) RefreshDirectory(ctx context.Context) error {
	if c.api == nil || c.dir == nil {
		return nil
	}
	contacts, err := c.api.ListContacts(ctx)
	if err != nil {
		return err
	}
	nowMs := time.Now().UnixMilli()
	for _, ct := range contacts {
		row := storage.RoomRow{
			ID:        ct.RoomID,
			Name:      ct.Name,
			Avatar:    ct.Avatar,
			Type:      ct.Type,
			LastMsgID: ct.LastMsgID,
			Pinned:    ct.PinTime > 0,
			PinTimeMs: ct.PinTime,
		}
		if _, err := c.dir.UpsertRoom(ctx, row, nowMs); err != nil {
			return err
		}
	}
	c.logger.Info("room directory refreshed", "rooms", len(contacts))
	return nil
}

// afterOpen runs once per opened connection.
func (c *Client) afterOpen(ctx context.Context) {
	if err := c.RefreshDirectory(ctx); err != nil {
		c.logger.Warn("directory refresh failed", "error", err)
	}
	if room := c.engine.ActiveRoom(); room != 0 {
		c.engine.SyncMessages(ctx, room)
	}
}

func (c *Client) connect(ctx context.Context) {
	_, err := c.sup.Connect(ctx, func() { go c.afterOpen(ctx) })
	switch {
	case err == nil, errors.Is(err, ws.ErrConnecting):
	case errors.Is(err, ws.ErrNoToken):
		c.logger.Info("no token, staying disconnected")
	default:
		c.logger.Warn("connect failed", "error", err)
	}
}

// reload tears the connection down and opens a new one with the current
// token. Without a token it only closes.
func (c *Client) reload(ctx context.Context) {
	if c.tokens == nil || c.tokens.Token() == "" {
		_ = c.sup.Close(ctx, false)
		return
	}
	if c.sup.Status() == ws.StatusConnecting {
		return
	}
	_ = c.sup.Close(ctx, false)
	c.connect(ctx)
}

// Run connects and then serves worker signals until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.attach(ctx)
	defer c.detach()

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.worker.Run(workerCtx)

	if w, ok := c.tokens.(tokenWatcher); ok {
		go func() {
			err := w.Watch(workerCtx, func(token string) {
				c.logger.Info("token changed", "token", auth.Fingerprint(token))
				c.worker.RequestReload()
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("token watch stopped", "error", err)
			}
		}()
	}

	c.connect(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = c.sup.Close(context.Background(), false)
			c.engine.Close()
			return nil
		case sig := <-c.worker.Signals():
			switch sig {
			case ws.SignalHeartbeat:
				if c.sup.Status() == ws.StatusOpen {
					if err := c.sup.SendHeartbeat(ctx); err != nil {
						c.logger.Warn("heartbeat failed", "error", err)
					}
					continue
				}
				c.reload(ctx)
			case ws.SignalReload:
				c.reload(ctx)
			}
		}
	}
}

// Reconnect asks the run loop to rebuild the connection.
func (c *Client) Reconnect() {
	c.worker.RequestReload()
}

func (c *Client) Close(ctx context.Context, graceful bool) error {
	return c.sup.Close(ctx, graceful)
}

// Reset closes without confirmation and forgets all cached state.
func (c *Client) Reset() {
	c.sup.Reset()
	c.router.Reset()
	c.engine.Reset()
}

// Ready reports whether the directory is reachable and the socket is open.
func (c *Client) Ready(ctx context.Context) error {
	if c.dir != nil {
		if err := c.dir.Ready(ctx); err != nil {
			return err
		}
	}
	if c.sup.Status() != ws.StatusOpen {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) Rooms(ctx context.Context) ([]storage.RoomRow, error) {
	if c.dir == nil {
		return nil, nil
	}
	return c.dir.ListRooms(ctx)
}

// HasRoom reports whether the directory knows the room. Without a directory
// every room is known.
func (c *Client) HasRoom(ctx context.Context, roomID uint64) (bool, error) {
	if c.dir == nil {
		return true, nil
	}
	return c.dir.HasRoom(ctx, roomID)
}

func (c *Client) ActiveRoom() uint64 { return c.engine.ActiveRoom() }
func (c *Client) IsAtBottom() bool   { return c.engine.IsAtBottom() }

func (c *Client) SetActiveRoom(ctx context.Context, roomID uint64) {
	c.engine.SetActiveRoom(ctx, roomID)
}

func (c *Client) RoomState(roomID uint64) (chat.State, bool) {
	return c.engine.State(roomID)
}

func (c *Client) MessageList(roomID uint64) []protocol.ChatMessage {
	return c.engine.MessageList(roomID)
}

func (c *Client) LoadOlderPage(ctx context.Context, roomID uint64) {
	c.engine.LoadOlderPage(ctx, roomID)
}

func (c *Client) ReloadRoom(ctx context.Context, roomID uint64) {
	c.engine.Reload(ctx, roomID)
}

func (c *Client) OnScroll(roomID uint64, scrollTop int) bool {
	return c.engine.OnScroll(roomID, scrollTop)
}
