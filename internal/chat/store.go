// Package chat is the per-room message cache and the engine that fills it:
// backward pagination, full reloads, staleness probes and live updates.
package chat

import (
	"chatsync/internal/protocol"
)

// PageInfo is the backward pagination state of one room. A nil Cursor means
// the boundary is unknown or the newest page has not been fetched yet.
type PageInfo struct {
	Cursor *string `json:"cursor"`
	IsLast bool    `json:"isLast"`
	Size   int     `json:"size"`
}

// Conversation holds one room's cached history. MsgIDs is the display order
// (oldest first) and only ever references keys of MsgMap.
type Conversation struct {
	RoomID        uint64
	MsgIDs        []uint64
	MsgMap        map[uint64]protocol.ChatMessage
	PageInfo      PageInfo
	// LastMsgID is the highest message id this room has reconciled with the
	// server. Deletes never lower it.
	LastMsgID     uint64
	ScrollTopSize int

	IsLoading bool
	IsReload  bool
	IsSyncing bool

	// loaded is set once a page from the server has been applied.
	loaded bool
}

func newConversation(roomID uint64, pageSize int) *Conversation {
	return &Conversation{
		RoomID:   roomID,
		MsgMap:   make(map[uint64]protocol.ChatMessage),
		PageInfo: PageInfo{Size: pageSize},
	}
}

func (c *Conversation) busy() bool {
	return c.IsLoading || c.IsReload || c.IsSyncing
}

// newest is the id of the last message in display order, 0 when empty.
func (c *Conversation) newest() uint64 {
	if len(c.MsgIDs) == 0 {
		return 0
	}
	return c.MsgIDs[len(c.MsgIDs)-1]
}

// prepend upserts every message and puts the ids not already present in
// front of MsgIDs, keeping the page's order. It returns how many were new.
func (c *Conversation) prepend(list []protocol.ChatMessage) int {
	fresh := make([]uint64, 0, len(list))
	for _, m := range list {
		id := m.ID()
		if _, ok := c.MsgMap[id]; !ok {
			fresh = append(fresh, id)
		}
		c.MsgMap[id] = m
	}
	if len(fresh) == 0 {
		return 0
	}
	ids := make([]uint64, 0, len(fresh)+len(c.MsgIDs))
	ids = append(ids, fresh...)
	ids = append(ids, c.MsgIDs...)
	c.MsgIDs = ids
	return len(fresh)
}

// add upserts one message, appending its id when it is new.
func (c *Conversation) add(m protocol.ChatMessage) bool {
	id := m.ID()
	_, exists := c.MsgMap[id]
	c.MsgMap[id] = m
	if !exists {
		c.MsgIDs = append(c.MsgIDs, id)
	}
	c.seen(id)
	return !exists
}

func (c *Conversation) remove(id uint64) bool {
	if _, ok := c.MsgMap[id]; !ok {
		return false
	}
	delete(c.MsgMap, id)
	for i, v := range c.MsgIDs {
		if v == id {
			c.MsgIDs = append(c.MsgIDs[:i], c.MsgIDs[i+1:]...)
			break
		}
	}
	return true
}

// rebuild replaces the cache with the newest page. Messages already cached
// that are newer than everything on the page arrived live while the page was
// in flight and are kept after it.
func (c *Conversation) rebuild(list []protocol.ChatMessage) {
	var pageNewest uint64
	ids := make([]uint64, 0, len(list))
	m := make(map[uint64]protocol.ChatMessage, len(list))
	for _, msg := range list {
		id := msg.ID()
		if _, dup := m[id]; !dup {
			ids = append(ids, id)
		}
		m[id] = msg
		if id > pageNewest {
			pageNewest = id
		}
	}
	for _, id := range c.MsgIDs {
		if _, dup := m[id]; dup || id <= pageNewest {
			continue
		}
		ids = append(ids, id)
		m[id] = c.MsgMap[id]
	}
	c.MsgIDs = ids
	c.MsgMap = m
	c.seen(c.highest())
}

// highest is the largest cached id, which is not the tail when a live
// message arrived out of order.
func (c *Conversation) highest() uint64 {
	var max uint64
	for _, id := range c.MsgIDs {
		if id > max {
			max = id
		}
	}
	return max
}

func (c *Conversation) seen(id uint64) {
	if id > c.LastMsgID {
		c.LastMsgID = id
	}
}

func (c *Conversation) list() []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, 0, len(c.MsgIDs))
	for _, id := range c.MsgIDs {
		if m, ok := c.MsgMap[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// State is a read-only snapshot of a Conversation for collaborators.
type State struct {
	RoomID        uint64   `json:"roomId"`
	Count         int      `json:"count"`
	PageInfo      PageInfo `json:"pageInfo"`
	LastMsgID     uint64   `json:"lastMsgId"`
	ScrollTopSize int      `json:"scrollTopSize"`
	IsLoading     bool     `json:"isLoading"`
	IsReload      bool     `json:"isReload"`
	IsSyncing     bool     `json:"isSyncing"`
}

func (c *Conversation) state() State {
	pi := c.PageInfo
	if pi.Cursor != nil {
		cur := *pi.Cursor
		pi.Cursor = &cur
	}
	return State{
		RoomID:        c.RoomID,
		Count:         len(c.MsgIDs),
		PageInfo:      pi,
		LastMsgID:     c.LastMsgID,
		ScrollTopSize: c.ScrollTopSize,
		IsLoading:     c.IsLoading,
		IsReload:      c.IsReload,
		IsSyncing:     c.IsSyncing,
	}
}

func normalizeCursor(c *string) *string {
	if c == nil || *c == "" {
		return nil
	}
	v := *c
	return &v
}
