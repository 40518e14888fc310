package protocol

import "encoding/json"

type MessageType int

const (
	MessageText        MessageType = 1
	MessageRecall      MessageType = 2
	MessageImage       MessageType = 3
	MessageFile        MessageType = 4
	MessageSound       MessageType = 5
	MessageVideo       MessageType = 6
	MessageSystem      MessageType = 8
	MessageAIChatReply MessageType = 13
)

type UserInfo struct {
	UserID   string `json:"userId"`
	NickName string `json:"nickName,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type Message struct {
	ID       uint64          `json:"id"`
	RoomID   uint64          `json:"roomId"`
	Type     MessageType     `json:"type"`
	Content  string          `json:"content"`
	Body     json.RawMessage `json:"body,omitempty"`
	SendTime int64           `json:"sendTime"`
}

// ChatMessage is the unit cached per room and delivered on newMsg.
type ChatMessage struct {
	FromUser UserInfo `json:"fromUser"`
	Message  Message  `json:"message"`
}

func (m ChatMessage) ID() uint64     { return m.Message.ID }
func (m ChatMessage) RoomID() uint64 { return m.Message.RoomID }

// Page is one backward page of room history, oldest first.
type Page struct {
	List   []ChatMessage `json:"list"`
	IsLast bool          `json:"isLast"`
	Cursor *string       `json:"cursor"`
}

type RecallPayload struct {
	MsgID     uint64 `json:"msgId"`
	RoomID    uint64 `json:"roomId"`
	RecallUID string `json:"recallUid,omitempty"`
}

type DeletePayload struct {
	MsgID     uint64 `json:"msgId"`
	RoomID    uint64 `json:"roomId"`
	DeleteUID string `json:"deleteUid,omitempty"`
}

type OnlineOfflineNotify struct {
	UID          string `json:"uid"`
	Type         int    `json:"type"`
	OnlineNum    int    `json:"onlineNum"`
	LastOptTime  int64  `json:"lastOptTime"`
	RoomID       uint64 `json:"roomId,omitempty"`
	ActiveStatus int    `json:"activeStatus,omitempty"`
}

type ApplyPayload struct {
	UID            string `json:"uid"`
	UnReadCount4Me int    `json:"unReadCount4Me"`
}

type MemberChangePayload struct {
	RoomID     uint64 `json:"roomId"`
	UID        string `json:"uid"`
	ChangeType int    `json:"changeType"`
}

type PinContactPayload struct {
	RoomID  uint64 `json:"roomId"`
	IsPin   bool   `json:"isPin"`
	PinTime int64  `json:"pinTime,omitempty"`
}

type AIStreamPayload struct {
	RoomID  uint64 `json:"roomId"`
	MsgID   uint64 `json:"msgId"`
	Content string `json:"content"`
	Done    bool   `json:"done,omitempty"`
}

type UpdateContactInfoPayload struct {
	RoomID uint64 `json:"roomId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type RTCCallPayload struct {
	RoomID   uint64 `json:"roomId"`
	CallerID string `json:"callerId"`
	Type     int    `json:"type"`
	Status   int    `json:"status"`
}

// Contact is one room as listed by the contact API.
type Contact struct {
	RoomID    uint64 `json:"roomId"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar,omitempty"`
	Type      int    `json:"type"`
	LastMsgID uint64 `json:"lastMsgId"`
	PinTime   int64  `json:"pinTime,omitempty"`
}
