package storage

import "errors"

const (
	RoomTypeGroup  = 1
	RoomTypeDirect = 2
)

var ErrNotFound = errors.New("not found")

type RoomRow struct {
	ID          uint64 `json:"roomId"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar,omitempty"`
	Type        int    `json:"type"`
	LastMsgID   uint64 `json:"lastMsgId"`
	Pinned      bool   `json:"pinned"`
	PinTimeMs   int64  `json:"pinTimeMs,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}
