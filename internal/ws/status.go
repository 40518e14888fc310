package ws

import (
	"fmt"
	"time"
)

type Status int

const (
	StatusConnecting Status = iota + 1
	StatusOpen
	StatusClosedSafe
	StatusClosedError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusOpen:
		return "OPEN"
	case StatusClosedSafe:
		return "CLOSED_SAFE"
	case StatusClosedError:
		return "CLOSED_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether the connection is open or on its way there.
func (s Status) Live() bool {
	return s == StatusOpen || s == StatusConnecting
}

// StatusChange is published on events.TopicStatus.
type StatusChange struct {
	Status    Status `json:"status"`
	AttemptID string `json:"attemptId,omitempty"`
}

// FastReconnect is published on events.TopicFastReconnect when a connection
// opens shortly after the previous one went away.
type FastReconnect struct {
	LastDisconnect time.Time `json:"lastDisconnect"`
	Reconnect      time.Time `json:"reconnect"`
}
