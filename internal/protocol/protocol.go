// Package protocol holds the JSON wire shapes exchanged with the chat server
// over the socket and the page-fetch API.
package protocol

import (
	"encoding/json"
	"fmt"
)

// CodeSuccess is the result code the server uses for a successful frame or
// API response.
const CodeSuccess = 200

// BodyType is the discriminant of an inbound envelope.
type BodyType int

const (
	BodyMessage             BodyType = 1
	BodyOnlineOfflineNotify BodyType = 2
	BodyRecall              BodyType = 3
	BodyApply               BodyType = 4
	BodyMemberChange        BodyType = 5
	BodyTokenExpired        BodyType = 6
	BodyDelete              BodyType = 7
	BodyRTCCall             BodyType = 8
	BodyPinContact          BodyType = 9
	BodyAIStream            BodyType = 10
	BodyUpdateContactInfo   BodyType = 11
)

func (t BodyType) String() string {
	switch t {
	case BodyMessage:
		return "MESSAGE"
	case BodyOnlineOfflineNotify:
		return "ONLINE_OFFLINE_NOTIFY"
	case BodyRecall:
		return "RECALL"
	case BodyApply:
		return "APPLY"
	case BodyMemberChange:
		return "MEMBER_CHANGE"
	case BodyTokenExpired:
		return "TOKEN_EXPIRED_ERR"
	case BodyDelete:
		return "DELETE"
	case BodyRTCCall:
		return "RTC_CALL"
	case BodyPinContact:
		return "PIN_CONTACT"
	case BodyAIStream:
		return "AI_STREAM"
	case BodyUpdateContactInfo:
		return "UPDATE_CONTACT_INFO"
	default:
		return fmt.Sprintf("BodyType(%d)", int(t))
	}
}

// OutType is the discriminant of an outbound frame.
type OutType int

const (
	OutLogin     OutType = 1
	OutHeartbeat OutType = 2
)

// Result is the generic server result wrapper used by both socket frames and
// HTTP responses.
type Result[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// InboundFrame is one server->client socket frame.
type InboundFrame = Result[*Envelope]

type Envelope struct {
	Type BodyType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OutboundFrame is one client->server socket frame. Data marshals to null
// when nil.
type OutboundFrame struct {
	Type OutType `json:"type"`
	Data any     `json:"data"`
}

func HeartbeatFrame() OutboundFrame {
	return OutboundFrame{Type: OutHeartbeat, Data: nil}
}

func DecodeFrame(raw []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return InboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func EncodeFrame(f OutboundFrame) ([]byte, error) {
	return json.Marshal(f)
}
