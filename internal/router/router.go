// Package router classifies inbound socket frames by their discriminant and
// republishes each payload on the event bus.
package router

import (
	"encoding/json"
	"log/slog"
	"sync"

	"chatsync/internal/events"
	"chatsync/internal/protocol"
)

// ErrorReporter receives frames whose result code is not success.
type ErrorReporter interface {
	ReportServerError(code int, message string)
}

// ServerError is published on events.TopicServerError.
type ServerError struct {
	Code    int
	Message string
}

// Raw is the payload published on events.TopicOther.
type Raw struct {
	Type protocol.BodyType
	Data json.RawMessage
}

type route struct {
	topic  events.Topic
	decode func(json.RawMessage) (any, error)
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeEmpty(json.RawMessage) (any, error) {
	return struct{}{}, nil
}

var routes = map[protocol.BodyType]route{
	protocol.BodyMessage:             {events.TopicNewMsg, decodeAs[protocol.ChatMessage]},
	protocol.BodyOnlineOfflineNotify: {events.TopicOnlineNotice, decodeAs[protocol.OnlineOfflineNotify]},
	protocol.BodyRecall:              {events.TopicRecallMsg, decodeAs[protocol.RecallPayload]},
	protocol.BodyDelete:              {events.TopicDeleteMsg, decodeAs[protocol.DeletePayload]},
	protocol.BodyApply:               {events.TopicApplyMsg, decodeAs[protocol.ApplyPayload]},
	protocol.BodyMemberChange:        {events.TopicMemberMsg, decodeAs[protocol.MemberChangePayload]},
	protocol.BodyTokenExpired:        {events.TopicTokenMsg, decodeEmpty},
	protocol.BodyRTCCall:             {events.TopicRTCMsg, decodeAs[protocol.RTCCallPayload]},
	protocol.BodyPinContact:          {events.TopicPinContactMsg, decodeAs[protocol.PinContactPayload]},
	protocol.BodyAIStream:            {events.TopicAIStreamMsg, decodeAs[protocol.AIStreamPayload]},
	protocol.BodyUpdateContactInfo:   {events.TopicUpdateContactInfo, decodeAs[protocol.UpdateContactInfoPayload]},
}

// TopicFor returns the channel a discriminant routes to.
func TopicFor(t protocol.BodyType) events.Topic {
	if r, ok := routes[t]; ok {
		return r.topic
	}
	return events.TopicOther
}

type Router struct {
	logger   *slog.Logger
	bus      *events.Bus
	reporter ErrorReporter

	mu      sync.Mutex
	buffers map[events.Topic][]any
}

func New(logger *slog.Logger, bus *events.Bus, reporter ErrorReporter) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With("component", "router"),
		bus:      bus,
		reporter: reporter,
		buffers:  make(map[events.Topic][]any),
	}
}

// Route never returns an error: a bad frame is logged and dropped so the
// frames after it still get delivered.
func (r *Router) Route(raw []byte) {
	if len(raw) == 0 {
		return
	}

	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "error", err, "bytes", len(raw))
		return
	}

	if frame.Code != protocol.CodeSuccess {
		r.logger.Warn("server reported error", "code", frame.Code, "message", frame.Message)
		if r.reporter != nil {
			r.reporter.ReportServerError(frame.Code, frame.Message)
		}
		r.bus.Publish(events.TopicServerError, ServerError{Code: frame.Code, Message: frame.Message})
	}

	env := frame.Data
	if env == nil {
		return
	}

	rt, ok := routes[env.Type]
	if !ok {
		r.logger.Debug("unrecognized frame type", "type", int(env.Type))
		r.deliver(events.TopicOther, Raw{Type: env.Type, Data: env.Data})
		return
	}

	payload, err := rt.decode(env.Data)
	if err != nil {
		r.logger.Warn("dropping undecodable payload", "type", env.Type.String(), "error", err)
		return
	}
	r.deliver(rt.topic, payload)
}

func (r *Router) deliver(topic events.Topic, payload any) {
	r.mu.Lock()
	r.buffers[topic] = append(r.buffers[topic], payload)
	r.mu.Unlock()

	r.bus.Publish(topic, payload)
}

// Buffer returns a copy of everything routed to topic since the last Reset.
func (r *Router) Buffer(topic events.Topic) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.buffers[topic]))
	copy(out, r.buffers[topic])
	return out
}

// HasNewMessages reports whether any newMsg payload is buffered.
func (r *Router) HasNewMessages() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers[events.TopicNewMsg]) > 0
}

func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = make(map[events.Topic][]any)
}
