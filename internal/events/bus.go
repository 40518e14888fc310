// Package events is the in-process pub/sub used between the socket side and
// the stores. A Bus is constructed once and injected; there is no global.
package events

import (
	"sync"
)

type Topic string

// Channels fed by the envelope router.
const (
	TopicNewMsg            Topic = "newMsg"
	TopicOnlineNotice      Topic = "onlineNotice"
	TopicRecallMsg         Topic = "recallMsg"
	TopicDeleteMsg         Topic = "deleteMsg"
	TopicApplyMsg          Topic = "applyMsg"
	TopicMemberMsg         Topic = "memberMsg"
	TopicTokenMsg          Topic = "tokenMsg"
	TopicRTCMsg            Topic = "rtcMsg"
	TopicPinContactMsg     Topic = "pinContactMsg"
	TopicAIStreamMsg       Topic = "aiStreamMsg"
	TopicUpdateContactInfo Topic = "updateContactInfoMsg"
	TopicOther             Topic = "other"
)

// Channels published by the core itself.
const (
	TopicStatus        Topic = "status"
	TopicFastReconnect Topic = "fastReconnect"
	TopicRoomSynced    Topic = "roomSynced"
	TopicServerError   Topic = "serverError"
)

type Event struct {
	Topic   Topic
	Payload any
}

type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers synchronously, in publish order, on the publishing goroutine.
// Handlers must not block for long.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscription
	all    []subscription
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[Topic][]subscription),
	}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[topic] = removeSub(b.subs[topic], id)
	}
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeSub(b.all, id)
	}
}

func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic])+len(b.all))
	for _, s := range b.subs[topic] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.all {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, h := range handlers {
		h(ev)
	}
}

func removeSub(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
