// Package transport owns the raw socket. Two backends implement the same
// Transport interface and are picked by configuration.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxMessage  = 1 << 20
	sendBuffer  = 128
	eventBuffer = 128
	dialTimeout = 10 * time.Second
)

const (
	KindBrowser = "browser"
	KindNative  = "native"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrNotOpen        = errors.New("transport not open")
	ErrSendBufferFull = errors.New("transport send buffer full")
)

type EventKind int

const (
	EventFrame EventKind = iota + 1
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one thing the socket reported. For EventClose, Clean is false when
// the peer closed with a protocol-level error code.
type Event struct {
	Kind   EventKind
	Data   []byte
	Err    error
	Clean  bool
	Code   int
	Reason string
}

// Transport is a single socket connection attempt. It is not reusable after
// Close; construct a new one per attempt.
type Transport interface {
	Open(ctx context.Context, url string) error
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
	// Events is closed after the final error/close event.
	Events() <-chan Event
}

// Factory builds a fresh Transport for each connection attempt.
type Factory func() Transport

func NewFactory(kind string, logger *slog.Logger) (Factory, error) {
	switch kind {
	case KindBrowser, "":
		return func() Transport { return NewBrowser(logger) }, nil
	case KindNative:
		return func() Transport { return NewNative(logger) }, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// sink is the event side shared by both backends.
type sink struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	finalOnce sync.Once
}

func newSink() *sink {
	return &sink{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (s *sink) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// finish emits the terminal event (best effort once closed locally) and
// closes the events channel.
func (s *sink) finish(ev Event) {
	s.finalOnce.Do(func() {
		select {
		case s.events <- ev:
		case <-s.done:
			select {
			case s.events <- ev:
			default:
			}
		}
		close(s.events)
	})
}

func (s *sink) markClosed() bool {
	first := false
	s.closeOnce.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

func (s *sink) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
