package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Browser is the browser-style backend: a gorilla websocket with separate
// read and write pumps and a ping ticker.
type Browser struct {
	logger *slog.Logger
	*sink

	mu   sync.Mutex
	conn *websocket.Conn
	send chan []byte
}

func NewBrowser(logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		logger: logger.With("component", "transport", "backend", KindBrowser),
		sink:   newSink(),
		send:   make(chan []byte, sendBuffer),
	}
}

func (b *Browser) Open(ctx context.Context, url string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}
	conn, res, err := dialer.DialContext(ctx, url, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		b.markClosed()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go b.writePump(conn)
	go b.readPump(conn)
	return nil
}

func (b *Browser) Events() <-chan Event { return b.events }

func (b *Browser) Send(ctx context.Context, data []byte) error {
	b.mu.Lock()
	open := b.conn != nil
	b.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (b *Browser) Close(reason string) error {
	if !b.markClosed() {
		return nil
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait),
	)
	return conn.Close()
}

func (b *Browser) readPump(conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			b.finish(b.classify(err))
			_ = conn.Close()
			b.markClosed()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		b.emit(Event{Kind: EventFrame, Data: msg})
	}
}

func (b *Browser) classify(err error) Event {
	if b.isClosed() {
		return Event{Kind: EventClose, Clean: true, Code: websocket.CloseNormalClosure, Reason: "local close"}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		clean := ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
		return Event{Kind: EventClose, Clean: clean, Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return Event{Kind: EventError, Err: err}
}

func (b *Browser) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case msg := <-b.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				b.logger.Info("ws write failed", "error", err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
