package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Native is the native-process backend built on coder/websocket. Writes are
// issued directly; the library serializes concurrent writers.
type Native struct {
	logger *slog.Logger
	*sink

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func NewNative(logger *slog.Logger) *Native {
	if logger == nil {
		logger = slog.Default()
	}
	return &Native{
		logger: logger.With("component", "transport", "backend", KindNative),
		sink:   newSink(),
	}
}

func (n *Native) Open(ctx context.Context, url string) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		n.markClosed()
		return err
	}
	conn.SetReadLimit(maxMessage)

	readCtx, cancel := context.WithCancel(context.Background())

	n.mu.Lock()
	n.conn = conn
	n.cancel = cancel
	n.mu.Unlock()

	go n.readLoop(readCtx, conn)
	go n.pingLoop(readCtx, conn)
	return nil
}

func (n *Native) Events() <-chan Event { return n.events }

func (n *Native) Send(ctx context.Context, data []byte) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	if n.isClosed() {
		return ErrClosed
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (n *Native) Close(reason string) error {
	if !n.markClosed() {
		return nil
	}
	n.mu.Lock()
	conn := n.conn
	cancel := n.cancel
	n.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, reason)
	if cancel != nil {
		cancel()
	}
	return err
}

func (n *Native) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			n.finish(n.classify(err))
			n.markClosed()
			_ = conn.CloseNow()
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		n.emit(Event{Kind: EventFrame, Data: msg})
	}
}

func (n *Native) classify(err error) Event {
	if n.isClosed() {
		return Event{Kind: EventClose, Clean: true, Code: int(websocket.StatusNormalClosure), Reason: "local close"}
	}
	code := websocket.CloseStatus(err)
	if code == -1 {
		return Event{Kind: EventError, Err: err}
	}
	clean := code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway
	var ce websocket.CloseError
	reason := ""
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	return Event{Kind: EventClose, Clean: clean, Code: int(code), Reason: reason, Err: err}
}

func (n *Native) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				n.logger.Info("ws ping failed", "error", err)
				return
			}
		}
	}
}
