// Package ws supervises the client's socket: status tracking, heartbeat
// frames, fast-reconnect detection and the background heartbeat worker.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/auth"
	"chatsync/internal/events"
	"chatsync/internal/protocol"
	"chatsync/internal/transport"
)

const DefaultFastReconnectThreshold = 200 * time.Millisecond

var (
	ErrNoToken       = errors.New("no auth token")
	ErrNotOpen       = errors.New("connection not open")
	ErrConnecting    = errors.New("connection attempt in progress")
	ErrConnectFailed = errors.New("connect failed")
	ErrSuperseded    = errors.New("connection attempt superseded")
	ErrCloseDeclined = errors.New("close declined")
)

// Confirmer is asked before a graceful (user-facing) close.
type Confirmer interface {
	ConfirmClose(ctx context.Context) bool
}

type Options struct {
	BaseURL                string
	Tokens                 auth.TokenProvider
	Transports             transport.Factory
	Bus                    *events.Bus
	OnFrame                func([]byte)
	FastReconnectThreshold time.Duration
	Confirmer              Confirmer
	Now                    func() time.Time
}

// Handle identifies one open connection.
type Handle struct {
	AttemptID string
	OpenedAt  time.Time
}

// Supervisor is a state machine over one transport at a time. It never
// retries on its own; reconnect policy lives with the caller.
type Supervisor struct {
	logger    *slog.Logger
	baseURL   string
	tokens    auth.TokenProvider
	factory   transport.Factory
	bus       *events.Bus
	onFrame   func([]byte)
	threshold time.Duration
	confirmer Confirmer
	now       func() time.Time

	mu             sync.Mutex
	status         Status
	tr             transport.Transport
	handle         *Handle
	generation     uint64
	lastDisconnect time.Time
	connectTime    time.Time
}

func NewSupervisor(logger *slog.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.FastReconnectThreshold <= 0 {
		opts.FastReconnectThreshold = DefaultFastReconnectThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func([]byte) {}
	}
	return &Supervisor{
		logger:    logger.With("component", "ws"),
		baseURL:   opts.BaseURL,
		tokens:    opts.Tokens,
		factory:   opts.Transports,
		bus:       opts.Bus,
		onFrame:   opts.OnFrame,
		threshold: opts.FastReconnectThreshold,
		confirmer: opts.Confirmer,
		now:       opts.Now,
		status:    StatusClosedSafe,
	}
}

// BuildURL appends the token as the Authorization query parameter.
func BuildURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("Authorization", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Supervisor) LastDisconnect() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDisconnect
}

func (s *Supervisor) ConnectTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectTime
}

// Connect opens a connection unless one is already open, in which case the
// existing handle is returned. The URL is derived from the current token on
// every call. onOpen runs after the status has become Open.
func (s *Supervisor) Connect(ctx context.Context, onOpen func()) (*Handle, error) {
	s.mu.Lock()
	if s.status == StatusOpen && s.handle != nil {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	if s.status == StatusConnecting {
		s.mu.Unlock()
		return nil, ErrConnecting
	}

	token := ""
	if s.tokens != nil {
		token = s.tokens.Token()
	}
	if token == "" {
		s.mu.Unlock()
		s.teardown(StatusClosedSafe, "logged out")
		return nil, ErrNoToken
	}

	fullURL, err := BuildURL(s.baseURL, token)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	s.generation++
	gen := s.generation
	attemptID := uuid.NewString()
	s.status = StatusConnecting
	tr := s.factory()
	s.mu.Unlock()

	s.publishStatus(StatusConnecting, attemptID)
	s.logger.Info("ws connecting", "attemptId", attemptID, "url", s.baseURL, "token", auth.Fingerprint(token))

	if err := tr.Open(ctx, fullURL); err != nil {
		s.mu.Lock()
		current := gen == s.generation
		if current {
			s.status = StatusClosedError
		}
		s.mu.Unlock()
		if !current {
			return nil, ErrSuperseded
		}
		s.logger.Warn("ws connect failed", "attemptId", attemptID, "error", err)
		s.publishStatus(StatusClosedError, attemptID)
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		_ = tr.Close("superseded")
		return nil, ErrSuperseded
	}
	now := s.now()
	s.tr = tr
	s.status = StatusOpen
	s.connectTime = now
	s.handle = &Handle{AttemptID: attemptID, OpenedAt: now}
	h := s.handle
	last := s.lastDisconnect
	fast := !last.IsZero() && now.Sub(last) < s.threshold
	s.mu.Unlock()

	go s.pump(gen, attemptID, tr)

	s.logger.Info("ws connected", "attemptId", attemptID, "sinceDisconnectMs", sinceMs(last, now))
	s.publishStatus(StatusOpen, attemptID)
	if fast {
		s.bus.Publish(events.TopicFastReconnect, FastReconnect{LastDisconnect: last, Reconnect: now})
	}
	if onOpen != nil {
		onOpen()
	}
	return h, nil
}

func sinceMs(last, now time.Time) int64 {
	if last.IsZero() {
		return -1
	}
	return now.Sub(last).Milliseconds()
}

func (s *Supervisor) pump(gen uint64, attemptID string, tr transport.Transport) {
	for ev := range tr.Events() {
		switch ev.Kind {
		case transport.EventFrame:
			if !s.isCurrent(gen) {
				return
			}
			s.onFrame(ev.Data)
		case transport.EventError:
			s.logger.Info("ws error", "attemptId", attemptID, "error", ev.Err)
			s.disconnected(gen, attemptID, StatusClosedError)
			return
		case transport.EventClose:
			st := StatusClosedSafe
			if !ev.Clean {
				st = StatusClosedError
			}
			s.logger.Info("ws closed", "attemptId", attemptID, "code", ev.Code, "reason", ev.Reason)
			s.disconnected(gen, attemptID, st)
			return
		}
	}
	s.disconnected(gen, attemptID, StatusClosedError)
}

func (s *Supervisor) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

func (s *Supervisor) disconnected(gen uint64, attemptID string, st Status) {
	s.mu.Lock()
	if gen != s.generation || s.status != StatusOpen {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.tr = nil
	s.handle = nil
	s.lastDisconnect = s.now()
	s.mu.Unlock()

	s.publishStatus(st, attemptID)
}

// Close tears the connection down. A graceful close first asks the
// Confirmer and does nothing if there is no connection or it declines.
func (s *Supervisor) Close(ctx context.Context, graceful bool) error {
	if graceful {
		if s.Handle() == nil {
			return nil
		}
		if s.confirmer != nil && !s.confirmer.ConfirmClose(ctx) {
			return ErrCloseDeclined
		}
	}
	s.teardown(StatusClosedSafe, "client close")
	return nil
}

// Reset is Close without confirmation that also forgets the connect time.
func (s *Supervisor) Reset() {
	s.teardown(StatusClosedSafe, "reset")
	s.mu.Lock()
	s.connectTime = time.Time{}
	s.mu.Unlock()
}

func (s *Supervisor) teardown(st Status, reason string) {
	s.mu.Lock()
	s.generation++
	tr := s.tr
	attemptID := ""
	if s.handle != nil {
		attemptID = s.handle.AttemptID
	}
	prev := s.status
	s.tr = nil
	s.handle = nil
	s.status = st
	s.lastDisconnect = s.now()
	s.mu.Unlock()

	if tr != nil {
		if err := tr.Close(reason); err != nil {
			s.logger.Debug("ws close error", "error", err)
		}
	}
	if prev != st {
		s.publishStatus(st, attemptID)
	}
}

func (s *Supervisor) Send(ctx context.Context, frame protocol.OutboundFrame) error {
	s.mu.Lock()
	tr := s.tr
	open := s.status == StatusOpen
	s.mu.Unlock()
	if !open || tr == nil {
		return ErrNotOpen
	}

	b, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	return tr.Send(ctx, b)
}

func (s *Supervisor) SendHeartbeat(ctx context.Context) error {
	return s.Send(ctx, protocol.HeartbeatFrame())
}

func (s *Supervisor) publishStatus(st Status, attemptID string) {
	s.bus.Publish(events.TopicStatus, StatusChange{Status: st, AttemptID: attemptID})
}
