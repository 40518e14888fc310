package ws

import (
	"context"
	"sync"
	"time"
)

type Signal int

const (
	SignalHeartbeat Signal = iota + 1
	SignalReload
)

func (s Signal) String() string {
	switch s {
	case SignalHeartbeat:
		return "heartbeat"
	case SignalReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Worker is the background scheduler. It only talks through channels: status
// updates come in via Notify, signals go out via Signals. It never touches
// the connection or the message store itself.
type Worker struct {
	heartbeat time.Duration
	debounce  time.Duration
	signals   chan Signal

	mu     sync.Mutex
	latest Status
	kick   chan struct{}
}

func NewWorker(heartbeat, reconnectDebounce time.Duration) *Worker {
	return &Worker{
		heartbeat: heartbeat,
		debounce:  reconnectDebounce,
		signals:   make(chan Signal, 4),
		latest:    StatusClosedSafe,
		kick:      make(chan struct{}, 1),
	}
}

func (w *Worker) Signals() <-chan Signal { return w.signals }

// Notify hands the worker the latest connection status. Only the most recent
// value is kept.
func (w *Worker) Notify(st Status) {
	w.mu.Lock()
	w.latest = st
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// RequestReload asks the owner of the connection to rebuild it.
func (w *Worker) RequestReload() {
	w.emit(SignalReload)
}

func (w *Worker) emit(s Signal) {
	// Signals coalesce when the consumer is behind.
	select {
	case w.signals <- s:
	default:
	}
}

// Run emits SignalHeartbeat every heartbeat interval and SignalReload once
// the status has stayed outside Open/Connecting for the debounce window.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	var timer *time.Timer
	var debounceC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = nil
		debounceC = nil
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.emit(SignalHeartbeat)
		case <-w.kick:
			w.mu.Lock()
			st := w.latest
			w.mu.Unlock()
			if st.Live() {
				stopTimer()
			} else if debounceC == nil {
				timer = time.NewTimer(w.debounce)
				debounceC = timer.C
			}
		case <-debounceC:
			timer = nil
			debounceC = nil
			w.emit(SignalReload)
		}
	}
}
