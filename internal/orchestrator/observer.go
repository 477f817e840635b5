package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

// EventType names a progress event.
type EventType string

const (
	EventOperationStarted EventType = "operation-started"
	EventStatusChanged    EventType = "status-changed"
	EventAttemptStarted   EventType = "attempt-started"
	EventAttemptFailed    EventType = "attempt-failed"
	EventFeeEscalated     EventType = "fee-escalated"
	EventFallingBack      EventType = "falling-back"
	EventGroupConfirmed   EventType = "group-confirmed"
	EventRollbackAction   EventType = "rollback-action"
)

// Event reports progress of one operation. Only the fields relevant to
// Type are set.
type Event struct {
	Type        EventType          `json:"type"`
	OperationID string             `json:"operation_id"`
	Kind        ir.OperationKind   `json:"kind,omitempty"`
	Status      ir.Status          `json:"status,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	Method      ir.Method          `json:"method,omitempty"`
	ErrorKind   chain.Kind         `json:"error_kind,omitempty"`
	Fee         uint64             `json:"fee,omitempty"`
	Delay       time.Duration      `json:"delay,omitempty"`
	GroupIndex  int                `json:"group_index,omitempty"`
	GroupLabel  ir.GroupLabel      `json:"group_label,omitempty"`
	TxID        string             `json:"tx_id,omitempty"`
	Resolution  ir.ResolutionState `json:"resolution,omitempty"`
	Detail      string             `json:"detail,omitempty"`
}

// Observer receives events synchronously on the operation's goroutine.
// It must not block.
type Observer func(Event)

// ChannelObserver buffers events on a channel. Events that do not fit the
// buffer are dropped and counted rather than stalling the operation.
type ChannelObserver struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewChannelObserver creates a ChannelObserver with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

// Observe delivers ev without blocking.
func (c *ChannelObserver) Observe(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the event stream. It is closed by Close.
func (c *ChannelObserver) Events() <-chan Event { return c.ch }

// Dropped returns how many events were discarded.
func (c *ChannelObserver) Dropped() int64 { return c.dropped.Load() }

// Close closes the event stream. Later events are dropped.
func (c *ChannelObserver) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}

// Recorder collects every event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe appends ev.
func (r *Recorder) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// fanout combines observers.
func fanout(observers []Observer) Observer {
	switch len(observers) {
	case 0:
		return func(Event) {}
	case 1:
		return observers[0]
	}
	return func(ev Event) {
		for _, o := range observers {
			o(ev)
		}
	}
}
