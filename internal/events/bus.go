// Package events implements the typed publish/subscribe bus that wires
// every pipeline component together. It supports two delivery modes:
// Direct (synchronous fan-out) and Queued (a single FIFO flusher so
// re-entrant publishes inside a handler never recurse).
package events

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Event names recognized by the pipeline (see SPEC_FULL.md 6).
const (
	CandleClosed     = "candle.closed"
	FeaturesReady    = "features.ready"
	RegimeUpdated    = "regime.updated"
	SignalGenerated  = "signal.generated"
	RiskApproved     = "risk.approved"
	RiskRejected     = "risk.rejected"
	OrderSubmitted   = "order.submitted"
	OrderFilled      = "order.filled"
	OrderCanceled    = "order.canceled"
	PositionUpdated  = "position.updated"
	PositionClosed   = "position.closed"
	AuditEventTopic  = "audit.event"
)

// Mode selects the bus's delivery semantics.
type Mode int

const (
	// Direct dispatches publish synchronously to every handler in
	// subscription order.
	Direct Mode = iota
	// Queued enqueues publishes and drains them from a single flusher;
	// re-entrant publishes made from inside a handler are appended to the
	// same queue and drained by that same flusher, never recursing.
	Queued
)

// Handler processes one event delivery. A returned error (or a panic,
// which is recovered) quarantines this handler for this delivery only —
// it does not stop delivery to the other subscribers.
type Handler func(payload any) error

type subscription struct {
	id      uint64
	handler Handler
}

type queuedMessage struct {
	name    string
	payload any
}

// Bus is the typed pub/sub at the center of the pipeline.
type Bus struct {
	mu       sync.Mutex
	mode     Mode
	subs     map[string][]*subscription
	nextID   uint64
	queue    []queuedMessage
	flushing bool

	logger *zap.Logger

	published *prometheus.CounterVec
	quarantined *prometheus.CounterVec
}

// New constructs a Bus. registerer may be nil to skip metrics registration
// (tests typically pass nil).
func New(mode Mode, logger *zap.Logger, registerer prometheus.Registerer) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		mode:   mode,
		subs:   make(map[string][]*subscription),
		logger: logger,
	}
	if registerer != nil {
		b.published = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_events_published_total",
			Help: "Number of events published, by event name.",
		}, []string{"event"})
		b.quarantined = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_events_handler_errors_total",
			Help: "Number of handler failures quarantined, by event name.",
		}, []string{"event"})
		registerer.MustRegister(b.published, b.quarantined)
	}
	return b
}

// Subscribe registers handler for name and returns an unsubscribe func.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{id: id, handler: handler}
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to every handler subscribed to name. In Direct
// mode this happens synchronously before Publish returns. In Queued mode
// the message is appended to the FIFO queue and, if no flush is already in
// progress, this goroutine drains the queue to empty before returning.
func (b *Bus) Publish(name string, payload any) {
	if b.mode == Direct {
		b.dispatch(name, payload)
		return
	}

	b.mu.Lock()
	b.queue = append(b.queue, queuedMessage{name: name, payload: payload})
	if b.flushing {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	b.mu.Unlock()

	b.flush()
}

// flush drains the queue to empty. Only one flush loop runs at a time:
// Publish calls made from within a handler append to b.queue and return
// immediately because b.flushing is already true, so they are picked up by
// this same loop rather than starting a nested one.
func (b *Bus) flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.flushing = false
			b.mu.Unlock()
			return
		}
		msg := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.dispatch(msg.name, msg.payload)
	}
}

// PendingCount returns the number of messages waiting in the queue. Always
// zero in Direct mode.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bus) dispatch(name string, payload any) {
	b.mu.Lock()
	subsCopy := append([]*subscription(nil), b.subs[name]...)
	b.mu.Unlock()

	if b.published != nil {
		b.published.WithLabelValues(name).Inc()
	}

	for _, sub := range subsCopy {
		b.safeCall(name, sub.handler, payload)
	}
}

func (b *Bus) safeCall(name string, handler Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.quarantine(name, payload, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := handler(payload); err != nil {
		b.quarantine(name, payload, err)
	}
}

// quarantine records a handler failure and synthesizes an audit.event. It
// must never itself panic or the recovering dispatch loop above would be
// defeated.
func (b *Bus) quarantine(name string, payload any, err error) {
	b.logger.Error("event handler failed",
		zap.String("event", name),
		zap.Error(err),
	)
	if b.quarantined != nil {
		b.quarantined.WithLabelValues(name).Inc()
	}

	event := types.AuditEvent{
		ID:         uuid.NewString(),
		Ts:         types.NowMs(),
		Step:       "events.handler." + name,
		Level:      types.AuditError,
		Message:    err.Error(),
		InputsHash: hashutil.HashObject(payload),
	}
	if name == AuditEventTopic {
		// A handler of audit.event itself failed: log only, never publish
		// audit.event about audit.event, which would recurse forever in
		// Direct mode (Queued mode would merely grow the queue unbounded).
		return
	}
	b.Publish(AuditEventTopic, event)
}
