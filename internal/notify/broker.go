// Package notify fans committed inventory changes out to in-process observers.
package notify

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Entity names the kind of row an event describes.
type Entity string

const (
	EntityInventoryRecord Entity = "inventory_record"
	EntityStockMovement   Entity = "stock_movement"
)

// Operation is the change kind.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	// OperationResync tells a subscriber that events were dropped and it
	// should re-fetch current state.
	OperationResync Operation = "RESYNC"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("notify: broker closed")

// Event describes one committed change.
type Event struct {
	Seq          uint64    `json:"seq"`
	Entity       Entity    `json:"entity"`
	Operation    Operation `json:"operation"`
	Key          string    `json:"key,omitempty"`
	ProductID    string    `json:"product_id,omitempty"`
	WarehouseIDs []string  `json:"warehouse_ids,omitempty"`
	Before       any       `json:"before,omitempty"`
	After        any       `json:"after,omitempty"`
	MovementID   string    `json:"movement_id,omitempty"`
	At           time.Time `json:"at"`
	// Origin is set by the relay to the publishing instance.
	Origin string `json:"origin,omitempty"`
}

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	ProductID   string
	WarehouseID string
}

// Matches reports whether evt passes the filter. RESYNC always passes.
func (f Filter) Matches(evt Event) bool {
	if evt.Operation == OperationResync {
		return true
	}
	if f.ProductID != "" && evt.ProductID != f.ProductID {
		return false
	}
	if f.WarehouseID != "" {
		for _, id := range evt.WarehouseIDs {
			if id == f.WarehouseID {
				return true
			}
		}
		return false
	}
	return true
}

// Handler consumes events on the subscription's delivery goroutine.
type Handler func(Event)

// Subscription is one observer registration.
type Subscription struct {
	id      uint64
	entity  Entity
	filter  Filter
	handler Handler
	ch      chan Event
	done    chan struct{}

	mu     sync.Mutex
	resync bool
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// offer enqueues evt without blocking. After an overflow the next successful
// enqueue is a RESYNC marker, and evt is dropped if the marker does not fit.
func (s *Subscription) offer(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resync {
		select {
		case s.ch <- Event{Entity: s.entity, Operation: OperationResync, Seq: evt.Seq, At: evt.At}:
			s.resync = false
		default:
			return false
		}
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.resync = true
		return false
	}
}

// Broker is a publish/subscribe hub. Publish never blocks on slow observers.
type Broker struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	sinks  []func(Event)
	closed bool

	nextID  atomic.Uint64
	seq     atomic.Uint64
	dropped atomic.Uint64
	onDrop  func()
}

const defaultBuffer = 256

// NewBroker builds a broker whose subscriptions buffer up to buffer events.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{logger: logger, buffer: buffer, subs: make(map[uint64]*Subscription)}
}

// OnDrop registers a callback invoked for every dropped event.
func (b *Broker) OnDrop(fn func()) {
	b.onDrop = fn
}

// AddSink registers fn to receive every locally originated event, after
// local delivery. Sinks must not block.
func (b *Broker) AddSink(fn func(Event)) {
	b.mu.Lock()
	b.sinks = append(b.sinks, fn)
	b.mu.Unlock()
}

// Subscribe registers handler for entity. An empty entity receives all entities.
func (b *Broker) Subscribe(entity Entity, filter Filter, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("notify: handler required")
	}
	sub := &Subscription{
		id:      b.nextID.Add(1),
		entity:  entity,
		filter:  filter,
		handler: handler,
		ch:      make(chan Event, b.buffer),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.deliver(sub)
	return sub, nil
}

func (b *Broker) deliver(sub *Subscription) {
	defer close(sub.done)
	for evt := range sub.ch {
		b.invoke(sub, evt)
	}
}

func (b *Broker) invoke(sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notify handler panicked", slog.Uint64("subscription", sub.id), slog.Any("panic", r))
		}
	}()
	sub.handler(evt)
}

// Unsubscribe stops delivery. Events already buffered are still handed to
// the handler before Done closes.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish stamps evt and hands it to every matching subscription.
func (b *Broker) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	evt.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.entity != "" && sub.entity != evt.Entity {
			continue
		}
		if !sub.filter.Matches(evt) {
			continue
		}
		if !sub.offer(evt) {
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	if evt.Origin == "" {
		for _, sink := range b.sinks {
			sink(evt)
		}
	}
}

// Dropped returns the number of events discarded for slow subscribers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}
