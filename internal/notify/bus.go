package notify

import (
	"context"
	"sync"

	"consult-platform/internal/calls"
	"consult-platform/internal/metrics"
)

// Side narrows a subscription to calls where the actor plays one role.
type Side int

const (
	SideAny Side = iota
	SideTarget
	SideRequester
)

// Filter selects the events a subscription receives.
//
// Grant events (an Event carrying a join credential) are only ever delivered to
// the subscription whose ActorID is the grant's participant. A filter with an
// empty ActorID sees every record but no grants.
type Filter struct {
	ActorID string
	Side    Side
}

func ForActor(id string) Filter     { return Filter{ActorID: id, Side: SideAny} }
func ForTarget(id string) Filter    { return Filter{ActorID: id, Side: SideTarget} }
func ForRequester(id string) Filter { return Filter{ActorID: id, Side: SideRequester} }

func (f Filter) match(ev calls.Event) bool {
	if ev.Grant != nil && (f.ActorID == "" || ev.Grant.ParticipantID != f.ActorID) {
		return false
	}
	if f.ActorID == "" {
		return true
	}
	switch f.Side {
	case SideTarget:
		return ev.Record.TargetID == f.ActorID
	case SideRequester:
		return ev.Record.RequesterID == f.ActorID
	default:
		return ev.Record.IsParticipant(f.ActorID)
	}
}

// Bus is an in-process publish/subscribe hub for call snapshots.
//
// Publish never blocks: each subscription has a bounded buffer and, when it is
// full, the oldest buffered snapshot is discarded in favour of the new one. A
// snapshot is always the whole record, so a consumer that misses one loses nothing
// the next one does not carry.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int

	Metrics *metrics.Metrics
}

func NewBus(buffer int, m *metrics.Metrics) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: buffer, Metrics: m}
}

// Publish delivers ev to every matching subscription.
func (b *Bus) Publish(ev calls.Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.match(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if s.deliver(ev) {
			b.Metrics.RecordDrop()
		}
	}
}

// Subscribe registers a subscription that lives until ctx ends or Close is called.
func (b *Bus) Subscribe(ctx context.Context, f Filter) *Subscription {
	b.mu.Lock()
	b.nextID++
	s := &Subscription{
		bus:    b,
		id:     b.nextID,
		filter: f,
		ch:     make(chan calls.Event, b.buffer),
		done:   make(chan struct{}),
	}
	b.subs[s.id] = s
	b.mu.Unlock()
	b.Metrics.AddSubscribers(1)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Len reports the number of open subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		b.Metrics.AddSubscribers(-1)
	}
}

// Subscription is one listener on the bus.
type Subscription struct {
	bus    *Bus
	id     uint64
	filter Filter

	mu      sync.Mutex
	ch      chan calls.Event
	closed  bool
	dropped uint64
	done    chan struct{}
}

// C yields events until the subscription is closed.
func (s *Subscription) C() <-chan calls.Event { return s.ch }

// Dropped is how many snapshots were discarded for this subscription.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close tears the subscription down. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	s.bus.remove(s.id)
}

// deliver enqueues ev, evicting the oldest buffered event if needed. It reports
// whether an event was evicted. Events delivered after Close are discarded.
func (s *Subscription) deliver(ev calls.Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			s.dropped++
		default:
		}
	}
}
