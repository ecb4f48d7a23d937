package events

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Broadcaster fans typed events out to any number of subscribers.
// Delivery is best-effort: a subscriber whose buffer is full has the
// new event dropped rather than blocking the producer. Consumers are
// expected to recover from gaps by re-reading authoritative state.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	buffer int
	closed bool

	mirrorConn    *nats.Conn
	mirrorSubject string
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer overrides the per-subscriber buffer capacity.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMirror attaches a best-effort NATS mirror: every published event is
// also sent to <root>.events.<type> for automation clients. Publish errors
// are swallowed.
func WithMirror(nc *nats.Conn, root string) Option {
	return func(b *Broadcaster) {
		b.mirrorConn = nc
		b.mirrorSubject = root + ".events."
	}
}

// New constructs a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[uint64]chan Event),
		buffer: DefaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new consumer. The returned cancel func must be
// called when the consumer goes away; the channel is closed afterwards.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers evt to every subscriber without ever blocking.
func (b *Broadcaster) Publish(evt Event) {
	b.mirror(evt)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	publishedEvents.WithLabelValues(string(evt.Type)).Inc()
	for _, sub := range b.subs {
		select {
		case sub <- evt:
		default:
			droppedEvents.WithLabelValues(string(evt.Type)).Inc()
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close tears down all subscriptions; later publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}

func (b *Broadcaster) mirror(evt Event) {
	if b.mirrorConn == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = b.mirrorConn.Publish(b.mirrorSubject+string(evt.Type), data)
}
