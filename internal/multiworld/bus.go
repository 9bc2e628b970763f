package multiworld

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/persist"
)

// Bus fans persisted events out to the live connections of a session.
// Publication happens after commit; a subscriber that cannot keep up is
// closed and relies on catch-up to resynchronize.
type Bus struct {
	queueSize int
	log       *zap.Logger

	mu     sync.Mutex
	topics map[uuid.UUID]map[*Subscriber]struct{}
}

// Subscriber receives every event published to one session. C is closed
// when the subscriber is removed, either by Close or by falling behind.
type Subscriber struct {
	C chan persist.EventRow

	bus     *Bus
	session uuid.UUID
	once    sync.Once
}

func NewBus(queueSize int, log *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		queueSize: queueSize,
		log:       log,
		topics:    make(map[uuid.UUID]map[*Subscriber]struct{}),
	}
}

func (b *Bus) Subscribe(sessionID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		C:       make(chan persist.EventRow, b.queueSize),
		bus:     b,
		session: sessionID,
	}
	b.mu.Lock()
	subs, ok := b.topics[sessionID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		b.topics[sessionID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to every live subscriber of the session.
// Delivery never blocks: a full queue drops the subscriber.
func (b *Bus) Publish(ev persist.EventRow) {
	b.mu.Lock()
	var stalled []*Subscriber
	for sub := range b.topics[ev.SessionID] {
		select {
		case sub.C <- ev:
		default:
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	if len(stalled) > 0 {
		b.log.Warn("bus: dropped stalled subscribers",
			zap.String("session", ev.SessionID.String()),
			zap.Int("count", len(stalled)))
	}
}

// Close removes the subscriber and closes its channel. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	s.bus.removeLocked(s)
	s.bus.mu.Unlock()
}

func (b *Bus) removeLocked(sub *Subscriber) {
	subs, ok := b.topics[sub.session]
	if !ok {
		return
	}
	if _, live := subs[sub]; !live {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.session)
	}
	sub.once.Do(func() { close(sub.C) })
}

// Subscribers reports the live subscriber count for a session.
func (b *Bus) Subscribers(sessionID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[sessionID])
}
