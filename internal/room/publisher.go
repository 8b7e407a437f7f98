package room

import (
	"sync"
	"sync/atomic"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 16

// Publisher holds the latest snapshot of one room for polls and fans every
// committed snapshot out to subscribers.
//
// Only the room's actor publishes. A subscriber that falls behind loses the
// oldest queued snapshots, never the newest: snapshots carry full state, so
// skipping intermediate revisions is safe for consumers that order by revision.
type Publisher struct {
	latest atomic.Pointer[game.Snapshot]

	mu     sync.Mutex
	subs   map[uint64]chan game.Snapshot
	nextID uint64
	closed bool
}

// NewPublisher returns an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[uint64]chan game.Snapshot)}
}

// Latest returns the most recently published snapshot.
func (p *Publisher) Latest() (game.Snapshot, bool) {
	s := p.latest.Load()
	if s == nil {
		return game.Snapshot{}, false
	}
	return *s, true
}

// Publish records s as latest and delivers it to every subscriber.
func (p *Publisher) Publish(s game.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.latest.Load(); cur != nil && cur.Revision >= s.Revision {
		return
	}
	p.latest.Store(&s)
	for _, ch := range p.subs {
		offer(ch, s)
	}
}

// offer delivers s, evicting the oldest queued snapshot if ch is full.
// Callers hold p.mu, so no other sender races for the freed slot.
func offer(ch chan game.Snapshot, s game.Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Subscription receives snapshots on C until the room is destroyed or Close
// is called; C is then closed.
type Subscription struct {
	C   <-chan game.Snapshot
	id  uint64
	pub *Publisher
}

// Subscribe registers a subscriber with the given buffer. The latest snapshot,
// if any, is queued first. ok is false once the publisher is closed.
func (p *Publisher) Subscribe(buffer int) (*Subscription, bool) {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	ch := make(chan game.Snapshot, buffer)
	if s := p.latest.Load(); s != nil {
		ch <- *s
	}
	p.nextID++
	id := p.nextID
	p.subs[id] = ch
	return &Subscription{C: ch, id: id, pub: p}, true
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	p := s.pub
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subs[s.id]; ok {
		delete(p.subs, s.id)
		close(ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close closes every subscription. Already queued snapshots stay readable.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
