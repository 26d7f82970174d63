package session

import "sync"

// EventType identifies what changed.
type EventType string

const (
	EventState      EventType = "state"
	EventTranscript EventType = "transcript"
)

// Event is published to live subscribers on every state change and on every
// accepted transcript segment.
type Event struct {
	Type    EventType          `json:"type"`
	State   State              `json:"state"`
	Segment *TranscriptSegment `json:"segment,omitempty"`
}

// broadcaster fans events out to subscribers without blocking the publisher.
// Cancelling a subscription closes its channel.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextID      uint64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subscribers: make(map[uint64]chan Event)}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// Drop if subscriber is slow
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
