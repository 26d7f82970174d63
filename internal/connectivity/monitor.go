package connectivity

import (
	"sync"
	"time"
)

// Event is a connectivity transition.
type Event struct {
	Connected bool      `json:"isConnected"`
	At        time.Time `json:"at"`
}

// Monitor reports network reachability and emits an Event on every
// transition. Repeated reports of the same state are not emitted.
type Monitor interface {
	IsConnected() bool
	// Subscribe returns a channel of transitions and a cancel function.
	Subscribe() (<-chan Event, func())
}

// hub tracks the current state and fans transitions out to subscribers.
// Each subscriber holds at most one undelivered event; a newer transition
// replaces a stale one, so a slow reader always ends up on the latest state.
type hub struct {
	mu          sync.Mutex
	connected   bool
	subscribers map[uint64]chan Event
	nextID      uint64
	now         func() time.Time
}

func newHub(initial bool) *hub {
	return &hub{
		connected:   initial,
		subscribers: make(map[uint64]chan Event),
		now:         time.Now,
	}
}

func (h *hub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 1)
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// set records the state and reports whether it was a transition.
func (h *hub) set(connected bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected == connected {
		return false
	}
	h.connected = connected
	ev := Event{Connected: connected, At: h.now()}
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			// Replace the undelivered event with the newer one.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	return true
}

// Signal is a Monitor driven by explicit reports, such as a platform bridge
// posting reachability changes over HTTP.
type Signal struct {
	*hub
}

func NewSignal(initial bool) *Signal {
	return &Signal{hub: newHub(initial)}
}

// Set reports the current reachability. Returns true on a transition.
func (s *Signal) Set(connected bool) bool {
	return s.set(connected)
}
