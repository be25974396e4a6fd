package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/cybersemics/partykit-em/internal/tree"
)

// Event types delivered to live subscribers.
const (
	EventPush        = "push"
	EventStatus      = "status"
	EventConnections = "connections"
)

// Event is one live-channel broadcast.
type Event struct {
	Type       string
	Origin     string
	Operations []tree.MoveOp
	Status     string
	Clients    []string
}

// Hub fans live events out to connected peers. Sends never block: a
// subscriber that falls behind its buffer misses the event and recovers
// through catch-up, which is safe because the engine is idempotent on
// timestamps.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id       int64
	clientID string
	stream   chan Event
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  64,
	}
}

// Subscribe registers a peer and returns its event stream plus a cleanup
// function. Joining and leaving both rebroadcast the roster.
func (h *Hub) Subscribe(ctx context.Context, clientID string) (<-chan Event, func()) {
	if clientID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	h.mu.Lock()
	h.nextID++
	sub := &subscriber{
		id:       h.nextID,
		clientID: clientID,
		stream:   make(chan Event, h.bufferSize),
	}
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	h.BroadcastConnections()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, sub.id)
			h.mu.Unlock()
			h.BroadcastConnections()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Roster returns the sorted set of connected client ids.
func (h *Hub) Roster() []string {
	h.mu.RLock()
	seen := make(map[string]bool, len(h.subscribers))
	for _, sub := range h.subscribers {
		seen[sub.clientID] = true
	}
	h.mu.RUnlock()

	roster := make([]string, 0, len(seen))
	for clientID := range seen {
		roster = append(roster, clientID)
	}
	sort.Strings(roster)
	return roster
}

// BroadcastPush delivers a batch of just-persisted operations to every peer
// except the originator.
func (h *Hub) BroadcastPush(origin string, ops []tree.MoveOp) {
	if len(ops) == 0 {
		return
	}
	h.publish(Event{Type: EventPush, Origin: origin, Operations: ops}, origin)
}

// BroadcastStatus announces a room lifecycle change to every peer.
func (h *Hub) BroadcastStatus(status string) {
	h.publish(Event{Type: EventStatus, Status: status}, "")
}

// BroadcastConnections announces the current roster to every peer.
func (h *Hub) BroadcastConnections() {
	h.publish(Event{Type: EventConnections, Clients: h.Roster()}, "")
}

func (h *Hub) publish(event Event, excludeClientID string) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if excludeClientID != "" && sub.clientID == excludeClientID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}
