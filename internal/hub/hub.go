// Package hub tracks which users are reachable and over which connections.
package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Event is one outbound frame: an event name plus its payload. The transport
// layer decides how it is encoded on the wire.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data,omitempty"`
}

// Sender is the minimal interface the hub needs from a connection: the
// ability to push an event to the connected client.
type Sender interface {
	Send(Event) error
}

// Hub is the connection registry. It maps a user id to the set of currently
// live connections (multi-device/multi-tab), and is the authoritative answer
// to "who is reachable right now" regardless of persisted presence state.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]map[string]Sender
	onOffline func(userID string)
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{conns: make(map[string]map[string]Sender)}
}

// OnOffline registers a callback invoked when pruning a failed connection
// leaves its user with no connections at all. Without it that offline
// transition would be lost: the read loop's own Unregister for a pruned
// connection returns false. Set once during wiring, before any connection is
// admitted; the regular dismiss path never goes through it.
func (h *Hub) OnOffline(fn func(userID string)) {
	h.onOffline = fn
}

// Register admits a new live connection for a user and returns its connection
// id plus whether this was the user's first connection. The first/last
// decision shares the map mutation's critical section so concurrent admits
// and dismissals of one user's connections yield exactly one transition each
// way.
func (h *Hub) Register(userID string, s Sender) (connID string, first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.conns[userID]
	if !ok {
		set = make(map[string]Sender)
		h.conns[userID] = set
	}

	connID = uuid.NewString()
	set[connID] = s
	return connID, !ok
}

// Unregister removes a connection and reports whether it was the user's last.
func (h *Hub) Unregister(userID, connID string) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.conns[userID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.conns, userID)
		return true
	}
	return false
}

// SendToUser delivers an event to every live connection of a user and returns
// how many connections received it. Absence of connections is not an error:
// the user is simply unreachable and callers fall back to persistence.
// Delivery is best-effort per connection; failed senders are pruned so one
// broken stream never blocks the rest. When pruning removes a user's last
// connection, the offline transition is reported through OnOffline.
func (h *Hub) SendToUser(userID string, ev Event) int {
	h.mu.RLock()
	set := h.conns[userID]
	targets := make(map[string]Sender, len(set))
	for id, s := range set {
		targets[id] = s
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []string
	for id, s := range targets {
		if err := s.Send(ev); err != nil {
			failed = append(failed, id)
			continue
		}
		delivered++
	}
	wentOffline := false
	for _, id := range failed {
		if h.Unregister(userID, id) {
			wentOffline = true
		}
	}
	if wentOffline && h.onOffline != nil {
		h.onOffline(userID)
	}
	return delivered
}

// Broadcast delivers an event to every live connection of every user.
func (h *Hub) Broadcast(ev Event) {
	for _, userID := range h.OnlineUserIDs() {
		h.SendToUser(userID, ev)
	}
}

// BroadcastExcept delivers an event to everyone but the named user.
func (h *Hub) BroadcastExcept(exceptUserID string, ev Event) {
	for _, userID := range h.OnlineUserIDs() {
		if userID == exceptUserID {
			continue
		}
		h.SendToUser(userID, ev)
	}
}

// OnlineUserIDs returns every user id with at least one live connection.
func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether a user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// ConnectionCount returns the number of live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}
