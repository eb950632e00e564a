// Package presence bridges connection registry transitions to persisted
// online/offline state and presence broadcasts.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/hub"
)

// Outbound presence event names.
const (
	EventUserOnline  = "userOnline"
	EventOnlineUsers = "onlineUsers"
)

// Delta is the broadcast payload for a single user's presence change.
type Delta struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// UserStore is the slice of the users store the tracker needs.
type UserStore interface {
	SetOnline(ctx context.Context, id string) error
	SetOffline(ctx context.Context, id string, lastSeen time.Time) error
}

// Fanout is the slice of the hub the tracker needs.
type Fanout interface {
	Broadcast(ev hub.Event)
	BroadcastExcept(exceptUserID string, ev hub.Event)
	OnlineUserIDs() []string
}

// Tracker persists and broadcasts presence transitions. Store failures are
// logged and swallowed: the registry stays authoritative for routing whether
// or not the persisted flag caught up.
type Tracker struct {
	users UserStore
	hub   Fanout
	log   *zap.SugaredLogger
}

// NewTracker returns a Tracker wired to the given store and hub.
func NewTracker(users UserStore, fanout Fanout, log *zap.SugaredLogger) *Tracker {
	return &Tracker{users: users, hub: fanout, log: log}
}

// HandleConnect records the online transition for a user's first connection.
// Later connections of the same user change nothing.
func (t *Tracker) HandleConnect(ctx context.Context, userID string, first bool) {
	if !first {
		return
	}
	if err := t.users.SetOnline(ctx, userID); err != nil {
		t.log.Errorw("failed to persist online state", "userId", userID, "error", err)
	}
	t.hub.BroadcastExcept(userID, hub.Event{
		Name: EventUserOnline,
		Data: Delta{UserID: userID, IsOnline: true},
	})
}

// HandleDisconnect records the offline transition when a user's last
// connection closed, stamping last-seen.
func (t *Tracker) HandleDisconnect(ctx context.Context, userID string, last bool) {
	if !last {
		return
	}
	lastSeen := time.Now()
	if err := t.users.SetOffline(ctx, userID, lastSeen); err != nil {
		t.log.Errorw("failed to persist offline state", "userId", userID, "error", err)
	}
	// The user has no connections left, so there is nobody to exclude.
	t.hub.Broadcast(hub.Event{
		Name: EventUserOnline,
		Data: Delta{UserID: userID, IsOnline: false, LastSeen: &lastSeen},
	})
}

// SendSnapshot emits the full set of currently reachable user ids to a single
// freshly admitted connection.
func (t *Tracker) SendSnapshot(s hub.Sender) {
	_ = s.Send(hub.Event{Name: EventOnlineUsers, Data: t.hub.OnlineUserIDs()})
}
