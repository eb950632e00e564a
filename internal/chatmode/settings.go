// Package chatmode resolves and updates the per-pair disappearing-message
// configuration.
package chatmode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/hub"
)

// EventSettingsUpdated notifies both participants that their pair's setting
// changed.
const EventSettingsUpdated = "chatSettingsUpdated"

// SettingPayload is a chat setting as sent on the wire.
type SettingPayload struct {
	RoomKey       string     `json:"roomKey"`
	Participants  []string   `json:"participants"`
	TimerSeconds  int64      `json:"timerSeconds"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	UpdatedBy     string     `json:"updatedBy,omitempty"`
}

// SettingStore is the slice of the chat settings store the resolver needs.
type SettingStore interface {
	Upsert(ctx context.Context, initiatorID, partnerID string, timerSeconds int64) (*data.ChatSetting, error)
	FindByPair(ctx context.Context, userA, userB string) (*data.ChatSetting, error)
	TouchLastMessage(ctx context.Context, userA, userB string, at time.Time) error
}

// MessageReconciler applies a changed timer to the pair's existing messages.
type MessageReconciler interface {
	ApplyTimer(ctx context.Context, userA, userB string, timerSeconds int64, now time.Time) error
	ClearTimer(ctx context.Context, userA, userB string) error
}

// Fanout is the slice of the hub the resolver needs.
type Fanout interface {
	SendToUser(userID string, ev hub.Event) int
}

// Service is the chat-mode settings resolver.
type Service struct {
	settings SettingStore
	msgs     MessageReconciler
	hub      Fanout
	log      *zap.SugaredLogger
}

// NewService returns a resolver wired to its collaborators.
func NewService(settings SettingStore, msgs MessageReconciler, fanout Fanout, log *zap.SugaredLogger) *Service {
	return &Service{settings: settings, msgs: msgs, hub: fanout, log: log}
}

// Upsert creates or updates the pair's setting, retroactively reconciles the
// pair's existing messages with the new timer and broadcasts the result to
// both participants. timerSeconds <= 0 disables disappearing messages.
func (s *Service) Upsert(ctx context.Context, initiatorID, partnerID string, timerSeconds int64) (*SettingPayload, error) {
	if partnerID == "" {
		return nil, fmt.Errorf("%w: partnerId required", data.ErrInvalidMessage)
	}
	if partnerID == initiatorID {
		return nil, fmt.Errorf("%w: cannot configure a chat with yourself", data.ErrInvalidMessage)
	}
	if timerSeconds < 0 {
		return nil, fmt.Errorf("%w: timerSeconds must not be negative", data.ErrInvalidMessage)
	}

	setting, err := s.settings.Upsert(ctx, initiatorID, partnerID, timerSeconds)
	if err != nil {
		return nil, fmt.Errorf("upsert chat setting: %w", err)
	}

	// The setting row and the message reconcile are two independent writes;
	// they only need to be eventually consistent.
	if timerSeconds > 0 {
		err = s.msgs.ApplyTimer(ctx, initiatorID, partnerID, timerSeconds, time.Now())
	} else {
		err = s.msgs.ClearTimer(ctx, initiatorID, partnerID)
	}
	if err != nil {
		s.log.Errorw("failed to reconcile messages with chat setting",
			"roomKey", setting.RoomKey, "error", err)
	}

	payload := toPayload(setting)
	ev := hub.Event{Name: EventSettingsUpdated, Data: payload}
	s.hub.SendToUser(initiatorID, ev)
	s.hub.SendToUser(partnerID, ev)

	return payload, nil
}

// ResolveForPair returns the pair's setting or nil when none exists; nil
// means standard mode, no expiry.
func (s *Service) ResolveForPair(ctx context.Context, userA, userB string) (*data.ChatSetting, error) {
	setting, err := s.settings.FindByPair(ctx, userA, userB)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return setting, nil
}

// Resolve returns the wire form of a pair's setting, or nil.
func (s *Service) Resolve(ctx context.Context, userA, userB string) (*SettingPayload, error) {
	setting, err := s.ResolveForPair(ctx, userA, userB)
	if err != nil || setting == nil {
		return nil, err
	}
	return toPayload(setting), nil
}

// NoteMessage records message activity against the pair's setting.
func (s *Service) NoteMessage(ctx context.Context, userA, userB string, at time.Time) error {
	return s.settings.TouchLastMessage(ctx, userA, userB, at)
}

func toPayload(setting *data.ChatSetting) *SettingPayload {
	participants := make([]string, 0, len(setting.Participants))
	for _, p := range setting.Participants {
		participants = append(participants, p.Hex())
	}
	p := &SettingPayload{
		RoomKey:       setting.RoomKey,
		Participants:  participants,
		TimerSeconds:  setting.TimerSeconds,
		LastMessageAt: setting.LastMessageAt,
		ExpiresAt:     setting.ExpiresAt,
	}
	if !setting.UpdatedBy.IsZero() {
		p.UpdatedBy = setting.UpdatedBy.Hex()
	}
	return p
}
