// Package relay accepts outbound messages, persists them subject to the
// pair's disappearing-message policy and fans them out to both participants'
// live connections.
package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/hub"
)

// Outbound message event names. messageSent echoes to the sender's own
// connections, receiveMessage reaches the receiver, and newMessage fires for
// both so clients with a single listener keep working.
const (
	EventMessageSent    = "messageSent"
	EventReceiveMessage = "receiveMessage"
	EventNewMessage     = "newMessage"
	EventMessageDeleted = "messageDeleted"
	EventMyChats        = "myChats"
	EventChatHistory    = "chatHistory"
)

// MessagePayload is a message as delivered on the wire: participant summaries
// are always resolved, never raw ids alone.
type MessagePayload struct {
	ID         string               `json:"id"`
	SenderID   string               `json:"senderId"`
	ReceiverID string               `json:"receiverId"`
	Sender     *data.UserSummary    `json:"sender,omitempty"`
	Receiver   *data.UserSummary    `json:"receiver,omitempty"`
	Text       string               `json:"text"`
	File       *data.FileAttachment `json:"file,omitempty"`
	ExpiresAt  *time.Time           `json:"expiresAt,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	Direction  string               `json:"direction,omitempty"`
}

// Deletion is the payload of a messageDeleted event. Auto marks sweeper
// deletions as opposed to explicit user deletes.
type Deletion struct {
	MessageID string     `json:"messageId"`
	Auto      bool       `json:"auto"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// HistoryPage is one page of conversation history, oldest-first.
type HistoryPage struct {
	Messages []*MessagePayload `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

// MessageStore is the slice of the messages store the relay needs.
type MessageStore interface {
	Save(ctx context.Context, senderID, receiverID, text string, file *data.FileAttachment, expiresAt *time.Time) (*data.Message, error)
	GetByID(ctx context.Context, id string) (*data.Message, error)
	History(ctx context.Context, userID, otherID string, limit, skip int64, now time.Time) ([]*data.Message, error)
	Conversations(ctx context.Context, userID string, limit int64, now time.Time) ([]*data.ConversationRow, error)
	Delete(ctx context.Context, id string) error
}

// UserStore resolves recipients and participant summaries.
type UserStore interface {
	UserExists(ctx context.Context, id string) (bool, error)
	Summaries(ctx context.Context, ids []string) (map[string]*data.UserSummary, error)
}

// SettingsResolver answers the pair's disappearing-message policy and records
// message activity against it.
type SettingsResolver interface {
	ResolveForPair(ctx context.Context, userA, userB string) (*data.ChatSetting, error)
	NoteMessage(ctx context.Context, userA, userB string, at time.Time) error
}

// Fanout is the slice of the hub the relay needs.
type Fanout interface {
	SendToUser(userID string, ev hub.Event) int
}

// Service is the message relay.
type Service struct {
	msgs     MessageStore
	users    UserStore
	settings SettingsResolver
	hub      Fanout
	log      *zap.SugaredLogger
}

// NewService returns a relay wired to its collaborators.
func NewService(msgs MessageStore, users UserStore, settings SettingsResolver, fanout Fanout, log *zap.SugaredLogger) *Service {
	return &Service{msgs: msgs, users: users, settings: settings, hub: fanout, log: log}
}

// Send validates, persists and fans out one message. The returned bool
// reports whether the receiver had any live connection; an unreachable
// receiver is still a success, the message waits in history.
func (s *Service) Send(ctx context.Context, senderID, receiverID, text string, file *data.FileAttachment) (*MessagePayload, bool, error) {
	if text == "" && file == nil {
		return nil, false, fmt.Errorf("%w: message content empty", data.ErrInvalidMessage)
	}
	if receiverID == "" {
		return nil, false, fmt.Errorf("%w: receiverId required", data.ErrInvalidMessage)
	}

	exists, err := s.users.UserExists(ctx, receiverID)
	if err != nil {
		return nil, false, fmt.Errorf("verify receiver: %w", err)
	}
	if !exists {
		return nil, false, fmt.Errorf("%w: receiver %s", data.ErrNotFound, receiverID)
	}

	// The pair's setting decides whether this message carries an expiry.
	var expiresAt *time.Time
	setting, err := s.settings.ResolveForPair(ctx, senderID, receiverID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve chat setting: %w", err)
	}
	if setting != nil && setting.TimerSeconds > 0 {
		t := time.Now().Add(time.Duration(setting.TimerSeconds) * time.Second)
		expiresAt = &t
	}

	saved, err := s.msgs.Save(ctx, senderID, receiverID, text, file, expiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("save message: %w", err)
	}

	if err := s.settings.NoteMessage(ctx, senderID, receiverID, saved.CreatedAt); err != nil {
		s.log.Errorw("failed to advance chat setting", "senderId", senderID, "error", err)
	}

	payload := s.toPayload(ctx, saved, "")

	s.hub.SendToUser(senderID, hub.Event{Name: EventMessageSent, Data: payload})
	s.hub.SendToUser(senderID, hub.Event{Name: EventNewMessage, Data: payload})
	delivered := s.hub.SendToUser(receiverID, hub.Event{Name: EventReceiveMessage, Data: payload})
	s.hub.SendToUser(receiverID, hub.Event{Name: EventNewMessage, Data: payload})

	s.PushMyChats(ctx, senderID)
	s.PushMyChats(ctx, receiverID)

	return payload, delivered > 0, nil
}

// History returns one page of the conversation between two users.
func (s *Service) History(ctx context.Context, userID, otherID string, limit, skip int64) (*HistoryPage, error) {
	if otherID == "" {
		return nil, fmt.Errorf("%w: otherUserId required", data.ErrInvalidMessage)
	}
	if limit <= 0 {
		limit = 50
	}
	if skip < 0 {
		skip = 0
	}

	msgs, err := s.msgs.History(ctx, userID, otherID, limit, skip, time.Now())
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	summaries := s.resolveSummaries(ctx, msgs)
	page := &HistoryPage{
		Messages: make([]*MessagePayload, 0, len(msgs)),
		HasMore:  int64(len(msgs)) == limit,
	}
	for _, m := range msgs {
		page.Messages = append(page.Messages, payloadFrom(m, summaries, directionFor(m, userID)))
	}
	return page, nil
}

// MyChats computes the latest-message-per-partner projection for a user.
func (s *Service) MyChats(ctx context.Context, userID string) ([]*MessagePayload, error) {
	rows, err := s.msgs.Conversations(ctx, userID, 100, time.Now())
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	msgs := make([]*data.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.Last)
	}
	summaries := s.resolveSummaries(ctx, msgs)

	chats := make([]*MessagePayload, 0, len(rows))
	for _, r := range rows {
		chats = append(chats, payloadFrom(r.Last, summaries, directionFor(r.Last, userID)))
	}
	return chats, nil
}

// PushMyChats recomputes a user's chat projection and pushes it to their live
// connections. Best-effort: failures are logged, never surfaced.
func (s *Service) PushMyChats(ctx context.Context, userID string) {
	chats, err := s.MyChats(ctx, userID)
	if err != nil {
		s.log.Errorw("failed to build my-chats projection", "userId", userID, "error", err)
		return
	}
	s.hub.SendToUser(userID, hub.Event{Name: EventMyChats, Data: chats})
}

// Delete removes a message. Only the original sender may delete; both
// participants' connections are told about the removal.
func (s *Service) Delete(ctx context.Context, requesterID, messageID string) error {
	msg, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID.Hex() != requesterID {
		return fmt.Errorf("%w: only the sender may delete a message", data.ErrForbidden)
	}

	if err := s.msgs.Delete(ctx, messageID); err != nil {
		return err
	}

	deletion := Deletion{MessageID: msg.ID.Hex(), Auto: false}
	s.hub.SendToUser(msg.SenderID.Hex(), hub.Event{Name: EventMessageDeleted, Data: deletion})
	s.hub.SendToUser(msg.ReceiverID.Hex(), hub.Event{Name: EventMessageDeleted, Data: deletion})
	return nil
}

func directionFor(m *data.Message, viewerID string) string {
	if m.SenderID.Hex() == viewerID {
		return "outgoing"
	}
	return "incoming"
}

func (s *Service) resolveSummaries(ctx context.Context, msgs []*data.Message) map[string]*data.UserSummary {
	seen := make(map[string]struct{}, len(msgs)*2)
	ids := make([]string, 0, len(msgs)*2)
	for _, m := range msgs {
		for _, id := range []string{m.SenderID.Hex(), m.ReceiverID.Hex()} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	summaries, err := s.users.Summaries(ctx, ids)
	if err != nil {
		s.log.Errorw("failed to resolve participant summaries", "error", err)
		return map[string]*data.UserSummary{}
	}
	return summaries
}

func (s *Service) toPayload(ctx context.Context, m *data.Message, direction string) *MessagePayload {
	summaries := s.resolveSummaries(ctx, []*data.Message{m})
	return payloadFrom(m, summaries, direction)
}

func payloadFrom(m *data.Message, summaries map[string]*data.UserSummary, direction string) *MessagePayload {
	return &MessagePayload{
		ID:         m.ID.Hex(),
		SenderID:   m.SenderID.Hex(),
		ReceiverID: m.ReceiverID.Hex(),
		Sender:     summaries[m.SenderID.Hex()],
		Receiver:   summaries[m.ReceiverID.Hex()],
		Text:       m.Text,
		File:       m.File,
		ExpiresAt:  m.ExpiresAt,
		CreatedAt:  m.CreatedAt,
		Direction:  direction,
	}
}
