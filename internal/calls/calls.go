// Package calls brokers call lifecycle state and relays WebRTC signaling
// payloads between the two participants of a call.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/hub"
)

// Outbound call event names.
const (
	EventIncomingCall     = "incomingCall"
	EventCallAccepted     = "callAccepted"
	EventCallRejected     = "callRejected"
	EventCallEnded        = "callEnded"
	EventUserNotAvailable = "userNotAvailable"
	EventReceiveOffer     = "receiveOffer"
	EventReceiveAnswer    = "receiveAnswer"
	EventReceiveCandidate = "receiveIceCandidate"
)

// CallPayload is a call record as sent on the wire.
type CallPayload struct {
	ID         string            `json:"id"`
	CallerID   string            `json:"callerId"`
	ReceiverID string            `json:"receiverId"`
	Caller     *data.UserSummary `json:"caller,omitempty"`
	Receiver   *data.UserSummary `json:"receiver,omitempty"`
	CallType   string            `json:"callType"`
	Status     string            `json:"status"`
	Duration   int64             `json:"duration"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	EndedAt    *time.Time        `json:"endedAt,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	Direction  string            `json:"direction,omitempty"`
	IsMissed   bool              `json:"isMissed,omitempty"`
}

// Signal is a relayed offer/answer/candidate frame. The broker never
// interprets Payload; it only stamps the originating user and the call.
type Signal struct {
	From    string          `json:"from"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// CallStore is the slice of the calls store the broker needs.
type CallStore interface {
	Create(ctx context.Context, callerID, receiverID, callType string) (*data.Call, error)
	GetByID(ctx context.Context, id string) (*data.Call, error)
	Answer(ctx context.Context, id, status string, at time.Time) (*data.Call, error)
	End(ctx context.Context, id, fromStatus, status string, endedAt time.Time, duration int64) (*data.Call, error)
	History(ctx context.Context, userID, callType string, limit, skip int64) ([]*data.Call, error)
	Missed(ctx context.Context, userID string, limit, skip int64) ([]*data.Call, error)
	Delete(ctx context.Context, id string) error
}

// UserStore resolves receivers and participant summaries.
type UserStore interface {
	UserExists(ctx context.Context, id string) (bool, error)
	Summaries(ctx context.Context, ids []string) (map[string]*data.UserSummary, error)
}

// Fanout is the slice of the hub the broker needs.
type Fanout interface {
	SendToUser(userID string, ev hub.Event) int
}

// Broker manages per-call state transitions and signaling relay.
type Broker struct {
	calls CallStore
	users UserStore
	hub   Fanout
	log   *zap.SugaredLogger
}

// NewBroker returns a broker wired to its collaborators.
func NewBroker(calls CallStore, users UserStore, fanout Fanout, log *zap.SugaredLogger) *Broker {
	return &Broker{calls: calls, users: users, hub: fanout, log: log}
}

// Initiate validates and creates a call in the no-answer state and rings
// every live connection of the receiver. The returned bool reports whether
// the receiver was reachable; the record is created either way and resolves
// to missed/cancelled on end.
func (b *Broker) Initiate(ctx context.Context, callerID, receiverID, callType string) (*CallPayload, bool, error) {
	if receiverID == "" {
		return nil, false, fmt.Errorf("%w: receiverId required", data.ErrInvalidMessage)
	}
	if callType != data.CallAudio && callType != data.CallVideo {
		return nil, false, fmt.Errorf("%w: callType must be audio or video", data.ErrInvalidMessage)
	}
	if receiverID == callerID {
		return nil, false, fmt.Errorf("%w: cannot call yourself", data.ErrInvalidMessage)
	}

	exists, err := b.users.UserExists(ctx, receiverID)
	if err != nil {
		return nil, false, fmt.Errorf("verify receiver: %w", err)
	}
	if !exists {
		return nil, false, fmt.Errorf("%w: receiver %s", data.ErrNotFound, receiverID)
	}

	call, err := b.calls.Create(ctx, callerID, receiverID, callType)
	if err != nil {
		return nil, false, fmt.Errorf("create call record: %w", err)
	}

	payload := b.toPayload(ctx, call, "")
	delivered := b.hub.SendToUser(receiverID, hub.Event{Name: EventIncomingCall, Data: payload})
	return payload, delivered > 0, nil
}

// Accept transitions a ringing call to completed. Only the stored receiver
// may accept, and only while the call is unanswered.
func (b *Broker) Accept(ctx context.Context, callID, byID string) (*CallPayload, error) {
	call, err := b.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.ReceiverID.Hex() != byID {
		return nil, fmt.Errorf("%w: only the receiver may accept", data.ErrForbidden)
	}

	updated, err := b.calls.Answer(ctx, callID, data.CallCompleted, time.Now())
	if err != nil {
		return nil, err
	}

	payload := b.toPayload(ctx, updated, "")
	b.hub.SendToUser(updated.CallerID.Hex(), hub.Event{Name: EventCallAccepted, Data: payload})
	return payload, nil
}

// Reject declines a ringing call. Same guards as Accept.
func (b *Broker) Reject(ctx context.Context, callID, byID string) (*CallPayload, error) {
	call, err := b.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.ReceiverID.Hex() != byID {
		return nil, fmt.Errorf("%w: only the receiver may reject", data.ErrForbidden)
	}

	updated, err := b.calls.Answer(ctx, callID, data.CallRejected, time.Now())
	if err != nil {
		return nil, err
	}

	payload := b.toPayload(ctx, updated, "")
	b.hub.SendToUser(updated.CallerID.Hex(), hub.Event{Name: EventCallRejected, Data: payload})
	return payload, nil
}

// End terminates a call once, by either participant. A call still ringing at
// end time resolves to cancelled when the caller hung up, missed when the
// receiver did. The status observed at read time rides along into the store's
// conditional update, so an accept racing this end cannot leave the call
// recorded as cancelled or missed; a lost race replays the decision against
// the fresh state.
func (b *Broker) End(ctx context.Context, callID, byID string) (*CallPayload, error) {
	for {
		call, err := b.calls.GetByID(ctx, callID)
		if err != nil {
			return nil, err
		}

		isCaller := call.CallerID.Hex() == byID
		isReceiver := call.ReceiverID.Hex() == byID
		if !isCaller && !isReceiver {
			return nil, fmt.Errorf("%w: not a participant of this call", data.ErrForbidden)
		}
		if call.EndedAt != nil {
			return nil, fmt.Errorf("%w: call already ended", data.ErrInvalidState)
		}

		endedAt := time.Now()
		status := call.Status
		if status == data.CallNoAnswer {
			if isCaller {
				status = data.CallCancelled
			} else {
				status = data.CallMissed
			}
		}

		var duration int64
		if call.StartedAt != nil {
			duration = int64(endedAt.Sub(*call.StartedAt).Seconds())
		}

		updated, err := b.calls.End(ctx, callID, call.Status, status, endedAt, duration)
		if errors.Is(err, data.ErrInvalidState) {
			// Lost against a concurrent accept/reject; the next read sees
			// the winning state.
			continue
		}
		if err != nil {
			return nil, err
		}

		otherID := updated.ReceiverID.Hex()
		if isReceiver {
			otherID = updated.CallerID.Hex()
		}

		payload := b.toPayload(ctx, updated, "")
		b.hub.SendToUser(otherID, hub.Event{Name: EventCallEnded, Data: struct {
			*CallPayload
			EndedBy string `json:"endedBy"`
		}{payload, byID}})
		return payload, nil
	}
}

// RelayOffer forwards an SDP offer to the target's live connections.
func (b *Broker) RelayOffer(fromID, toID, callID string, payload json.RawMessage) int {
	return b.relay(EventReceiveOffer, fromID, toID, callID, payload)
}

// RelayAnswer forwards an SDP answer to the target's live connections.
func (b *Broker) RelayAnswer(fromID, toID, callID string, payload json.RawMessage) int {
	return b.relay(EventReceiveAnswer, fromID, toID, callID, payload)
}

// RelayCandidate forwards an ICE candidate to the target's live connections.
func (b *Broker) RelayCandidate(fromID, toID, callID string, payload json.RawMessage) int {
	return b.relay(EventReceiveCandidate, fromID, toID, callID, payload)
}

func (b *Broker) relay(event, fromID, toID, callID string, payload json.RawMessage) int {
	return b.hub.SendToUser(toID, hub.Event{Name: event, Data: Signal{
		From:    fromID,
		CallID:  callID,
		Payload: payload,
	}})
}

// History returns a user's call log, direction-tagged.
func (b *Broker) History(ctx context.Context, userID, callType string, limit, skip int64) ([]*CallPayload, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if skip < 0 {
		skip = 0
	}

	records, err := b.calls.History(ctx, userID, callType, limit, skip)
	if err != nil {
		return nil, false, fmt.Errorf("load call history: %w", err)
	}

	out := make([]*CallPayload, 0, len(records))
	for _, c := range records {
		direction := "incoming"
		if c.CallerID.Hex() == userID {
			direction = "outgoing"
		}
		p := b.toPayload(ctx, c, direction)
		p.IsMissed = direction == "incoming" && c.Status == data.CallMissed
		out = append(out, p)
	}
	return out, int64(len(records)) == limit, nil
}

// Missed returns calls the user never picked up.
func (b *Broker) Missed(ctx context.Context, userID string, limit, skip int64) ([]*CallPayload, bool, error) {
	if limit <= 0 {
		limit = 20
	}
	if skip < 0 {
		skip = 0
	}

	records, err := b.calls.Missed(ctx, userID, limit, skip)
	if err != nil {
		return nil, false, fmt.Errorf("load missed calls: %w", err)
	}

	out := make([]*CallPayload, 0, len(records))
	for _, c := range records {
		out = append(out, b.toPayload(ctx, c, "incoming"))
	}
	return out, int64(len(records)) == limit, nil
}

// DeleteRecord removes a finished call from the log. Participants only.
func (b *Broker) DeleteRecord(ctx context.Context, userID, callID string) error {
	call, err := b.calls.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if call.CallerID.Hex() != userID && call.ReceiverID.Hex() != userID {
		return fmt.Errorf("%w: not a participant of this call", data.ErrForbidden)
	}
	return b.calls.Delete(ctx, callID)
}

func (b *Broker) toPayload(ctx context.Context, c *data.Call, direction string) *CallPayload {
	summaries, err := b.users.Summaries(ctx, []string{c.CallerID.Hex(), c.ReceiverID.Hex()})
	if err != nil {
		b.log.Errorw("failed to resolve call participant summaries", "callId", c.ID.Hex(), "error", err)
		summaries = map[string]*data.UserSummary{}
	}
	return &CallPayload{
		ID:         c.ID.Hex(),
		CallerID:   c.CallerID.Hex(),
		ReceiverID: c.ReceiverID.Hex(),
		Caller:     summaries[c.CallerID.Hex()],
		Receiver:   summaries[c.ReceiverID.Hex()],
		CallType:   c.CallType,
		Status:     c.Status,
		Duration:   c.Duration,
		StartedAt:  c.StartedAt,
		EndedAt:    c.EndedAt,
		CreatedAt:  c.CreatedAt,
		Direction:  direction,
	}
}
