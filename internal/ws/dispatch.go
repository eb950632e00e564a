package ws

import (
	"context"
	"encoding/json"

	"github.com/mpetrov/chatcore/internal/calls"
	"github.com/mpetrov/chatcore/internal/hub"
	"github.com/mpetrov/chatcore/internal/relay"
)

// dispatch routes one inbound frame to its handler. Failures go back to the
// invoking connection only, as a structured error event.
func (h *Handler) dispatch(ctx context.Context, c *Client, in Inbound) {
	var err error

	switch in.Event {
	case KindSendMessage:
		err = h.handleSendMessage(ctx, c, in.Data)
	case KindGetChatHistory:
		err = h.handleGetChatHistory(ctx, c, in.Data)
	case KindGetMyChats:
		h.relay.PushMyChats(ctx, c.userID)
	case KindTyping:
		err = h.handleTyping(c, in.Data)
	case KindDeleteMessage:
		err = h.handleDeleteMessage(ctx, c, in.Data)
	case KindInitiateCall:
		err = h.handleInitiateCall(ctx, c, in.Data)
	case KindAcceptCall:
		err = h.handleCallAction(ctx, c, in.Data, h.calls.Accept)
	case KindRejectCall:
		err = h.handleCallAction(ctx, c, in.Data, h.calls.Reject)
	case KindEndCall:
		err = h.handleCallAction(ctx, c, in.Data, h.calls.End)
	case KindSendOffer:
		err = h.handleSignal(c, in.Data, h.calls.RelayOffer)
	case KindSendAnswer:
		err = h.handleSignal(c, in.Data, h.calls.RelayAnswer)
	case KindSendIceCandidate:
		err = h.handleSignal(c, in.Data, h.calls.RelayCandidate)
	case KindUpdateChatSettings:
		err = h.handleUpdateChatSettings(ctx, c, in.Data)
	case KindGetChatSettings:
		err = h.handleGetChatSettings(ctx, c, in.Data)
	default:
		_ = c.Send(hub.Event{Name: EventError, Data: ErrorPayload{
			Event: in.Event,
			Error: "unknown event",
		}})
		return
	}

	if err != nil {
		_ = c.Send(hub.Event{Name: EventError, Data: ErrorPayload{
			Event: in.Event,
			Error: err.Error(),
		}})
	}
}

func (h *Handler) handleSendMessage(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p sendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	_, _, err := h.relay.Send(ctx, c.userID, p.ReceiverID, p.Text, p.File)
	return err
}

func (h *Handler) handleGetChatHistory(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p historyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	page, err := h.relay.History(ctx, c.userID, p.OtherUserID, p.Limit, p.Skip)
	if err != nil {
		return err
	}
	return c.Send(hub.Event{Name: relay.EventChatHistory, Data: page})
}

// handleTyping relays typing indicators without persistence.
func (h *Handler) handleTyping(c *Client, raw json.RawMessage) error {
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.ReceiverID == "" {
		return nil
	}
	h.hub.SendToUser(p.ReceiverID, hub.Event{Name: EventUserTyping, Data: TypingIndicator{
		UserID:   c.userID,
		IsTyping: p.IsTyping,
	}})
	return nil
}

func (h *Handler) handleDeleteMessage(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p deleteMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	return h.relay.Delete(ctx, c.userID, p.MessageID)
}

func (h *Handler) handleInitiateCall(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p initiateCallPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	payload, reachable, err := h.calls.Initiate(ctx, c.userID, p.ReceiverID, p.CallType)
	if err != nil {
		return err
	}
	if !reachable {
		// The record exists either way; the initiator just learns nobody rang.
		_ = c.Send(hub.Event{Name: calls.EventUserNotAvailable, Data: map[string]string{
			"callId":  payload.ID,
			"message": "User is offline",
		}})
	}
	return nil
}

func (h *Handler) handleCallAction(ctx context.Context, c *Client, raw json.RawMessage,
	action func(ctx context.Context, callID, byID string) (*calls.CallPayload, error)) error {
	var p callActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	_, err := action(ctx, p.CallID, c.userID)
	return err
}

func (h *Handler) handleSignal(c *Client, raw json.RawMessage,
	relayFn func(fromID, toID, callID string, payload json.RawMessage) int) error {
	var p signalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.To == "" {
		return nil
	}
	relayFn(c.userID, p.To, p.CallID, p.Payload)
	return nil
}

func (h *Handler) handleUpdateChatSettings(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p settingsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	var timer int64
	if p.TimerSeconds != nil {
		timer = *p.TimerSeconds
	}
	_, err := h.chatmode.Upsert(ctx, c.userID, p.PartnerID, timer)
	return err
}

func (h *Handler) handleGetChatSettings(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p settingsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	setting, err := h.chatmode.Resolve(ctx, c.userID, p.PartnerID)
	if err != nil {
		return err
	}
	return c.Send(hub.Event{Name: EventChatSettings, Data: setting})
}
