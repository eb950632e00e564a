package ws

import (
	"encoding/json"

	"github.com/mpetrov/chatcore/internal/data"
)

// Kind is the closed set of inbound operations a connection may invoke.
// Dispatch switches over these exhaustively; anything else is rejected.
type Kind string

const (
	KindSendMessage        Kind = "sendMessage"
	KindGetChatHistory     Kind = "getChatHistory"
	KindGetMyChats         Kind = "getMyChats"
	KindTyping             Kind = "typing"
	KindDeleteMessage      Kind = "deleteMessage"
	KindInitiateCall       Kind = "initiateCall"
	KindAcceptCall         Kind = "acceptCall"
	KindRejectCall         Kind = "rejectCall"
	KindEndCall            Kind = "endCall"
	KindSendOffer          Kind = "sendOffer"
	KindSendAnswer         Kind = "sendAnswer"
	KindSendIceCandidate   Kind = "sendIceCandidate"
	KindUpdateChatSettings Kind = "updateChatSettings"
	KindGetChatSettings    Kind = "getChatSettings"
)

// Inbound is one frame received from a client.
type Inbound struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EventError is the structured failure event, sent only to the invoking
// connection.
const EventError = "error"

// ErrorPayload reports which operation failed and why.
type ErrorPayload struct {
	Event Kind   `json:"event,omitempty"`
	Error string `json:"error"`
}

// EventUserTyping is the relayed typing indicator.
const EventUserTyping = "userTyping"

// EventChatSettings is the reply to a settings read.
const EventChatSettings = "chatSettings"

// TypingIndicator is the outbound typing payload.
type TypingIndicator struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Inbound payload shapes.

type sendMessagePayload struct {
	ReceiverID string               `json:"receiverId"`
	Text       string               `json:"text"`
	File       *data.FileAttachment `json:"file,omitempty"`
}

type historyPayload struct {
	OtherUserID string `json:"otherUserId"`
	Limit       int64  `json:"limit"`
	Skip        int64  `json:"skip"`
}

type typingPayload struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type initiateCallPayload struct {
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

type callActionPayload struct {
	CallID string `json:"callId"`
}

type signalPayload struct {
	To      string          `json:"to"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type settingsPayload struct {
	PartnerID    string `json:"partnerId"`
	TimerSeconds *int64 `json:"timerSeconds"`
}
