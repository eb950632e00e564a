package data

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Account status values stored on User.
const (
	AccountActive = "active"
	AccountBanned = "banned"
)

// User maps to the users collection.
type User struct {
	ID            bson.ObjectID `bson:"_id,omitempty"`
	Username      string        `bson:"username"`
	Email         string        `bson:"email"`
	Password      string        `bson:"password"`
	AccountStatus string        `bson:"account_status"`
	IsOnline      bool          `bson:"is_online"`
	LastSeen      *time.Time    `bson:"last_seen,omitempty"`
	CreatedAt     time.Time     `bson:"created_at"`
	UpdatedAt     time.Time     `bson:"updated_at"`
}

// UserSummary is the slice of a user embedded in delivered messages and call
// payloads. Delivered messages always carry resolved participant summaries,
// never bare ids.
type UserSummary struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Email    string     `json:"email"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Summary converts a stored user into its wire form.
func (u *User) Summary() *UserSummary {
	return &UserSummary{
		ID:       u.ID.Hex(),
		Username: u.Username,
		Email:    u.Email,
		IsOnline: u.IsOnline,
		LastSeen: u.LastSeen,
	}
}

// FileAttachment describes an uploaded file referenced by a message.
type FileAttachment struct {
	URL  string `bson:"url" json:"url"`
	Type string `bson:"type" json:"type"`
	Name string `bson:"name" json:"name"`
	Size int64  `bson:"size" json:"size"`
}

// Message maps to the messages collection. ExpiresAt is null for standard
// messages; when a pair's disappearing timer is on, it is stamped at write
// time and the sweeper removes the row at-or-after that instant.
type Message struct {
	ID         bson.ObjectID   `bson:"_id,omitempty"`
	SenderID   bson.ObjectID   `bson:"sender_id"`
	ReceiverID bson.ObjectID   `bson:"receiver_id"`
	Text       string          `bson:"text"`
	File       *FileAttachment `bson:"file,omitempty"`
	ExpiresAt  *time.Time      `bson:"expires_at,omitempty"`
	CreatedAt  time.Time       `bson:"created_at"`
}

// ConversationRow is one entry of the latest-message-per-partner aggregation.
type ConversationRow struct {
	PartnerID string
	Last      *Message
}

// ChatSetting is the single per-pair configuration row, keyed by the
// canonical room key. TimerSeconds == 0 means disappearing messages are off.
type ChatSetting struct {
	ID            bson.ObjectID   `bson:"_id,omitempty"`
	RoomKey       string          `bson:"room_key"`
	Participants  []bson.ObjectID `bson:"participants"`
	TimerSeconds  int64           `bson:"timer_seconds"`
	LastMessageAt *time.Time      `bson:"last_message_at,omitempty"`
	ExpiresAt     *time.Time      `bson:"expires_at,omitempty"`
	UpdatedBy     bson.ObjectID   `bson:"updated_by,omitempty"`
	CreatedAt     time.Time       `bson:"created_at"`
	UpdatedAt     time.Time       `bson:"updated_at"`
}

// Call lifecycle states. A call starts in no-answer and finishes in exactly
// one of the terminal states.
const (
	CallNoAnswer  = "no-answer"
	CallCompleted = "completed"
	CallRejected  = "rejected"
	CallCancelled = "cancelled"
	CallMissed    = "missed"
)

// Call types.
const (
	CallAudio = "audio"
	CallVideo = "video"
)

// Call maps to the calls collection. A record is never mutated after EndedAt
// is set.
type Call struct {
	ID         bson.ObjectID `bson:"_id,omitempty"`
	CallerID   bson.ObjectID `bson:"caller_id"`
	ReceiverID bson.ObjectID `bson:"receiver_id"`
	CallType   string        `bson:"call_type"`
	Status     string        `bson:"status"`
	Duration   int64         `bson:"duration"`
	StartedAt  *time.Time    `bson:"started_at,omitempty"`
	EndedAt    *time.Time    `bson:"ended_at,omitempty"`
	CreatedAt  time.Time     `bson:"created_at"`
	UpdatedAt  time.Time     `bson:"updated_at"`
}
