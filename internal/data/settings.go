package data

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// RoomKey builds the order-independent identifier for an unordered pair of
// user ids. Exactly one chat setting row exists per room key.
func RoomKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// ChatSettingsStore provides per-pair chat configuration operations.
type ChatSettingsStore struct {
	coll *mongo.Collection
}

// NewChatSettingsStore returns a ChatSettingsStore using the given collection.
func NewChatSettingsStore(coll *mongo.Collection) *ChatSettingsStore {
	return &ChatSettingsStore{coll: coll}
}

// Upsert creates or updates the single setting row for a pair and returns the
// resulting document. Keyed by room key so concurrent configuration calls for
// the same pair converge on one row.
func (s *ChatSettingsStore) Upsert(ctx context.Context, initiatorID, partnerID string, timerSeconds int64) (*ChatSetting, error) {
	a, err := parseID(initiatorID)
	if err != nil {
		return nil, err
	}
	b, err := parseID(partnerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	roomKey := RoomKey(initiatorID, partnerID)

	update := bson.M{
		"$set": bson.M{
			"timer_seconds": timerSeconds,
			"updated_by":    a,
			"updated_at":    now,
		},
		"$setOnInsert": bson.M{
			"room_key":     roomKey,
			"participants": []bson.ObjectID{a, b},
			"created_at":   now,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var setting ChatSetting
	err = s.coll.FindOneAndUpdate(ctx, bson.M{"room_key": roomKey}, update, opts).Decode(&setting)
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

// FindByPair returns the setting for an unordered pair, or ErrNotFound. A
// missing row means the default standard mode with no expiry.
func (s *ChatSettingsStore) FindByPair(ctx context.Context, userA, userB string) (*ChatSetting, error) {
	var setting ChatSetting
	err := s.coll.FindOne(ctx, bson.M{"room_key": RoomKey(userA, userB)}).Decode(&setting)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &setting, nil
}

// TouchLastMessage advances the pair's last-message marker and, when a timer
// is active, its next expiry horizon. A missing row is a no-op: pairs without
// a setting are standard and carry nothing to advance.
func (s *ChatSettingsStore) TouchLastMessage(ctx context.Context, userA, userB string, at time.Time) error {
	roomKey := RoomKey(userA, userB)

	var setting ChatSetting
	err := s.coll.FindOne(ctx, bson.M{"room_key": roomKey}).Decode(&setting)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return err
	}

	set := bson.M{"last_message_at": at, "updated_at": time.Now()}
	if setting.TimerSeconds > 0 {
		set["expires_at"] = at.Add(time.Duration(setting.TimerSeconds) * time.Second)
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"room_key": roomKey}, bson.M{"$set": set})
	return err
}
