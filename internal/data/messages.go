package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations.
type MessagesStore struct {
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using the given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// pairFilter matches messages exchanged between two users in either direction.
func pairFilter(a, b bson.ObjectID) bson.M {
	return bson.M{
		"$or": bson.A{
			bson.M{"sender_id": a, "receiver_id": b},
			bson.M{"sender_id": b, "receiver_id": a},
		},
	}
}

// notExpiredFilter excludes rows whose expires_at has already passed. Rows
// with no expiry always match.
func notExpiredFilter(now time.Time) bson.M {
	return bson.M{
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": now}},
		},
	}
}

// Save inserts a message document and returns it with the generated id.
func (m *MessagesStore) Save(ctx context.Context, senderID, receiverID, text string, file *FileAttachment, expiresAt *time.Time) (*Message, error) {
	sid, err := parseID(senderID)
	if err != nil {
		return nil, err
	}
	rid, err := parseID(receiverID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		SenderID:   sid,
		ReceiverID: rid,
		Text:       text,
		File:       file,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
	}

	result, err := m.coll.InsertOne(ctx, msg)
	if err != nil {
		return nil, err
	}
	msg.ID = result.InsertedID.(bson.ObjectID)
	return msg, nil
}

// GetByID returns a single message.
func (m *MessagesStore) GetByID(ctx context.Context, id string) (*Message, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var msg Message
	err = m.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &msg, nil
}

// History returns a page of messages between two users, oldest-first within
// the page, excluding expired rows. The page is selected newest-first (skip
// then limit) and reversed so clients render chronologically.
func (m *MessagesStore) History(ctx context.Context, userID, otherID string, limit, skip int64, now time.Time) ([]*Message, error) {
	a, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	b, err := parseID(otherID)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"$and": bson.A{pairFilter(a, b), notExpiredFilter(now)}}
	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetSkip(skip).
		SetLimit(limit)

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Conversations aggregates the latest non-expired message per conversation
// partner, most recent conversation first.
func (m *MessagesStore) Conversations(ctx context.Context, userID string, limit int64, now time.Time) ([]*ConversationRow, error) {
	uid, err := parseID(userID)
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"sender_id": uid},
				bson.M{"receiver_id": uid},
			}},
			notExpiredFilter(now),
		}}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "$cond", Value: bson.A{
					bson.D{{Key: "$eq", Value: bson.A{"$sender_id", uid}}},
					"$receiver_id",
					"$sender_id",
				}},
			}},
			{Key: "last", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "last.created_at", Value: -1}}}},
		bson.D{{Key: "$limit", Value: limit}},
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var raw []struct {
		Partner bson.ObjectID `bson:"_id"`
		Last    *Message      `bson:"last"`
	}
	if err = cursor.All(ctx, &raw); err != nil {
		return nil, err
	}

	rows := make([]*ConversationRow, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, &ConversationRow{PartnerID: r.Partner.Hex(), Last: r.Last})
	}
	return rows, nil
}

// Delete physically removes a message row.
func (m *MessagesStore) Delete(ctx context.Context, id string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	result, err := m.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return nil
}

// FindExpired returns up to batch messages whose expiry has passed.
func (m *MessagesStore) FindExpired(ctx context.Context, now time.Time, batch int64) ([]*Message, error) {
	filter := bson.M{"expires_at": bson.M{"$ne": nil, "$lte": now}}
	cursor, err := m.coll.Find(ctx, filter, options.Find().SetLimit(batch))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// DeleteByIDs removes a batch of messages in one set-based operation.
func (m *MessagesStore) DeleteByIDs(ctx context.Context, ids []bson.ObjectID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := m.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

// ApplyTimer retroactively reconciles a pair's messages with a newly set
// disappearing timer: rows already older than the threshold are removed, the
// remainder get expires_at = created_at + timer where not already stamped.
func (m *MessagesStore) ApplyTimer(ctx context.Context, userID, otherID string, timerSeconds int64, now time.Time) error {
	a, err := parseID(userID)
	if err != nil {
		return err
	}
	b, err := parseID(otherID)
	if err != nil {
		return err
	}

	pair := pairFilter(a, b)
	cutoff := now.Add(-time.Duration(timerSeconds) * time.Second)

	if _, err := m.coll.DeleteMany(ctx, bson.M{"$and": bson.A{
		pair,
		bson.M{"created_at": bson.M{"$lt": cutoff}},
	}}); err != nil {
		return err
	}

	// Update pipeline so existing explicit expirations are preserved.
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"expires_at": bson.M{"$cond": bson.A{
				bson.M{"$ifNull": bson.A{"$expires_at", false}},
				"$expires_at",
				bson.M{"$dateAdd": bson.M{
					"startDate": "$created_at",
					"unit":      "second",
					"amount":    timerSeconds,
				}},
			}},
		}},
	}
	_, err = m.coll.UpdateMany(ctx, pair, pipeline)
	return err
}

// ClearTimer removes expiry stamps from every message of a pair.
func (m *MessagesStore) ClearTimer(ctx context.Context, userID, otherID string) error {
	a, err := parseID(userID)
	if err != nil {
		return err
	}
	b, err := parseID(otherID)
	if err != nil {
		return err
	}
	_, err = m.coll.UpdateMany(ctx, pairFilter(a, b), bson.M{"$unset": bson.M{"expires_at": ""}})
	return err
}
