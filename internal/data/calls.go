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

// CallsStore provides call record database operations.
type CallsStore struct {
	coll *mongo.Collection
}

// NewCallsStore returns a CallsStore using the given collection.
func NewCallsStore(coll *mongo.Collection) *CallsStore {
	return &CallsStore{coll: coll}
}

// Create inserts a new call record in the no-answer state.
func (c *CallsStore) Create(ctx context.Context, callerID, receiverID, callType string) (*Call, error) {
	caller, err := parseID(callerID)
	if err != nil {
		return nil, err
	}
	receiver, err := parseID(receiverID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	call := &Call{
		CallerID:   caller,
		ReceiverID: receiver,
		CallType:   callType,
		Status:     CallNoAnswer,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	result, err := c.coll.InsertOne(ctx, call)
	if err != nil {
		return nil, err
	}
	call.ID = result.InsertedID.(bson.ObjectID)
	return call, nil
}

// GetByID returns a single call record.
func (c *CallsStore) GetByID(ctx context.Context, id string) (*Call, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var call Call
	err = c.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&call)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: call %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &call, nil
}

// Answer atomically transitions a no-answer call to the given status. The
// status guard lives in the filter, so a concurrent accept/reject loses
// cleanly with ErrInvalidState instead of clobbering the record.
func (c *CallsStore) Answer(ctx context.Context, id, status string, at time.Time) (*Call, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	set := bson.M{"status": status, "updated_at": time.Now()}
	switch status {
	case CallCompleted:
		set["started_at"] = at
	case CallRejected:
		set["ended_at"] = at
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var call Call
	err = c.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "status": CallNoAnswer},
		bson.M{"$set": set}, opts).Decode(&call)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: call %s already processed", ErrInvalidState, id)
		}
		return nil, err
	}
	return &call, nil
}

// End stamps the terminal fields of a call. Both guards live in the filter:
// ended_at must still be unset and the status must match what the caller
// observed, so a terminal decision computed from a stale snapshot loses with
// ErrInvalidState instead of overwriting a concurrent accept or reject.
func (c *CallsStore) End(ctx context.Context, id, fromStatus, status string, endedAt time.Time, duration int64) (*Call, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var call Call
	err = c.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "ended_at": nil, "status": fromStatus},
		bson.M{"$set": bson.M{
			"status":     status,
			"ended_at":   endedAt,
			"duration":   duration,
			"updated_at": time.Now(),
		}}, opts).Decode(&call)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: call %s state changed", ErrInvalidState, id)
		}
		return nil, err
	}
	return &call, nil
}

// History returns a user's calls newest-first, optionally filtered by type.
func (c *CallsStore) History(ctx context.Context, userID, callType string, limit, skip int64) ([]*Call, error) {
	uid, err := parseID(userID)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"$or": bson.A{
		bson.M{"caller_id": uid},
		bson.M{"receiver_id": uid},
	}}
	if callType == CallAudio || callType == CallVideo {
		filter["call_type"] = callType
	}

	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetSkip(skip).
		SetLimit(limit)

	cursor, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var calls []*Call
	if err = cursor.All(ctx, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// Missed returns calls the user failed to pick up, newest-first.
func (c *CallsStore) Missed(ctx context.Context, userID string, limit, skip int64) ([]*Call, error) {
	uid, err := parseID(userID)
	if err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetSkip(skip).
		SetLimit(limit)

	cursor, err := c.coll.Find(ctx, bson.M{"receiver_id": uid, "status": CallMissed}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var calls []*Call
	if err = cursor.All(ctx, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// Delete removes a call record.
func (c *CallsStore) Delete(ctx context.Context, id string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	result, err := c.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: call %s", ErrNotFound, id)
	}
	return nil
}
