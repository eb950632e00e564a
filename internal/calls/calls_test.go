package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/hub"
)

// fakeCallStore mirrors the conditional-update semantics of the real store:
// Answer requires no-answer, End requires ended_at to be unset.
type fakeCallStore struct {
	calls map[string]*data.Call
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{calls: map[string]*data.Call{}}
}

func (f *fakeCallStore) Create(_ context.Context, callerID, receiverID, callType string) (*data.Call, error) {
	cid, _ := bson.ObjectIDFromHex(callerID)
	rid, _ := bson.ObjectIDFromHex(receiverID)
	call := &data.Call{
		ID:         bson.NewObjectID(),
		CallerID:   cid,
		ReceiverID: rid,
		CallType:   callType,
		Status:     data.CallNoAnswer,
		CreatedAt:  time.Now(),
	}
	f.calls[call.ID.Hex()] = call
	return call, nil
}

func (f *fakeCallStore) GetByID(_ context.Context, id string) (*data.Call, error) {
	c, ok := f.calls[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCallStore) Answer(_ context.Context, id, status string, at time.Time) (*data.Call, error) {
	c, ok := f.calls[id]
	if !ok || c.Status != data.CallNoAnswer {
		return nil, fmt.Errorf("%w: call already processed", data.ErrInvalidState)
	}
	c.Status = status
	switch status {
	case data.CallCompleted:
		c.StartedAt = &at
	case data.CallRejected:
		c.EndedAt = &at
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCallStore) End(_ context.Context, id, fromStatus, status string, endedAt time.Time, duration int64) (*data.Call, error) {
	c, ok := f.calls[id]
	if !ok || c.EndedAt != nil || c.Status != fromStatus {
		return nil, fmt.Errorf("%w: call state changed", data.ErrInvalidState)
	}
	c.Status = status
	c.EndedAt = &endedAt
	c.Duration = duration
	cp := *c
	return &cp, nil
}

func (f *fakeCallStore) History(_ context.Context, userID, callType string, limit, skip int64) ([]*data.Call, error) {
	var out []*data.Call
	for _, c := range f.calls {
		if c.CallerID.Hex() != userID && c.ReceiverID.Hex() != userID {
			continue
		}
		if callType != "" && c.CallType != callType {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCallStore) Missed(_ context.Context, userID string, limit, skip int64) ([]*data.Call, error) {
	var out []*data.Call
	for _, c := range f.calls {
		if c.ReceiverID.Hex() == userID && c.Status == data.CallMissed {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCallStore) Delete(_ context.Context, id string) error {
	if _, ok := f.calls[id]; !ok {
		return data.ErrNotFound
	}
	delete(f.calls, id)
	return nil
}

type fakeUserStore struct {
	known map[string]*data.UserSummary
}

func (f *fakeUserStore) UserExists(_ context.Context, id string) (bool, error) {
	_, ok := f.known[id]
	return ok, nil
}

func (f *fakeUserStore) Summaries(_ context.Context, ids []string) (map[string]*data.UserSummary, error) {
	out := map[string]*data.UserSummary{}
	for _, id := range ids {
		if s, ok := f.known[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

type fakeFanout struct {
	sent    map[string][]hub.Event
	offline map[string]bool
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{sent: map[string][]hub.Event{}, offline: map[string]bool{}}
}

func (f *fakeFanout) SendToUser(userID string, ev hub.Event) int {
	f.sent[userID] = append(f.sent[userID], ev)
	if f.offline[userID] {
		return 0
	}
	return 1
}

func (f *fakeFanout) last(userID string) *hub.Event {
	evs := f.sent[userID]
	if len(evs) == 0 {
		return nil
	}
	return &evs[len(evs)-1]
}

func newTestBroker(t *testing.T) (*Broker, *fakeCallStore, *fakeFanout, string, string) {
	t.Helper()
	alice := bson.NewObjectID().Hex()
	bob := bson.NewObjectID().Hex()

	store := newFakeCallStore()
	users := &fakeUserStore{known: map[string]*data.UserSummary{
		alice: {ID: alice, Username: "alice"},
		bob:   {ID: bob, Username: "bob"},
	}}
	fanout := newFakeFanout()

	return NewBroker(store, users, fanout, zap.NewNop().Sugar()), store, fanout, alice, bob
}

func TestBroker_InitiateRingsReceiver(t *testing.T) {
	b, _, fanout, alice, bob := newTestBroker(t)

	payload, reachable, err := b.Initiate(context.Background(), alice, bob, data.CallVideo)
	require.NoError(t, err)
	assert.True(t, reachable)
	assert.Equal(t, data.CallNoAnswer, payload.Status)
	assert.Equal(t, "alice", payload.Caller.Username)

	ring := fanout.last(bob)
	require.NotNil(t, ring)
	assert.Equal(t, EventIncomingCall, ring.Name)
}

func TestBroker_InitiateValidation(t *testing.T) {
	b, store, _, alice, bob := newTestBroker(t)

	_, _, err := b.Initiate(context.Background(), alice, alice, data.CallAudio)
	assert.ErrorIs(t, err, data.ErrInvalidMessage, "self-call must be rejected")

	_, _, err = b.Initiate(context.Background(), alice, bob, "hologram")
	assert.ErrorIs(t, err, data.ErrInvalidMessage)

	_, _, err = b.Initiate(context.Background(), alice, bson.NewObjectID().Hex(), data.CallAudio)
	assert.ErrorIs(t, err, data.ErrNotFound)

	assert.Empty(t, store.calls, "rejected initiations must not create records")
}

func TestBroker_InitiateToOfflineReceiver(t *testing.T) {
	b, store, fanout, alice, bob := newTestBroker(t)
	fanout.offline[bob] = true

	_, reachable, err := b.Initiate(context.Background(), alice, bob, data.CallAudio)
	require.NoError(t, err)
	assert.False(t, reachable)
	assert.Len(t, store.calls, 1, "record exists either way and resolves to missed/cancelled")
}

func TestBroker_AcceptOnlyByReceiver(t *testing.T) {
	b, _, fanout, alice, bob := newTestBroker(t)

	payload, _, err := b.Initiate(context.Background(), alice, bob, data.CallVideo)
	require.NoError(t, err)

	_, err = b.Accept(context.Background(), payload.ID, alice)
	assert.ErrorIs(t, err, data.ErrForbidden)

	accepted, err := b.Accept(context.Background(), payload.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, data.CallCompleted, accepted.Status)
	assert.NotNil(t, accepted.StartedAt)

	notice := fanout.last(alice)
	require.NotNil(t, notice)
	assert.Equal(t, EventCallAccepted, notice.Name)

	// the race is already decided
	_, err = b.Reject(context.Background(), payload.ID, bob)
	assert.ErrorIs(t, err, data.ErrInvalidState)
}

func TestBroker_RejectNotifiesCaller(t *testing.T) {
	b, _, fanout, alice, bob := newTestBroker(t)

	payload, _, err := b.Initiate(context.Background(), alice, bob, data.CallAudio)
	require.NoError(t, err)

	rejected, err := b.Reject(context.Background(), payload.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, data.CallRejected, rejected.Status)
	assert.NotNil(t, rejected.EndedAt)

	notice := fanout.last(alice)
	require.NotNil(t, notice)
	assert.Equal(t, EventCallRejected, notice.Name)
}

func TestBroker_EndResolvesRingingCall(t *testing.T) {
	b, _, fanout, alice, bob := newTestBroker(t)

	// caller hangs up while ringing: cancelled
	p1, _, err := b.Initiate(context.Background(), alice, bob, data.CallAudio)
	require.NoError(t, err)
	ended, err := b.End(context.Background(), p1.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, data.CallCancelled, ended.Status)
	assert.Zero(t, ended.Duration)

	// receiver dismisses while ringing: missed
	p2, _, err := b.Initiate(context.Background(), alice, bob, data.CallAudio)
	require.NoError(t, err)
	ended, err = b.End(context.Background(), p2.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, data.CallMissed, ended.Status)

	// the other side hears about the hangup
	notice := fanout.last(alice)
	require.NotNil(t, notice)
	assert.Equal(t, EventCallEnded, notice.Name)
}

func TestBroker_EndAcceptedCallKeepsStatusAndDuration(t *testing.T) {
	b, store, _, alice, bob := newTestBroker(t)

	payload, _, err := b.Initiate(context.Background(), alice, bob, data.CallVideo)
	require.NoError(t, err)
	_, err = b.Accept(context.Background(), payload.ID, bob)
	require.NoError(t, err)

	// backdate the start so the duration is measurable
	started := time.Now().Add(-90 * time.Second)
	store.calls[payload.ID].StartedAt = &started

	ended, err := b.End(context.Background(), payload.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, data.CallCompleted, ended.Status)
	assert.InDelta(t, 90, ended.Duration, 2)

	// End is single-shot
	_, err = b.End(context.Background(), payload.ID, bob)
	assert.ErrorIs(t, err, data.ErrInvalidState)
}

// racingAcceptStore applies an accept between the broker's read and its
// conditional end, reproducing a receiver picking up while the caller hangs
// up.
type racingAcceptStore struct {
	*fakeCallStore
	raced bool
}

func (r *racingAcceptStore) GetByID(ctx context.Context, id string) (*data.Call, error) {
	snapshot, err := r.fakeCallStore.GetByID(ctx, id)
	if err != nil || r.raced {
		return snapshot, err
	}
	r.raced = true
	_, _ = r.fakeCallStore.Answer(ctx, id, data.CallCompleted, time.Now().Add(-30*time.Second))
	return snapshot, nil
}

func TestBroker_EndRacingAcceptKeepsCompleted(t *testing.T) {
	alice := bson.NewObjectID().Hex()
	bob := bson.NewObjectID().Hex()

	store := &racingAcceptStore{fakeCallStore: newFakeCallStore()}
	users := &fakeUserStore{known: map[string]*data.UserSummary{
		alice: {ID: alice, Username: "alice"},
		bob:   {ID: bob, Username: "bob"},
	}}
	b := NewBroker(store, users, newFakeFanout(), zap.NewNop().Sugar())

	payload, _, err := b.Initiate(context.Background(), alice, bob, data.CallAudio)
	require.NoError(t, err)

	// The caller's hangup observes a ringing call, but bob's accept wins the
	// store race; the end must resolve against the accepted state.
	ended, err := b.End(context.Background(), payload.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, data.CallCompleted, ended.Status, "a racing accept must not be recorded as cancelled")
	assert.InDelta(t, 30, ended.Duration, 2)
}

func TestBroker_EndByOutsiderForbidden(t *testing.T) {
	b, _, _, alice, bob := newTestBroker(t)

	payload, _, err := b.Initiate(context.Background(), alice, bob, data.CallAudio)
	require.NoError(t, err)

	_, err = b.End(context.Background(), payload.ID, bson.NewObjectID().Hex())
	assert.ErrorIs(t, err, data.ErrForbidden)
}

func TestBroker_SignalRelayIsOpaque(t *testing.T) {
	b, _, fanout, alice, bob := newTestBroker(t)

	offer := json.RawMessage(`{"sdp":"v=0...","type":"offer"}`)
	delivered := b.RelayOffer(alice, bob, "call-1", offer)
	assert.Equal(t, 1, delivered)

	ev := fanout.last(bob)
	require.NotNil(t, ev)
	assert.Equal(t, EventReceiveOffer, ev.Name)

	sig := ev.Data.(Signal)
	assert.Equal(t, alice, sig.From)
	assert.Equal(t, "call-1", sig.CallID)
	assert.JSONEq(t, string(offer), string(sig.Payload), "payload must pass through untouched")

	b.RelayAnswer(bob, alice, "call-1", json.RawMessage(`{"type":"answer"}`))
	assert.Equal(t, EventReceiveAnswer, fanout.last(alice).Name)

	b.RelayCandidate(alice, bob, "call-1", json.RawMessage(`{"candidate":"..."}`))
	assert.Equal(t, EventReceiveCandidate, fanout.last(bob).Name)
}

func TestBroker_HistoryDirectionAndMissedFlag(t *testing.T) {
	b, _, _, alice, bob := newTestBroker(t)

	p, _, err := b.Initiate(context.Background(), alice, bob, data.CallAudio)
	require.NoError(t, err)
	_, err = b.End(context.Background(), p.ID, bob)
	require.NoError(t, err)

	fromCaller, _, err := b.History(context.Background(), alice, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, fromCaller, 1)
	assert.Equal(t, "outgoing", fromCaller[0].Direction)
	assert.False(t, fromCaller[0].IsMissed, "missed is the receiver's view only")

	fromReceiver, _, err := b.History(context.Background(), bob, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, fromReceiver, 1)
	assert.Equal(t, "incoming", fromReceiver[0].Direction)
	assert.True(t, fromReceiver[0].IsMissed)

	missed, _, err := b.Missed(context.Background(), bob, 10, 0)
	require.NoError(t, err)
	assert.Len(t, missed, 1)
}

func TestBroker_DeleteRecordParticipantsOnly(t *testing.T) {
	b, store, _, alice, bob := newTestBroker(t)

	p, _, err := b.Initiate(context.Background(), alice, bob, data.CallAudio)
	require.NoError(t, err)

	err = b.DeleteRecord(context.Background(), bson.NewObjectID().Hex(), p.ID)
	assert.ErrorIs(t, err, data.ErrForbidden)

	require.NoError(t, b.DeleteRecord(context.Background(), bob, p.ID))
	assert.Empty(t, store.calls)
}
