package chatmode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/hub"
)

type fakeSettingStore struct {
	rows map[string]*data.ChatSetting
}

func newFakeSettingStore() *fakeSettingStore {
	return &fakeSettingStore{rows: map[string]*data.ChatSetting{}}
}

func (f *fakeSettingStore) Upsert(_ context.Context, initiatorID, partnerID string, timerSeconds int64) (*data.ChatSetting, error) {
	key := data.RoomKey(initiatorID, partnerID)
	row, ok := f.rows[key]
	if !ok {
		a, _ := bson.ObjectIDFromHex(initiatorID)
		b, _ := bson.ObjectIDFromHex(partnerID)
		row = &data.ChatSetting{
			ID:           bson.NewObjectID(),
			RoomKey:      key,
			Participants: []bson.ObjectID{a, b},
			CreatedAt:    time.Now(),
		}
		f.rows[key] = row
	}
	row.TimerSeconds = timerSeconds
	row.UpdatedBy, _ = bson.ObjectIDFromHex(initiatorID)
	row.UpdatedAt = time.Now()
	return row, nil
}

func (f *fakeSettingStore) FindByPair(_ context.Context, userA, userB string) (*data.ChatSetting, error) {
	row, ok := f.rows[data.RoomKey(userA, userB)]
	if !ok {
		return nil, data.ErrNotFound
	}
	return row, nil
}

func (f *fakeSettingStore) TouchLastMessage(_ context.Context, userA, userB string, at time.Time) error {
	row, ok := f.rows[data.RoomKey(userA, userB)]
	if !ok {
		return nil
	}
	row.LastMessageAt = &at
	return nil
}

type fakeReconciler struct {
	applied []int64
	cleared int
	err     error
}

func (f *fakeReconciler) ApplyTimer(_ context.Context, _, _ string, timerSeconds int64, _ time.Time) error {
	f.applied = append(f.applied, timerSeconds)
	return f.err
}

func (f *fakeReconciler) ClearTimer(_ context.Context, _, _ string) error {
	f.cleared++
	return f.err
}

type fakeFanout struct {
	sent map[string][]hub.Event
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{sent: map[string][]hub.Event{}}
}

func (f *fakeFanout) SendToUser(userID string, ev hub.Event) int {
	f.sent[userID] = append(f.sent[userID], ev)
	return 1
}

func newTestService(t *testing.T) (*Service, *fakeSettingStore, *fakeReconciler, *fakeFanout, string, string) {
	t.Helper()
	store := newFakeSettingStore()
	rec := &fakeReconciler{}
	fanout := newFakeFanout()
	alice := bson.NewObjectID().Hex()
	bob := bson.NewObjectID().Hex()
	return NewService(store, rec, fanout, zap.NewNop().Sugar()), store, rec, fanout, alice, bob
}

func TestService_UpsertEnablesTimer(t *testing.T) {
	svc, _, rec, fanout, alice, bob := newTestService(t)

	payload, err := svc.Upsert(context.Background(), alice, bob, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), payload.TimerSeconds)
	assert.Equal(t, data.RoomKey(alice, bob), payload.RoomKey)
	assert.Equal(t, alice, payload.UpdatedBy)

	require.Equal(t, []int64{3600}, rec.applied, "existing messages must be reconciled with the new timer")
	assert.Zero(t, rec.cleared)

	// both participants hear about the change
	require.Len(t, fanout.sent[alice], 1)
	require.Len(t, fanout.sent[bob], 1)
	assert.Equal(t, EventSettingsUpdated, fanout.sent[alice][0].Name)
}

func TestService_UpsertZeroDisablesTimer(t *testing.T) {
	svc, _, rec, _, alice, bob := newTestService(t)

	_, err := svc.Upsert(context.Background(), alice, bob, 3600)
	require.NoError(t, err)

	payload, err := svc.Upsert(context.Background(), bob, alice, 0)
	require.NoError(t, err)
	assert.Zero(t, payload.TimerSeconds)
	assert.Equal(t, bob, payload.UpdatedBy)

	assert.Equal(t, 1, rec.cleared, "disabling the timer clears existing expiry stamps")
}

func TestService_UpsertValidation(t *testing.T) {
	svc, store, _, _, alice, bob := newTestService(t)

	_, err := svc.Upsert(context.Background(), alice, "", 60)
	assert.ErrorIs(t, err, data.ErrInvalidMessage)

	_, err = svc.Upsert(context.Background(), alice, alice, 60)
	assert.ErrorIs(t, err, data.ErrInvalidMessage)

	_, err = svc.Upsert(context.Background(), alice, bob, -1)
	assert.ErrorIs(t, err, data.ErrInvalidMessage)

	assert.Empty(t, store.rows, "invalid upserts must not write anything")
}

func TestService_UpsertSurvivesReconcileFailure(t *testing.T) {
	svc, _, rec, fanout, alice, bob := newTestService(t)
	rec.err = errors.New("messages collection unavailable")

	payload, err := svc.Upsert(context.Background(), alice, bob, 60)
	require.NoError(t, err, "the setting row and the reconcile are independent writes")
	assert.Equal(t, int64(60), payload.TimerSeconds)
	assert.Len(t, fanout.sent[bob], 1)
}

func TestService_ResolveMissingPairIsStandardMode(t *testing.T) {
	svc, _, _, _, alice, bob := newTestService(t)

	setting, err := svc.ResolveForPair(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Nil(t, setting, "no row means standard mode, not an error")

	payload, err := svc.Resolve(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestService_ResolveIsOrderIndependent(t *testing.T) {
	svc, _, _, _, alice, bob := newTestService(t)

	_, err := svc.Upsert(context.Background(), alice, bob, 300)
	require.NoError(t, err)

	forward, err := svc.Resolve(context.Background(), alice, bob)
	require.NoError(t, err)
	reverse, err := svc.Resolve(context.Background(), bob, alice)
	require.NoError(t, err)

	require.NotNil(t, forward)
	require.NotNil(t, reverse)
	assert.Equal(t, forward.RoomKey, reverse.RoomKey)
	assert.Equal(t, forward.TimerSeconds, reverse.TimerSeconds)
}

func TestService_NoteMessageAdvancesMarker(t *testing.T) {
	svc, store, _, _, alice, bob := newTestService(t)

	// no row: a no-op
	require.NoError(t, svc.NoteMessage(context.Background(), alice, bob, time.Now()))

	_, err := svc.Upsert(context.Background(), alice, bob, 60)
	require.NoError(t, err)

	at := time.Now()
	require.NoError(t, svc.NoteMessage(context.Background(), alice, bob, at))

	row := store.rows[data.RoomKey(alice, bob)]
	require.NotNil(t, row.LastMessageAt)
	assert.Equal(t, at, *row.LastMessageAt)
}
