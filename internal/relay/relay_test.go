package relay

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

type fakeMessageStore struct {
	messages  map[string]*data.Message
	saveErr   error
	deleteErr error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: map[string]*data.Message{}}
}

func (f *fakeMessageStore) Save(_ context.Context, senderID, receiverID, text string, file *data.FileAttachment, expiresAt *time.Time) (*data.Message, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	sid, _ := bson.ObjectIDFromHex(senderID)
	rid, _ := bson.ObjectIDFromHex(receiverID)
	msg := &data.Message{
		ID:         bson.NewObjectID(),
		SenderID:   sid,
		ReceiverID: rid,
		Text:       text,
		File:       file,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
	}
	f.messages[msg.ID.Hex()] = msg
	return msg, nil
}

func (f *fakeMessageStore) GetByID(_ context.Context, id string) (*data.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessageStore) History(_ context.Context, _, _ string, limit, skip int64, _ time.Time) ([]*data.Message, error) {
	out := make([]*data.Message, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, m)
	}
	if skip >= int64(len(out)) {
		return nil, nil
	}
	out = out[skip:]
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageStore) Conversations(_ context.Context, _ string, _ int64, _ time.Time) ([]*data.ConversationRow, error) {
	return nil, nil
}

func (f *fakeMessageStore) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.messages[id]; !ok {
		return data.ErrNotFound
	}
	delete(f.messages, id)
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

type fakeSettings struct {
	setting *data.ChatSetting
	noted   []time.Time
	noteErr error
}

func (f *fakeSettings) ResolveForPair(_ context.Context, _, _ string) (*data.ChatSetting, error) {
	return f.setting, nil
}

func (f *fakeSettings) NoteMessage(_ context.Context, _, _ string, at time.Time) error {
	f.noted = append(f.noted, at)
	return f.noteErr
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

func (f *fakeFanout) names(userID string) []string {
	var out []string
	for _, ev := range f.sent[userID] {
		out = append(out, ev.Name)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeMessageStore, *fakeUserStore, *fakeSettings, *fakeFanout, string, string) {
	t.Helper()
	alice := bson.NewObjectID().Hex()
	bob := bson.NewObjectID().Hex()

	msgs := newFakeMessageStore()
	users := &fakeUserStore{known: map[string]*data.UserSummary{
		alice: {ID: alice, Username: "alice"},
		bob:   {ID: bob, Username: "bob"},
	}}
	settings := &fakeSettings{}
	fanout := newFakeFanout()

	svc := NewService(msgs, users, settings, fanout, zap.NewNop().Sugar())
	return svc, msgs, users, settings, fanout, alice, bob
}

func TestService_SendFansOutToBothSides(t *testing.T) {
	svc, _, _, settings, fanout, alice, bob := newTestService(t)

	payload, reachable, err := svc.Send(context.Background(), alice, bob, "hi bob", nil)
	require.NoError(t, err)
	assert.True(t, reachable)
	assert.Nil(t, payload.ExpiresAt, "no timer means no expiry stamp")
	assert.Equal(t, "alice", payload.Sender.Username)
	assert.Equal(t, "bob", payload.Receiver.Username)

	assert.Contains(t, fanout.names(alice), EventMessageSent)
	assert.Contains(t, fanout.names(alice), EventNewMessage)
	assert.Contains(t, fanout.names(alice), EventMyChats)
	assert.Contains(t, fanout.names(bob), EventReceiveMessage)
	assert.Contains(t, fanout.names(bob), EventNewMessage)
	assert.Contains(t, fanout.names(bob), EventMyChats)

	require.Len(t, settings.noted, 1, "message activity should advance the pair setting")
}

func TestService_SendToOfflineReceiverStillPersists(t *testing.T) {
	svc, msgs, _, _, fanout, alice, bob := newTestService(t)
	fanout.offline[bob] = true

	payload, reachable, err := svc.Send(context.Background(), alice, bob, "are you there", nil)
	require.NoError(t, err)
	assert.False(t, reachable)
	assert.Len(t, msgs.messages, 1, "message waits in history for the offline receiver")
	assert.NotEmpty(t, payload.ID)
}

func TestService_SendStampsExpiryFromTimer(t *testing.T) {
	svc, _, _, settings, _, alice, bob := newTestService(t)
	settings.setting = &data.ChatSetting{TimerSeconds: 3600}

	before := time.Now()
	payload, _, err := svc.Send(context.Background(), alice, bob, "this disappears", nil)
	require.NoError(t, err)

	require.NotNil(t, payload.ExpiresAt)
	want := before.Add(time.Hour)
	assert.WithinDuration(t, want, *payload.ExpiresAt, 5*time.Second)
}

func TestService_SendValidation(t *testing.T) {
	svc, msgs, _, _, _, alice, bob := newTestService(t)

	_, _, err := svc.Send(context.Background(), alice, bob, "", nil)
	assert.ErrorIs(t, err, data.ErrInvalidMessage)

	// a file-only message is fine
	_, _, err = svc.Send(context.Background(), alice, bob, "", &data.FileAttachment{URL: "https://cdn/x.png", Type: "image/png"})
	assert.NoError(t, err)

	unknown := bson.NewObjectID().Hex()
	_, _, err = svc.Send(context.Background(), alice, unknown, "hello?", nil)
	assert.ErrorIs(t, err, data.ErrNotFound)

	assert.Len(t, msgs.messages, 1, "failed sends must not persist")
}

func TestService_DeleteSenderOnly(t *testing.T) {
	svc, msgs, _, _, fanout, alice, bob := newTestService(t)

	payload, _, err := svc.Send(context.Background(), alice, bob, "delete me", nil)
	require.NoError(t, err)

	err = svc.Delete(context.Background(), bob, payload.ID)
	assert.ErrorIs(t, err, data.ErrForbidden)
	assert.Len(t, msgs.messages, 1)

	require.NoError(t, svc.Delete(context.Background(), alice, payload.ID))
	assert.Empty(t, msgs.messages)

	// both sides learn about the manual removal
	var aliceDeletions, bobDeletions []Deletion
	for _, ev := range fanout.sent[alice] {
		if ev.Name == EventMessageDeleted {
			aliceDeletions = append(aliceDeletions, ev.Data.(Deletion))
		}
	}
	for _, ev := range fanout.sent[bob] {
		if ev.Name == EventMessageDeleted {
			bobDeletions = append(bobDeletions, ev.Data.(Deletion))
		}
	}
	require.Len(t, aliceDeletions, 1)
	require.Len(t, bobDeletions, 1)
	assert.False(t, aliceDeletions[0].Auto)
	assert.Equal(t, payload.ID, aliceDeletions[0].MessageID)
}

func TestService_DeleteMissingMessage(t *testing.T) {
	svc, _, _, _, _, alice, _ := newTestService(t)

	err := svc.Delete(context.Background(), alice, bson.NewObjectID().Hex())
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestService_HistoryPaging(t *testing.T) {
	svc, _, _, _, _, alice, bob := newTestService(t)

	for i := 0; i < 3; i++ {
		_, _, err := svc.Send(context.Background(), alice, bob, "msg", nil)
		require.NoError(t, err)
	}

	page, err := svc.History(context.Background(), alice, bob, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore, "a full page hints at more history")
	assert.Equal(t, "outgoing", page.Messages[0].Direction)

	page, err = svc.History(context.Background(), alice, bob, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)
}

func TestService_NoteFailureDoesNotFailSend(t *testing.T) {
	svc, _, _, settings, _, alice, bob := newTestService(t)
	settings.noteErr = errors.New("settings store down")

	_, _, err := svc.Send(context.Background(), alice, bob, "still goes through", nil)
	assert.NoError(t, err)
}
