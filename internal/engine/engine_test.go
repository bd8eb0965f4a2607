package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chatsync/internal/engine"
	"chatsync/internal/engine/mocks"
	"chatsync/internal/model"
	"chatsync/internal/protocol"
)

// stubTransport hands out a fresh buffered event channel per Connect and
// lets the test push events or drop the connection on demand.
type stubTransport struct {
	mu     sync.Mutex
	events chan protocol.Event
	dials  int
}

func (t *stubTransport) Connect(ctx context.Context) (<-chan protocol.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.events = make(chan protocol.Event, 32)
	return t.events, nil
}

func (t *stubTransport) Send(ctx context.Context, v any) error { return nil }
func (t *stubTransport) Close() error                          { return nil }

func (t *stubTransport) push(ev protocol.Event) {
	t.mu.Lock()
	ch := t.events
	t.mu.Unlock()
	ch <- ev
}

func (t *stubTransport) drop() {
	t.mu.Lock()
	close(t.events)
	t.mu.Unlock()
}

func (t *stubTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func msg(id int64, sender model.UserID, content string) model.Message {
	return model.Message{ID: id, RoomID: 7, Sender: sender, Content: content, CreatedAt: time.Now()}
}

func reactionMsg(id int64, sender model.UserID, emoji string, target int64) model.Message {
	return msg(id, sender, model.ReactionContent(emoji, target))
}

type fixture struct {
	backend *mocks.MockBackend
	tr      *stubTransport
	session *engine.Session
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, cfg engine.Config) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	tr := &stubTransport{}

	cfg.RoomID = 7
	cfg.Viewer = "alice"
	cfg.ViewerID = 1
	cfg.Backend = backend
	cfg.Transport = tr
	cfg.Logger = zerolog.Nop()
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond

	backend.EXPECT().RoomInfo(gomock.Any(), int64(7)).
		Return(model.RoomInfo{ID: 7, RoomName: "general", IsGroup: true}, nil).AnyTimes()
	backend.EXPECT().JoinRoom(gomock.Any(), int64(7)).
		Return([]model.UserID{"alice", "bob"}, nil).AnyTimes()
	backend.EXPECT().EnterRoom(gomock.Any(), int64(7)).Return(nil).AnyTimes()
	backend.EXPECT().MarkRead(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	f := &fixture{backend: backend, tr: tr}
	f.session = engine.NewSession(cfg)
	return f
}

// start launches the session loop. Tests register their Messages
// expectations first; the loop calls it as soon as it connects.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.session.Run(ctx)
	t.Cleanup(func() {
		cancel()
		f.session.Close()
	})
}

func (f *fixture) waitLive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.session.State() == engine.Live },
		2*time.Second, 2*time.Millisecond)
}

func ids(msgs []model.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSession_SnapshotThenLive(t *testing.T) {
	f := newFixture(t, engine.Config{})

	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).
		Return([]model.Message{msg(2, "bob", "hi"), msg(1, "alice", "hello"), msg(3, "bob", "again")}, nil)

	f.start(t)
	f.waitLive(t)
	assert.Equal(t, []int64{1, 2, 3}, ids(f.session.VisibleMessages()))
	assert.Equal(t, "general", f.session.Title())
	assert.True(t, f.session.IsGroup())
	assert.Equal(t, []model.UserID{"alice", "bob"}, f.session.Members())

	f.tr.push(protocol.NewMessage{Message: msg(4, "bob", "live one")})
	require.Eventually(t, func() bool { return len(f.session.VisibleMessages()) == 4 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(f.session.VisibleMessages()))
}

func TestSession_BuffersEventsUntilSnapshotApplied(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, engine.Config{})

	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).
		DoAndReturn(func(context.Context, int64) ([]model.Message, error) {
			<-release
			return []model.Message{msg(1, "bob", "hello"), reactionMsg(5, "bob", "👍", 1)}, nil
		})

	f.start(t)
	require.Eventually(t, func() bool { return f.session.State() == engine.SyncingSnapshot },
		time.Second, 2*time.Millisecond)

	// Arrives while the snapshot is in flight. The reaction is also part of
	// the snapshot body above, so applying both must not toggle it off.
	f.tr.push(protocol.NewMessage{Message: reactionMsg(5, "bob", "👍", 1)})
	f.tr.push(protocol.NewMessage{Message: msg(6, "bob", "racing")})
	close(release)

	f.waitLive(t)
	require.Eventually(t, func() bool { return len(f.session.VisibleMessages()) == 2 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, []int64{1, 6}, ids(f.session.VisibleMessages()))

	groups := f.session.Reactions(1)
	require.Len(t, groups, 1)
	assert.Equal(t, "👍", groups[0].Emoji)
	assert.Equal(t, []model.UserID{"bob"}, groups[0].Users)
}

func TestSession_ReconnectResyncsWithoutDuplicates(t *testing.T) {
	f := newFixture(t, engine.Config{})

	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).
		Return([]model.Message{msg(1, "bob", "a"), msg(2, "bob", "b")}, nil).Times(2)

	f.start(t)
	f.waitLive(t)
	require.Equal(t, []int64{1, 2}, ids(f.session.VisibleMessages()))

	f.tr.drop()
	require.Eventually(t, func() bool {
		return f.tr.dialCount() == 2 && f.session.State() == engine.Live
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, []int64{1, 2}, ids(f.session.VisibleMessages()))
}

func TestSession_RevokedMessageStaysGoneAcrossResync(t *testing.T) {
	f := newFixture(t, engine.Config{})

	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).
		Return([]model.Message{msg(1, "bob", "a"), msg(2, "bob", "b")}, nil).Times(2)

	f.start(t)
	f.waitLive(t)
	f.tr.push(protocol.MessageRevoked{MessageID: 2})
	require.Eventually(t, func() bool { return len(f.session.VisibleMessages()) == 1 },
		time.Second, 2*time.Millisecond)

	// Resync returns the revoked message again; the tombstone wins.
	f.tr.drop()
	require.Eventually(t, func() bool {
		return f.tr.dialCount() == 2 && f.session.State() == engine.Live
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []int64{1}, ids(f.session.VisibleMessages()))
}

func TestSession_LateEventsForRevokedMessageStayUnobservable(t *testing.T) {
	f := newFixture(t, engine.Config{})

	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).
		Return([]model.Message{msg(1, "bob", "a"), msg(2, "bob", "b")}, nil)

	f.start(t)
	f.waitLive(t)

	f.tr.push(protocol.MessageRevoked{MessageID: 2})
	require.Eventually(t, func() bool { return len(f.session.VisibleMessages()) == 1 },
		time.Second, 2*time.Millisecond)

	// Events for the revoked id can still be in flight; none of them may
	// resurrect its projections.
	f.tr.push(protocol.ReadUpdate{MessageID: 2, Readers: []model.UserID{"carol"}})
	f.tr.push(protocol.NewMessage{Message: reactionMsg(9, "carol", "👍", 2)})
	f.tr.push(protocol.NewMessage{Message: msg(10, "carol", "later")})

	require.Eventually(t, func() bool { return len(f.session.VisibleMessages()) == 2 },
		time.Second, 2*time.Millisecond)
	assert.Empty(t, f.session.Readers(2))
	assert.Empty(t, f.session.Reactions(2))
}

func TestSession_ReadAndUnreadUpdates(t *testing.T) {
	f := newFixture(t, engine.Config{})

	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).
		Return([]model.Message{msg(1, "alice", "mine")}, nil)

	f.start(t)
	f.waitLive(t)
	f.tr.push(protocol.ReadUpdate{MessageID: 1, Readers: []model.UserID{"carol", "bob"}})
	f.tr.push(protocol.UnreadUpdate{RoomID: 9, Counts: map[int64]int{1: 3, 2: 7}})

	require.Eventually(t, func() bool { return len(f.session.Readers(1)) == 2 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, []model.UserID{"bob", "carol"}, f.session.Readers(1))
	require.Eventually(t, func() bool { return f.session.Unread(9) == 3 },
		time.Second, 2*time.Millisecond)
}

func TestSession_MentionRouting(t *testing.T) {
	var (
		mu       sync.Mutex
		mentions []protocol.MentionNotify
	)
	f := newFixture(t, engine.Config{
		OnMention: func(ev protocol.MentionNotify) {
			mu.Lock()
			mentions = append(mentions, ev)
			mu.Unlock()
		},
	})

	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).Return(nil, nil)
	f.start(t)
	f.waitLive(t)

	f.tr.push(protocol.MentionNotify{ToUserID: 2, MessageID: 10, RoomID: 7, From: "bob"})
	f.tr.push(protocol.MentionNotify{ToUserID: 1, MessageID: 11, RoomID: 7, From: "bob"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(mentions) == 1
	}, time.Second, 2*time.Millisecond)
	mu.Lock()
	assert.Equal(t, int64(11), mentions[0].MessageID)
	mu.Unlock()
}

func TestSession_MembershipEvents(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).Return(nil, nil)
	f.start(t)
	f.waitLive(t)

	f.tr.push(protocol.UserEntered{RoomID: 7, User: "carol"})
	f.tr.push(protocol.UserEntered{RoomID: 99, User: "mallory"})
	f.tr.push(protocol.UserLeft{RoomID: 7, User: "bob"})

	require.Eventually(t, func() bool {
		m := f.session.Members()
		return len(m) == 2 && m[0] == "alice" && m[1] == "carol"
	}, time.Second, 2*time.Millisecond)
}

func TestSession_HideRemovesLocally(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).
		Return([]model.Message{msg(1, "bob", "a"), msg(2, "bob", "b")}, nil)
	f.start(t)
	f.waitLive(t)

	f.backend.EXPECT().Hide(gomock.Any(), int64(2)).Return(nil)
	require.NoError(t, f.session.Hide(context.Background(), 2))
	require.Eventually(t, func() bool { return len(f.session.VisibleMessages()) == 1 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, []int64{1}, ids(f.session.VisibleMessages()))
}

func TestSession_ThreadParentFetchedOnDemand(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).Return(nil, nil)
	f.start(t)
	f.waitLive(t)

	root := int64(1)
	f.backend.EXPECT().MessageByID(gomock.Any(), int64(1)).
		Return(msg(1, "bob", "thread root"), nil)

	f.tr.push(protocol.NewMessage{Message: model.Message{
		ID: 2, RoomID: 7, Sender: "bob", Content: "reply", ThreadRootID: &root, CreatedAt: time.Now(),
	}})

	require.Eventually(t, func() bool { return len(f.session.VisibleMessages()) == 2 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, ids(f.session.VisibleMessages()))
}

func TestSession_SubscribeNotifies(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.backend.EXPECT().Messages(gomock.Any(), int64(7)).Return(nil, nil)
	f.start(t)
	f.waitLive(t)

	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	unsub := f.session.Subscribe(func() { once.Do(calls.Done) })
	defer unsub()

	f.tr.push(protocol.NewMessage{Message: msg(1, "bob", "ping")})
	donech := make(chan struct{})
	go func() { calls.Wait(); close(donech) }()
	select {
	case <-donech:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}
