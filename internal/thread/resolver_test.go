package thread

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chatsync/internal/model"
	"chatsync/internal/store"
	"chatsync/internal/thread/mocks"
)

func ptr(v int64) *int64 { return &v }

// loopStub collects posted closures and runs them on demand, standing in
// for the session loop.
type loopStub struct {
	posted chan func()
}

func newLoopStub() *loopStub {
	return &loopStub{posted: make(chan func(), 8)}
}

func (l *loopStub) post(fn func()) { l.posted <- fn }

func (l *loopStub) runOne(t *testing.T) {
	t.Helper()
	select {
	case fn := <-l.posted:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("no task posted to loop")
	}
}

func TestResolveNoThreadRoot(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store.New(1, zerolog.Nop())
	fetch := mocks.NewMockFetcher(ctrl) // no calls expected
	r := New(st, fetch, func(fn func()) { fn() }, zerolog.Nop())

	r.Resolve(context.Background(), model.Message{ID: 2, RoomID: 1, Sender: "a"}, nil)
}

func TestResolveParentAlreadyPresent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store.New(1, zerolog.Nop())
	st.Upsert(model.Message{ID: 5, RoomID: 1, Sender: "bob", Content: "root"})

	fetch := mocks.NewMockFetcher(ctrl)
	r := New(st, fetch, func(fn func()) { fn() }, zerolog.Nop())

	r.Resolve(context.Background(), model.Message{ID: 20, RoomID: 1, Sender: "a", ThreadRootID: ptr(5)}, nil)
}

func TestResolveInlineParent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store.New(1, zerolog.Nop())
	fetch := mocks.NewMockFetcher(ctrl)
	r := New(st, fetch, func(fn func()) { fn() }, zerolog.Nop())

	parent := model.Message{ID: 5, RoomID: 1, Sender: "bob", Content: "root"}
	r.Resolve(context.Background(), model.Message{ID: 20, RoomID: 1, Sender: "a", ThreadRootID: ptr(5)}, &parent)

	got, ok := st.Get(5)
	require.True(t, ok)
	assert.Equal(t, "root", got.Content)
}

func TestResolveFetchesMissingParent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store.New(1, zerolog.Nop())
	loop := newLoopStub()
	fetch := mocks.NewMockFetcher(ctrl)
	fetch.EXPECT().
		MessageByID(gomock.Any(), int64(5)).
		Return(model.Message{ID: 5, RoomID: 1, Sender: "bob", Content: "root"}, nil).
		Times(1)

	r := New(st, fetch, loop.post, zerolog.Nop())
	r.Resolve(context.Background(), model.Message{ID: 20, RoomID: 1, Sender: "a", ThreadRootID: ptr(5)}, nil)

	// The child renders without its quote until the fetch lands.
	assert.False(t, st.Contains(5))

	loop.runOne(t)
	assert.True(t, st.Contains(5))
}

func TestResolveFetchFailureIsTolerated(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store.New(1, zerolog.Nop())
	fetched := make(chan struct{})
	fetch := mocks.NewMockFetcher(ctrl)
	fetch.EXPECT().
		MessageByID(gomock.Any(), int64(5)).
		DoAndReturn(func(context.Context, int64) (model.Message, error) {
			close(fetched)
			return model.Message{}, errors.New("network down")
		}).
		Times(1)

	r := New(st, fetch, func(fn func()) { fn() }, zerolog.Nop())
	r.Resolve(context.Background(), model.Message{ID: 20, RoomID: 1, Sender: "a", ThreadRootID: ptr(5)}, nil)

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never issued")
	}
	assert.False(t, st.Contains(5))
}

func TestResolveDeduplicatesInFlightFetches(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store.New(1, zerolog.Nop())
	loop := newLoopStub()
	release := make(chan struct{})
	fetch := mocks.NewMockFetcher(ctrl)
	fetch.EXPECT().
		MessageByID(gomock.Any(), int64(5)).
		DoAndReturn(func(context.Context, int64) (model.Message, error) {
			<-release
			return model.Message{ID: 5, RoomID: 1, Sender: "bob", Content: "root"}, nil
		}).
		Times(1)

	r := New(st, fetch, loop.post, zerolog.Nop())
	child1 := model.Message{ID: 20, RoomID: 1, Sender: "a", ThreadRootID: ptr(5)}
	child2 := model.Message{ID: 21, RoomID: 1, Sender: "c", ThreadRootID: ptr(5)}
	r.Resolve(context.Background(), child1, nil)
	r.Resolve(context.Background(), child2, nil)

	close(release)
	loop.runOne(t)
	assert.True(t, st.Contains(5))
}

func TestResolveSkipsTombstonedParent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store.New(1, zerolog.Nop())
	st.Remove(5) // parent was revoked

	fetch := mocks.NewMockFetcher(ctrl) // no fetch for a dead parent
	r := New(st, fetch, func(fn func()) { fn() }, zerolog.Nop())

	r.Resolve(context.Background(), model.Message{ID: 20, RoomID: 1, Sender: "a", ThreadRootID: ptr(5)}, nil)
	assert.False(t, st.Contains(5))
}
