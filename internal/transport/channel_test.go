package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// pushServer is a minimal ws endpoint that records connections and lets the
// test write raw frames to the most recent one.
type pushServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	rooms []string
}

func newPushServer(t *testing.T) *pushServer {
	ps := &pushServer{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.rooms = append(ps.rooms, r.URL.Query().Get("room_id"))
		ps.mu.Unlock()
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http") + "/ws"
}

func (ps *pushServer) latest(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ps.mu.Lock()
		n := len(ps.conns)
		var c *websocket.Conn
		if n > 0 {
			c = ps.conns[n-1]
		}
		ps.mu.Unlock()
		if c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no websocket connection established")
	return nil
}

func mustReceive(t *testing.T, events <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestConnectCarriesRoomID(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL(), 42, zerolog.Nop())
	defer ch.Close()

	_, err := ch.Connect(context.Background())
	require.NoError(t, err)
	ps.latest(t)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, []string{"42"}, ps.rooms)
}

func TestDeliversDecodedEvents(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL(), 1, zerolog.Nop())
	defer ch.Close()

	events, err := ch.Connect(context.Background())
	require.NoError(t, err)
	server := ps.latest(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message_revoked","message_id":9}`)))

	ev := mustReceive(t, events)
	assert.Equal(t, protocol.MessageRevoked{MessageID: 9}, ev)
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL(), 1, zerolog.Nop())
	defer ch.Close()

	events, err := ch.Connect(context.Background())
	require.NoError(t, err)
	server := ps.latest(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`not json at all`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message_revoked","message_id":3}`)))

	// The bad frame vanishes; the stream keeps flowing.
	ev := mustReceive(t, events)
	assert.Equal(t, protocol.MessageRevoked{MessageID: 3}, ev)
}

func TestStreamClosesOnServerDisconnect(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL(), 1, zerolog.Nop())
	defer ch.Close()

	events, err := ch.Connect(context.Background())
	require.NoError(t, err)
	ps.latest(t).Close()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close on disconnect")
	}
}

func TestReconnectClosesPreviousConnection(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL(), 1, zerolog.Nop())
	defer ch.Close()

	first, err := ch.Connect(context.Background())
	require.NoError(t, err)
	ps.latest(t)

	// Opening the channel again must tear down the previous connection;
	// two live sockets for one room means duplicate messages.
	second, err := ch.Connect(context.Background())
	require.NoError(t, err)

	select {
	case _, ok := <-first:
		assert.False(t, ok, "first stream should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("first stream still open after reconnect")
	}

	server := ps.latest(t)
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message_revoked","message_id":5}`)))
	ev := mustReceive(t, second)
	assert.Equal(t, protocol.MessageRevoked{MessageID: 5}, ev)
}

func TestSendBeforeConnect(t *testing.T) {
	ch := NewChannel("ws://127.0.0.1:0/ws", 1, zerolog.Nop())
	err := ch.Send(context.Background(), map[string]any{"type": "ping"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
		if i < 3 {
			assert.Greater(t, d, prev/2) // grows roughly exponentially
		}
		prev = d
	}

	b.Reset()
	assert.LessOrEqual(t, b.Next(), 100*time.Millisecond)
}
