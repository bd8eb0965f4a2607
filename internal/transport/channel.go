// Package transport owns the push connection: dialing, frame decode, and
// the reconnect backoff schedule. Exactly one logical channel exists per
// room per session; redialing closes the previous connection first.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatsync/internal/protocol"
)

// ErrNotConnected is returned by Send before Connect or after Close.
var ErrNotConnected = errors.New("transport: not connected")

// Channel is a websocket connection to one room's push feed. Each Connect
// yields a fresh event stream that is closed when that connection dies;
// reconnecting is the caller's decision (the sync engine re-snapshots on
// every reconnect, so the channel never redials on its own).
type Channel struct {
	wsURL  string
	roomID int64
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewChannel(wsURL string, roomID int64, log zerolog.Logger) *Channel {
	return &Channel{
		wsURL:  wsURL,
		roomID: roomID,
		dialer: websocket.DefaultDialer,
		log:    log.With().Int64("room", roomID).Logger(),
	}
}

// Connect dials the room feed, closing any previous connection first so the
// one-channel-per-room invariant holds. The returned stream is closed when
// the connection is lost or Close is called; the caller owns reconnecting.
func (c *Channel) Connect(ctx context.Context) (<-chan protocol.Event, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("transport: bad ws url: %w", err)
	}
	q := u.Query()
	q.Set("room_id", strconv.FormatInt(c.roomID, 10))
	u.RawQuery = q.Encode()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connLog := c.log.With().Str("conn", uuid.NewString()[:8]).Logger()
	connLog.Debug().Msg("channel connected")

	events := make(chan protocol.Event, 64)
	go readPump(conn, events, connLog)
	return events, nil
}

// Send writes one JSON payload to the current connection.
func (c *Channel) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(v)
}

// Close tears down the current connection. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func readPump(conn *websocket.Conn, events chan<- protocol.Event, log zerolog.Logger) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("channel read loop ended")
			return
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			// A bad frame is dropped, not a connection failure.
			log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		events <- ev
	}
}
