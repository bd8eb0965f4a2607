// Package notify runs the account-wide notification feed: a push
// subscription on the global room that carries unread counters, mention
// alerts and presence changes for every room the user belongs to,
// independent of which room is currently open.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/model"
	"chatsync/internal/protocol"
	"chatsync/internal/transport"
)

// Backend is the REST slice the feed needs. *api.Client satisfies it.
type Backend interface {
	Rooms(ctx context.Context) ([]model.RoomInfo, error)
	UnreadCount(ctx context.Context, roomID int64) (int, error)
}

// Transport is the push channel, dialed against the global room.
type Transport interface {
	Connect(ctx context.Context) (<-chan protocol.Event, error)
	Close() error
}

// Mention is one delivered mention alert.
type Mention struct {
	RoomID    int64
	MessageID int64
	From      model.UserID
	Content   string
	Timestamp time.Time
}

// Config assembles a Feed.
type Config struct {
	Viewer   model.UserID
	ViewerID int64

	Backend   Backend
	Transport Transport
	Logger    zerolog.Logger

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnUnread fires when a room's unread count changes.
	OnUnread func(roomID int64, count int)
	// OnMention fires for mention alerts addressed to the viewer.
	OnMention func(Mention)
	// OnPresence fires on user enter/leave for any room.
	OnPresence func(roomID int64, user model.UserID, present bool)
}

// Feed consumes the global push stream and keeps per-room unread counts.
type Feed struct {
	viewer   model.UserID
	viewerID int64

	backend Backend
	tr      Transport
	log     zerolog.Logger

	backoffBase time.Duration
	backoffMax  time.Duration

	onUnread   func(int64, int)
	onMention  func(Mention)
	onPresence func(int64, model.UserID, bool)

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	unread map[int64]int
}

func NewFeed(cfg Config) *Feed {
	return &Feed{
		viewer:      cfg.Viewer,
		viewerID:    cfg.ViewerID,
		backend:     cfg.Backend,
		tr:          cfg.Transport,
		log:         cfg.Logger.With().Str("component", "notify").Logger(),
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		onUnread:    cfg.OnUnread,
		onMention:   cfg.OnMention,
		onPresence:  cfg.OnPresence,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		unread:      make(map[int64]int),
	}
}

// Run drives the feed until the context ends or Close is called.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.done)
	defer f.tr.Close()

	backoff := transport.NewBackoff(f.backoffBase, f.backoffMax)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.quit:
			return
		default:
		}
		events, err := f.tr.Connect(ctx)
		if err != nil {
			f.log.Warn().Err(err).Msg("feed connect failed")
			if !f.sleep(ctx, backoff.Next()) {
				return
			}
			continue
		}
		backoff.Reset()

		// Counters may have moved while disconnected; the push stream only
		// carries deltas from now on, so reseed from REST once per connect.
		f.reseed(ctx)

		if !f.consume(ctx, events) {
			return
		}
		f.log.Warn().Msg("feed channel lost, reconnecting")
		if !f.sleep(ctx, backoff.Next()) {
			return
		}
	}
}

// Close stops the feed. Idempotent; safe from any goroutine.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		close(f.quit)
		f.tr.Close()
	})
	<-f.done
}

// Unread returns the last known unread count for a room.
func (f *Feed) Unread(roomID int64) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.unread[roomID]
}

// TotalUnread sums unread counts over all known rooms.
func (f *Feed) TotalUnread() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for _, n := range f.unread {
		total += n
	}
	return total
}

func (f *Feed) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-f.quit:
		return false
	case <-time.After(d):
		return true
	}
}

// reseed polls the unread counter for every room the user belongs to.
func (f *Feed) reseed(ctx context.Context) {
	rooms, err := f.backend.Rooms(ctx)
	if err != nil {
		f.log.Warn().Err(err).Msg("room list fetch failed, keeping stale counters")
		return
	}
	for _, room := range rooms {
		n, err := f.backend.UnreadCount(ctx, room.ID)
		if err != nil {
			f.log.Debug().Err(err).Int64("room", room.ID).Msg("unread poll failed")
			continue
		}
		f.setUnread(room.ID, n)
	}
}

func (f *Feed) consume(ctx context.Context, events <-chan protocol.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-f.quit:
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			f.dispatch(ev)
		}
	}
}

func (f *Feed) dispatch(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.UnreadUpdate:
		if n, ok := ev.Counts[f.viewerID]; ok {
			f.setUnread(ev.RoomID, n)
		}
	case protocol.MentionNotify:
		if ev.ToUserID != f.viewerID {
			return
		}
		if f.onMention != nil {
			f.onMention(Mention{
				RoomID:    ev.RoomID,
				MessageID: ev.MessageID,
				From:      ev.From,
				Content:   ev.Content,
				Timestamp: ev.Timestamp,
			})
		}
	case protocol.UserEntered:
		if f.onPresence != nil {
			f.onPresence(ev.RoomID, ev.User, true)
		}
	case protocol.UserLeft:
		if f.onPresence != nil {
			f.onPresence(ev.RoomID, ev.User, false)
		}
	case protocol.NewMessage, protocol.ReadUpdate, protocol.MessageRevoked:
		// Per-message traffic on the global stream belongs to room
		// sessions, not the feed.
	default:
	}
}

func (f *Feed) setUnread(roomID int64, n int) {
	f.mu.Lock()
	changed := f.unread[roomID] != n
	f.unread[roomID] = n
	f.mu.Unlock()
	if changed && f.onUnread != nil {
		f.onUnread(roomID, n)
	}
}
