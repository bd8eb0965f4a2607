// Package engine orchestrates room synchronization: snapshot load, live
// event application and reconnect recovery. One Session exists per active
// room, constructed on entry and torn down on exit; a single loop goroutine
// owns every state mutation, so ordering is the dequeue order, not
// wall-clock arrival.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/api"
	"chatsync/internal/model"
	"chatsync/internal/protocol"
	"chatsync/internal/reaction"
	"chatsync/internal/read"
	"chatsync/internal/store"
	"chatsync/internal/thread"
	"chatsync/internal/transport"
)

// Backend is the REST surface the session drives. *api.Client satisfies it.
type Backend interface {
	Messages(ctx context.Context, roomID int64) ([]model.Message, error)
	MessageByID(ctx context.Context, id int64) (model.Message, error)
	RoomInfo(ctx context.Context, roomID int64) (model.RoomInfo, error)
	JoinRoom(ctx context.Context, roomID int64) ([]model.UserID, error)
	EnterRoom(ctx context.Context, roomID int64) error
	SendMessage(ctx context.Context, roomID int64, content string, threadRootID *int64, mentions []model.UserID) error
	SendReaction(ctx context.Context, roomID, targetID int64, emoji string) error
	MarkRead(ctx context.Context, messageID int64) error
	Revoke(ctx context.Context, messageID int64) error
	Hide(ctx context.Context, messageID int64) error
}

// Transport is the push channel. *transport.Channel satisfies it.
type Transport interface {
	Connect(ctx context.Context) (<-chan protocol.Event, error)
	Send(ctx context.Context, v any) error
	Close() error
}

// Config assembles a Session.
type Config struct {
	RoomID   int64
	Viewer   model.UserID
	ViewerID int64

	Backend   Backend
	Transport Transport
	Logger    zerolog.Logger

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnMention receives mention_notify events addressed to the viewer.
	OnMention func(protocol.MentionNotify)
	// OnAuthRequired is the only propagated error path: the session is done
	// and the UI should send the user back to login.
	OnAuthRequired func(error)
}

// Session is the per-room sync engine instance.
type Session struct {
	roomID   int64
	viewer   model.UserID
	viewerID int64

	backend Backend
	tr      Transport
	log     zerolog.Logger

	store     *store.MessageStore
	reactions *reaction.Projector
	reads     *read.Tracker
	threads   *thread.Resolver

	backoffBase time.Duration
	backoffMax  time.Duration

	onMention      func(protocol.MentionNotify)
	onAuthRequired func(error)

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	state     atomic.Int32
	gen       atomic.Int64

	// Loop-owned; never touched off the loop goroutine.
	buffer          []protocol.Event
	snapshotApplied bool
	entered         bool

	mu      sync.RWMutex
	title   string
	isGroup bool
	members map[model.UserID]struct{}
	subs    map[int]func()
	nextSub int
}

func NewSession(cfg Config) *Session {
	log := cfg.Logger.With().Int64("room", cfg.RoomID).Str("viewer", cfg.Viewer).Logger()

	s := &Session{
		roomID:         cfg.RoomID,
		viewer:         cfg.Viewer,
		viewerID:       cfg.ViewerID,
		backend:        cfg.Backend,
		tr:             cfg.Transport,
		log:            log,
		store:          store.New(cfg.RoomID, log),
		reactions:      reaction.New(),
		reads:          read.New(),
		backoffBase:    cfg.BackoffBase,
		backoffMax:     cfg.BackoffMax,
		onMention:      cfg.OnMention,
		onAuthRequired: cfg.OnAuthRequired,
		tasks:          make(chan func(), 128),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		members:        make(map[model.UserID]struct{}),
		subs:           make(map[int]func()),
	}
	s.store.AddListener(s.reactions)
	s.store.AddListener(s.reads)
	s.threads = thread.New(s.store, cfg.Backend, s.post, log)
	return s
}

// Run drives the session until the context ends or Close is called. All
// state mutations happen on this goroutine.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.tr.Close()
	defer s.setState(Closed)

	backoff := transport.NewBackoff(s.backoffBase, s.backoffMax)
	for {
		if !s.alive(ctx) {
			return
		}
		s.setState(Connecting)
		events, err := s.tr.Connect(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("push connect failed")
			s.setState(Reconnecting)
			if !s.sleep(ctx, backoff.Next()) {
				return
			}
			continue
		}
		backoff.Reset()

		// Each connection gets a generation; snapshot results from an older
		// connection are discarded rather than applied into fresher state.
		gen := s.gen.Add(1)
		s.snapshotApplied = false
		s.buffer = s.buffer[:0]
		s.setState(SyncingSnapshot)
		go s.fetchSnapshot(ctx, gen)

		if !s.pump(ctx, events) {
			return
		}
		// Transport lost mid-session: back off, reconnect, and re-run the
		// snapshot sync. State may have moved while we were gone; the
		// idempotent upsert path makes the re-fetch a no-op for anything
		// already held.
		s.log.Warn().Msg("push channel lost, scheduling resync")
		s.setState(Reconnecting)
		if !s.sleep(ctx, backoff.Next()) {
			return
		}
	}
}

// Close ends the session. Idempotent; safe from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.tr.Close()
	})
	<-s.done
}

func (s *Session) alive(ctx context.Context) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	return ctx.Err() == nil
}

// pump consumes live events and loop tasks for one connection. Returns true
// when the connection dropped (caller reconnects), false on shutdown.
func (s *Session) pump(ctx context.Context, events <-chan protocol.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.quit:
			return false
		case fn := <-s.tasks:
			fn()
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if !s.snapshotApplied {
				// Events racing the snapshot are buffered, never dropped;
				// they replay through the same apply path once the
				// snapshot has landed.
				s.buffer = append(s.buffer, ev)
				continue
			}
			s.dispatch(ctx, ev)
			s.notify()
		}
	}
}

// sleep waits out a backoff delay while still servicing loop tasks.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.quit:
			return false
		case fn := <-s.tasks:
			fn()
		case <-timer.C:
			return true
		}
	}
}

// post schedules fn onto the loop goroutine.
func (s *Session) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.quit:
	}
}

func (s *Session) fetchSnapshot(ctx context.Context, gen int64) {
	backoff := transport.NewBackoff(s.backoffBase, s.backoffMax)
	for {
		msgs, err := s.backend.Messages(ctx, s.roomID)
		if err == nil {
			info, infoErr := s.backend.RoomInfo(ctx, s.roomID)
			members, membersErr := s.backend.JoinRoom(ctx, s.roomID)
			s.post(func() {
				if s.gen.Load() != gen {
					s.log.Debug().Int64("gen", gen).Msg("discarding stale snapshot")
					return
				}
				s.applySnapshot(ctx, msgs)
				if infoErr == nil {
					s.mu.Lock()
					s.title = info.RoomName
					s.isGroup = info.IsGroup
					s.mu.Unlock()
				}
				if membersErr == nil {
					s.mu.Lock()
					s.members = make(map[model.UserID]struct{}, len(members))
					for _, m := range members {
						s.members[m] = struct{}{}
					}
					s.mu.Unlock()
				}
				s.setState(Live)
			})
			return
		}
		if errors.Is(err, api.ErrAuthRequired) {
			s.log.Error().Err(err).Msg("snapshot fetch unauthenticated")
			if s.onAuthRequired != nil {
				s.onAuthRequired(err)
			}
			return
		}
		s.log.Warn().Err(err).Msg("snapshot fetch failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-time.After(backoff.Next()):
		}
		if s.gen.Load() != gen {
			return
		}
	}
}

// applySnapshot folds the REST snapshot, then replays any events buffered
// while it was in flight through the same dispatch path.
func (s *Session) applySnapshot(ctx context.Context, msgs []model.Message) {
	sorted := make([]model.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var reactions []reaction.Event
	for _, msg := range sorted {
		if emoji, target, ok := model.ParseReaction(msg.Content); ok {
			if s.store.Removed(target) {
				continue
			}
			reactions = append(reactions, reaction.Event{
				EventID:  msg.ID,
				TargetID: target,
				Sender:   msg.Sender,
				Emoji:    emoji,
			})
			continue
		}
		if s.store.Upsert(msg) {
			s.threads.Resolve(ctx, msg, nil)
		}
	}
	s.reactions.ApplySnapshot(reactions)
	s.markWindowRead(ctx)

	if !s.entered {
		s.entered = true
		go s.enterRoom(ctx)
	}

	s.snapshotApplied = true
	buffered := s.buffer
	s.buffer = nil
	for _, ev := range buffered {
		s.dispatch(ctx, ev)
	}
	s.log.Info().Int("messages", s.store.Len()).Int("replayed", len(buffered)).Msg("snapshot applied")
	s.notify()
}

// dispatch applies one live event. The switch is exhaustive over the
// protocol's closed event set.
func (s *Session) dispatch(ctx context.Context, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.NewMessage:
		msg := ev.Message
		if emoji, target, ok := model.ParseReaction(msg.Content); ok {
			// Reactions on a tombstoned target must stay unobservable.
			if s.store.Removed(target) {
				return
			}
			s.reactions.Apply(reaction.Event{
				EventID:  msg.ID,
				TargetID: target,
				Sender:   msg.Sender,
				Emoji:    emoji,
			})
			return
		}
		if s.store.Upsert(msg) {
			s.threads.Resolve(ctx, msg, ev.Parent)
			if msg.Sender != s.viewer {
				go s.markRead(ctx, msg.ID)
			}
		}
	case protocol.ReadUpdate:
		// A late read_update for a revoked message would resurrect its
		// reader set after OnRemove cleared it.
		if s.store.Removed(ev.MessageID) {
			return
		}
		s.reads.SetReaders(ev.MessageID, ev.Readers)
	case protocol.MessageRevoked:
		s.store.Remove(ev.MessageID)
	case protocol.UserEntered:
		if ev.RoomID == s.roomID {
			s.mu.Lock()
			s.members[ev.User] = struct{}{}
			s.mu.Unlock()
		}
	case protocol.UserLeft:
		if ev.RoomID == s.roomID {
			s.mu.Lock()
			delete(s.members, ev.User)
			s.mu.Unlock()
		}
	case protocol.UnreadUpdate:
		if n, ok := ev.Counts[s.viewerID]; ok {
			s.reads.SetUnread(ev.RoomID, n)
		}
	case protocol.MentionNotify:
		if ev.ToUserID == s.viewerID && s.onMention != nil {
			s.onMention(ev)
		}
	default:
		s.log.Warn().Type("event", ev).Msg("unhandled event type")
	}
}

// markWindowRead issues a markread for every loaded message the viewer did
// not author. Runs on every snapshot load; duplicates are expected, the
// server deduplicates.
func (s *Session) markWindowRead(ctx context.Context) {
	for _, msg := range s.store.List() {
		if msg.Sender == s.viewer {
			continue
		}
		go s.markRead(ctx, msg.ID)
	}
}

// markRead posts one read receipt, silently retrying once on transient
// failure. Never fatal to the session.
func (s *Session) markRead(ctx context.Context, id int64) {
	err := s.backend.MarkRead(ctx, id)
	if err == nil || !api.Transient(err) {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(250 * time.Millisecond):
	}
	if err := s.backend.MarkRead(ctx, id); err != nil {
		s.log.Debug().Err(err).Int64("msg", id).Msg("markread retry failed")
	}
}

func (s *Session) enterRoom(ctx context.Context) {
	err := s.backend.EnterRoom(ctx, s.roomID)
	if err != nil && api.Transient(err) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
		err = s.backend.EnterRoom(ctx, s.roomID)
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("room enter failed")
	}
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		s.log.Debug().Stringer("state", st).Msg("state change")
		s.notify()
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Subscribe registers a callback fired after any state change, for
// re-render. Callbacks run on the session loop and must not block; read
// back through the getters, which are safe from any goroutine.
func (s *Session) Subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// VisibleMessages returns the room's rendered message sequence, id
// ascending, reaction pseudo-messages and tombstones excluded.
func (s *Session) VisibleMessages() []model.Message {
	return s.store.List()
}

// Reactions returns the aggregated reactions on one message.
func (s *Session) Reactions(messageID int64) []model.ReactionGroup {
	return s.reactions.Get(messageID)
}

// Readers returns who has read one message.
func (s *Session) Readers(messageID int64) []model.UserID {
	return s.reads.Readers(messageID)
}

// Unread returns the cached backend-computed unread count for a room.
func (s *Session) Unread(roomID int64) int {
	return s.reads.Unread(roomID)
}

// Members returns the room membership, sorted.
func (s *Session) Members() []model.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.UserID, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Title returns the room name from the latest snapshot.
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// IsGroup reports whether the room is a group room.
func (s *Session) IsGroup() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isGroup
}

// SendMessage posts a new message; it will come back through the push
// channel. Does not touch the read path.
func (s *Session) SendMessage(ctx context.Context, content string, threadRootID *int64, mentions []model.UserID) error {
	return s.backend.SendMessage(ctx, s.roomID, content, threadRootID, mentions)
}

// SendReaction toggles the viewer's reaction on a message. Transient
// failures are retried once and then dropped; the toggle is not critical
// enough to surface.
func (s *Session) SendReaction(ctx context.Context, targetID int64, emoji string) error {
	err := s.backend.SendReaction(ctx, s.roomID, targetID, emoji)
	if err != nil && api.Transient(err) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
		err = s.backend.SendReaction(ctx, s.roomID, targetID, emoji)
		if err != nil && api.Transient(err) {
			s.log.Warn().Err(err).Int64("target", targetID).Msg("reaction dropped after retry")
			return nil
		}
	}
	return err
}

// Revoke retracts the viewer's own message. Server-side rejections (window
// elapsed, not the sender) come back as api.ErrActionRejected for the UI
// to surface. Removal lands via the message_revoked broadcast.
func (s *Session) Revoke(ctx context.Context, messageID int64) error {
	return s.backend.Revoke(ctx, messageID)
}

// Hide removes a message from this viewer's own view. No broadcast exists
// for hides, so the local tombstone is applied directly on success.
func (s *Session) Hide(ctx context.Context, messageID int64) error {
	if err := s.backend.Hide(ctx, messageID); err != nil {
		return err
	}
	s.post(func() {
		s.store.Remove(messageID)
		s.notify()
	})
	return nil
}
