// Package store provides the in-memory per-room message collection, the
// single source of truth for rendering. Snapshot and push both feed it
// through the same idempotent upsert path.
package store

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"chatsync/internal/model"
)

// Listener receives incremental change notifications so derived projections
// can react without rescanning the store.
type Listener interface {
	OnInsert(msg model.Message)
	OnRemove(id int64)
}

// MessageStore holds the visible, ordered message sequence for one room.
// Messages are unique by id; removed ids are tombstoned and can never be
// re-inserted within the session.
type MessageStore struct {
	roomID int64
	log    zerolog.Logger

	mu         sync.RWMutex
	byID       map[int64]model.Message
	order      []int64
	tombstones map[int64]struct{}
	listeners  []Listener
}

func New(roomID int64, log zerolog.Logger) *MessageStore {
	return &MessageStore{
		roomID:     roomID,
		log:        log.With().Int64("room", roomID).Logger(),
		byID:       make(map[int64]model.Message),
		tombstones: make(map[int64]struct{}),
	}
}

// AddListener registers a projection for insert/remove notifications.
func (s *MessageStore) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Upsert inserts the message if its id has not been seen, and no-ops
// otherwise. Tombstoned ids and messages from other rooms are rejected.
// Returns true when the message was actually inserted.
func (s *MessageStore) Upsert(msg model.Message) bool {
	s.mu.Lock()
	if msg.RoomID != s.roomID {
		s.mu.Unlock()
		s.log.Debug().Int64("msg", msg.ID).Int64("msg_room", msg.RoomID).Msg("dropping message for another room")
		return false
	}
	if _, dead := s.tombstones[msg.ID]; dead {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.byID[msg.ID]; ok {
		s.mu.Unlock()
		return false
	}

	s.byID[msg.ID] = msg
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] > msg.ID })
	s.order = append(s.order, 0)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = msg.ID
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnInsert(msg)
	}
	return true
}

// Remove tombstones the id and drops the message from the visible sequence.
// Unknown ids are tombstoned too: a revoke can race ahead of the snapshot
// that would have delivered the message.
func (s *MessageStore) Remove(id int64) {
	s.mu.Lock()
	s.tombstones[id] = struct{}{}
	_, existed := s.byID[id]
	if existed {
		delete(s.byID, id)
		i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= id })
		if i < len(s.order) && s.order[i] == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
		}
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnRemove(id)
	}
}

// Get returns the message with the given id, if visible.
func (s *MessageStore) Get(id int64) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	return msg, ok
}

// Contains reports whether the id is currently visible.
func (s *MessageStore) Contains(id int64) bool {
	_, ok := s.Get(id)
	return ok
}

// Removed reports whether the id has been tombstoned.
func (s *MessageStore) Removed(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, dead := s.tombstones[id]
	return dead
}

// List returns the visible messages ordered by id ascending. Ids are
// assigned by the backend in strictly increasing order, so id order stands
// in for creation order.
func (s *MessageStore) List() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of visible messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
