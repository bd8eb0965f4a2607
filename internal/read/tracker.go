// Package read maintains per-message reader sets and per-room unread
// counts. Reader sets grow monotonically through local marks and are
// replaced wholesale by server pushes; unread counts are owned by the
// backend and only cached here.
package read

import (
	"sort"
	"sync"

	"chatsync/internal/model"
)

// Tracker converges read state between REST polls and push updates.
type Tracker struct {
	mu      sync.RWMutex
	readers map[int64]map[model.UserID]struct{}
	senders map[int64]model.UserID
	unread  map[int64]int
}

func New() *Tracker {
	return &Tracker{
		readers: make(map[int64]map[model.UserID]struct{}),
		senders: make(map[int64]model.UserID),
		unread:  make(map[int64]int),
	}
}

// MarkRead records a reader locally. Idempotent; a sender marking their own
// message is a no-op, self-reads are never recorded.
func (t *Tracker) MarkRead(messageID int64, reader model.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.senders[messageID] == reader {
		return
	}
	set := t.readers[messageID]
	if set == nil {
		set = make(map[model.UserID]struct{})
		t.readers[messageID] = set
	}
	set[reader] = struct{}{}
}

// SetReaders replaces the full reader set for a message from a push event.
// The server is authoritative; partial diffs are never reconciled.
func (t *Tracker) SetReaders(messageID int64, readers []model.UserID) {
	set := make(map[model.UserID]struct{}, len(readers))
	for _, r := range readers {
		set[r] = struct{}{}
	}
	t.mu.Lock()
	t.readers[messageID] = set
	t.mu.Unlock()
}

// Readers returns the sorted reader set for a message.
func (t *Tracker) Readers(messageID int64) []model.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.readers[messageID]
	if len(set) == 0 {
		return nil
	}
	out := make([]model.UserID, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// SetUnread caches the backend-computed unread count for a room,
// last-write-wins from the latest push or poll.
func (t *Tracker) SetUnread(roomID int64, count int) {
	t.mu.Lock()
	t.unread[roomID] = count
	t.mu.Unlock()
}

// Unread returns the cached unread count for a room.
func (t *Tracker) Unread(roomID int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unread[roomID]
}

// OnInsert implements store.Listener: the sender is recorded so the
// self-read rule can be enforced without a store lookup.
func (t *Tracker) OnInsert(msg model.Message) {
	t.mu.Lock()
	t.senders[msg.ID] = msg.Sender
	t.mu.Unlock()
}

// OnRemove implements store.Listener: a tombstoned message loses its read
// state entirely.
func (t *Tracker) OnRemove(id int64) {
	t.mu.Lock()
	delete(t.readers, id)
	delete(t.senders, id)
	t.mu.Unlock()
}
