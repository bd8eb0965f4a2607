// Package reaction folds reaction pseudo-messages into per-message emoji
// aggregates. A user holds at most one active reaction per target message:
// repeating the same emoji toggles it off, a different emoji replaces it.
package reaction

import (
	"sort"
	"sync"

	"chatsync/internal/model"
)

// Event is one parsed reaction pseudo-message. EventID is the id of the
// carrier message, used for ordering snapshot folds and for deduplicating
// snapshot-versus-push redelivery.
type Event struct {
	EventID  int64
	TargetID int64
	Sender   model.UserID
	Emoji    string
}

type target struct {
	order []string                               // emoji first-appearance order
	users map[string]map[model.UserID]struct{}   // emoji -> active users
	last  map[model.UserID]string                // user -> active emoji
}

// Projector derives reaction state from the stream of reaction events.
type Projector struct {
	mu      sync.RWMutex
	seen    map[int64]struct{}
	targets map[int64]*target
}

func New() *Projector {
	return &Projector{
		seen:    make(map[int64]struct{}),
		targets: make(map[int64]*target),
	}
}

// Apply folds one event in arrival order. Re-delivery of an already folded
// event id is a no-op, so the snapshot and a buffered live copy of the same
// event cannot double-toggle.
func (p *Projector) Apply(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[ev.EventID]; dup {
		return
	}
	p.seen[ev.EventID] = struct{}{}

	t := p.targets[ev.TargetID]
	if t == nil {
		t = &target{
			users: make(map[string]map[model.UserID]struct{}),
			last:  make(map[model.UserID]string),
		}
		p.targets[ev.TargetID] = t
	}

	prev, had := t.last[ev.Sender]
	if had {
		delete(t.users[prev], ev.Sender)
		delete(t.last, ev.Sender)
		if prev == ev.Emoji {
			// Same emoji twice in a row: toggle off.
			return
		}
	}

	set := t.users[ev.Emoji]
	if set == nil {
		set = make(map[model.UserID]struct{})
		t.users[ev.Emoji] = set
		t.order = append(t.order, ev.Emoji)
	}
	set[ev.Sender] = struct{}{}
	t.last[ev.Sender] = ev.Emoji
}

// ApplySnapshot folds a batch of raw reaction events from a history
// snapshot. Events are sorted by id before folding; toggle semantics are
// order-dependent and snapshot order is not guaranteed to be id order.
func (p *Projector) ApplySnapshot(events []Event) {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EventID < sorted[j].EventID })
	for _, ev := range sorted {
		p.Apply(ev)
	}
}

// Get returns the reaction groups for a target message, in emoji
// first-appearance order, with empty user sets pruned.
func (p *Projector) Get(targetID int64) []model.ReactionGroup {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t := p.targets[targetID]
	if t == nil {
		return nil
	}
	var out []model.ReactionGroup
	for _, emoji := range t.order {
		set := t.users[emoji]
		if len(set) == 0 {
			continue
		}
		users := make([]model.UserID, 0, len(set))
		for u := range set {
			users = append(users, u)
		}
		sort.Strings(users)
		out = append(out, model.ReactionGroup{Emoji: emoji, Users: users})
	}
	return out
}

// ActiveEmoji returns the user's currently active emoji on a target, if any.
func (p *Projector) ActiveEmoji(targetID int64, user model.UserID) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t := p.targets[targetID]
	if t == nil {
		return "", false
	}
	emoji, ok := t.last[user]
	return emoji, ok
}

// OnInsert implements store.Listener. Regular message inserts carry no
// reaction state; reaction events reach the projector through Apply, never
// through the store.
func (p *Projector) OnInsert(model.Message) {}

// OnRemove implements store.Listener: a tombstoned message loses its
// reaction projection.
func (p *Projector) OnRemove(id int64) {
	p.mu.Lock()
	delete(p.targets, id)
	p.mu.Unlock()
}
