package reaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/model"
)

func TestToggleOff(t *testing.T) {
	p := New()
	p.Apply(Event{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"})
	p.Apply(Event{EventID: 2, TargetID: 10, Sender: "alice", Emoji: "👍"})

	assert.Empty(t, p.Get(10))
	_, active := p.ActiveEmoji(10, "alice")
	assert.False(t, active)
}

func TestLastEmojiWins(t *testing.T) {
	// 👍 add, 😄 replaces, 👍 replaces again: final state {👍: [alice]}.
	p := New()
	p.Apply(Event{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"})
	p.Apply(Event{EventID: 2, TargetID: 10, Sender: "alice", Emoji: "😄"})
	p.Apply(Event{EventID: 3, TargetID: 10, Sender: "alice", Emoji: "👍"})

	groups := p.Get(10)
	require.Len(t, groups, 1)
	assert.Equal(t, "👍", groups[0].Emoji)
	assert.Equal(t, []model.UserID{"alice"}, groups[0].Users)
}

func TestOneActiveReactionPerUser(t *testing.T) {
	p := New()
	p.Apply(Event{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"})
	p.Apply(Event{EventID: 2, TargetID: 10, Sender: "bob", Emoji: "👍"})
	p.Apply(Event{EventID: 3, TargetID: 10, Sender: "alice", Emoji: "❤️"})

	groups := p.Get(10)
	require.Len(t, groups, 2)
	assert.Equal(t, model.ReactionGroup{Emoji: "👍", Users: []model.UserID{"bob"}}, groups[0])
	assert.Equal(t, model.ReactionGroup{Emoji: "❤️", Users: []model.UserID{"alice"}}, groups[1])
}

func TestEmptyGroupsPruned(t *testing.T) {
	p := New()
	p.Apply(Event{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"})
	p.Apply(Event{EventID: 2, TargetID: 10, Sender: "bob", Emoji: "😄"})
	p.Apply(Event{EventID: 3, TargetID: 10, Sender: "alice", Emoji: "👍"}) // toggle off

	groups := p.Get(10)
	require.Len(t, groups, 1)
	assert.Equal(t, "😄", groups[0].Emoji)
}

func TestSnapshotFoldSortsByID(t *testing.T) {
	// Same events, shuffled: snapshot folding must sort by event id first,
	// otherwise toggle semantics depend on wire order.
	events := []Event{
		{EventID: 3, TargetID: 10, Sender: "alice", Emoji: "👍"},
		{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"},
		{EventID: 2, TargetID: 10, Sender: "alice", Emoji: "😄"},
	}

	p := New()
	p.ApplySnapshot(events)

	groups := p.Get(10)
	require.Len(t, groups, 1)
	assert.Equal(t, "👍", groups[0].Emoji)
	assert.Equal(t, []model.UserID{"alice"}, groups[0].Users)
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	// The same event arriving via snapshot and via a buffered live frame
	// must not re-toggle.
	p := New()
	p.ApplySnapshot([]Event{{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"}})
	p.Apply(Event{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"})

	groups := p.Get(10)
	require.Len(t, groups, 1)
	assert.Equal(t, []model.UserID{"alice"}, groups[0].Users)
}

func TestSnapshotReplayDeterminism(t *testing.T) {
	events := []Event{
		{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"},
		{EventID: 2, TargetID: 10, Sender: "bob", Emoji: "👍"},
		{EventID: 3, TargetID: 10, Sender: "alice", Emoji: "😄"},
		{EventID: 4, TargetID: 11, Sender: "bob", Emoji: "❤️"},
	}

	sequential := New()
	for _, ev := range events {
		sequential.Apply(ev)
	}

	shuffled := New()
	shuffled.ApplySnapshot([]Event{events[3], events[1], events[0], events[2]})

	for _, target := range []int64{10, 11} {
		assert.Equal(t, sequential.Get(target), shuffled.Get(target))
	}
}

func TestOnRemoveDropsProjection(t *testing.T) {
	p := New()
	p.Apply(Event{EventID: 1, TargetID: 10, Sender: "alice", Emoji: "👍"})
	p.OnRemove(10)
	assert.Empty(t, p.Get(10))
}
