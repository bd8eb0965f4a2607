// Package model holds the domain types shared by the sync client:
// messages, rooms, reaction aggregates and the reaction content codec.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID identifies a user on the wire. The backend uses usernames as the
// public identifier for senders, readers and room members.
type UserID = string

// Message is a single chat message as delivered by both the REST snapshot
// and the push channel. Immutable once created; lifecycle changes (revoke,
// hide) remove it from the store rather than mutating it.
type Message struct {
	ID           int64     `json:"id"`
	RoomID       int64     `json:"room_id"`
	Sender       UserID    `json:"sender"`
	Content      string    `json:"content"`
	ThreadRootID *int64    `json:"thread_root_id,omitempty"`
	Attachment   string    `json:"attachment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsReaction reports whether the message is a reaction pseudo-message.
// Reaction messages are never rendered; they feed the reaction projector.
func (m Message) IsReaction() bool {
	return strings.HasPrefix(m.Content, reactionPrefix)
}

// RoomInfo is the REST-fetched room metadata.
type RoomInfo struct {
	ID       int64  `json:"id"`
	RoomName string `json:"room_name"`
	IsGroup  bool   `json:"is_group"`
}

// ReactionGroup aggregates one emoji on one message: the emoji plus every
// user whose active reaction it currently is.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Users []UserID `json:"users"`
}

const reactionPrefix = "reaction:"

// ReactionContent encodes a reaction toggle as message content, the form the
// backend stores and fans out: "reaction:<emoji>:<targetMessageID>".
func ReactionContent(emoji string, targetID int64) string {
	return fmt.Sprintf("%s%s:%d", reactionPrefix, emoji, targetID)
}

// ParseReaction decodes reaction content into its emoji and target message
// id. The emoji segment may itself contain colons, so the target id is taken
// from the final segment. Returns ok=false for anything that does not parse.
func ParseReaction(content string) (emoji string, targetID int64, ok bool) {
	body, found := strings.CutPrefix(content, reactionPrefix)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndexByte(body, ':')
	if i <= 0 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(body[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return body[:i], id, true
}
