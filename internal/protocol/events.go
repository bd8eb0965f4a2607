// Package protocol decodes push frames into typed events. Every frame is a
// JSON object tagged by "type"; anything that fails to decode or carries an
// unknown tag is a malformed event, dropped by the caller without killing
// the dispatch loop.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatsync/internal/model"
)

// ErrMalformedEvent wraps every decode failure so callers can match the
// whole class with errors.Is.
var ErrMalformedEvent = errors.New("malformed push event")

// Event is the closed set of push events the backend emits. The concrete
// types below are the only implementations.
type Event interface {
	isEvent()
}

// NewMessage carries a freshly created message, optionally with the thread
// parent inlined when the server already had it on hand.
type NewMessage struct {
	Message model.Message
	Parent  *model.Message
}

// ReadUpdate replaces the full reader set of one message. The server is
// authoritative; there are no partial diffs.
type ReadUpdate struct {
	MessageID int64
	Readers   []model.UserID
}

// MessageRevoked tombstones a message for everyone in the room.
type MessageRevoked struct {
	MessageID int64
}

// UserEntered signals a member entering the room.
type UserEntered struct {
	RoomID int64
	User   model.UserID
}

// UserLeft signals a member leaving the room.
type UserLeft struct {
	RoomID int64
	User   model.UserID
}

// UnreadUpdate carries the per-user unread counts for one room, computed by
// the backend. The client never derives these itself. The wire map is keyed
// by numeric user id, like mention_notify's to_user.
type UnreadUpdate struct {
	RoomID int64
	Counts map[int64]int
}

// MentionNotify tells a specific user they were mentioned.
type MentionNotify struct {
	ToUserID  int64
	MessageID int64
	RoomID    int64
	From      model.UserID
	Content   string
	Timestamp time.Time
}

func (NewMessage) isEvent()     {}
func (ReadUpdate) isEvent()     {}
func (MessageRevoked) isEvent() {}
func (UserEntered) isEvent()    {}
func (UserLeft) isEvent()       {}
func (UnreadUpdate) isEvent()   {}
func (MentionNotify) isEvent()  {}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one raw frame into its typed event.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case "new_message":
		var p struct {
			Message *model.Message `json:"message"`
			Parent  *model.Message `json:"parent_message"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: new_message: %v", ErrMalformedEvent, err)
		}
		if p.Message == nil || p.Message.ID <= 0 {
			return nil, fmt.Errorf("%w: new_message without message payload", ErrMalformedEvent)
		}
		return NewMessage{Message: *p.Message, Parent: p.Parent}, nil

	case "read_update":
		var p struct {
			MessageID int64          `json:"message_id"`
			Readers   []model.UserID `json:"readers"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: read_update: %v", ErrMalformedEvent, err)
		}
		if p.MessageID <= 0 {
			return nil, fmt.Errorf("%w: read_update without message_id", ErrMalformedEvent)
		}
		return ReadUpdate{MessageID: p.MessageID, Readers: p.Readers}, nil

	case "message_revoked":
		var p struct {
			MessageID int64 `json:"message_id"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: message_revoked: %v", ErrMalformedEvent, err)
		}
		if p.MessageID <= 0 {
			return nil, fmt.Errorf("%w: message_revoked without message_id", ErrMalformedEvent)
		}
		return MessageRevoked{MessageID: p.MessageID}, nil

	case "user_entered", "user_left":
		var p struct {
			RoomID int64        `json:"room_id"`
			User   model.UserID `json:"user"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		if p.User == "" {
			return nil, fmt.Errorf("%w: %s without user", ErrMalformedEvent, env.Type)
		}
		if env.Type == "user_entered" {
			return UserEntered{RoomID: p.RoomID, User: p.User}, nil
		}
		return UserLeft{RoomID: p.RoomID, User: p.User}, nil

	case "unread_update":
		var p struct {
			RoomID int64          `json:"room_id"`
			Counts map[string]int `json:"unread_map"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: unread_update: %v", ErrMalformedEvent, err)
		}
		if p.RoomID <= 0 {
			return nil, fmt.Errorf("%w: unread_update without room_id", ErrMalformedEvent)
		}
		counts := make(map[int64]int, len(p.Counts))
		for k, n := range p.Counts {
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: unread_update with non-numeric user key %q", ErrMalformedEvent, k)
			}
			counts[id] = n
		}
		return UnreadUpdate{RoomID: p.RoomID, Counts: counts}, nil

	case "mention_notify":
		var p struct {
			ToUserID  int64        `json:"to_user"`
			MessageID int64        `json:"message_id"`
			RoomID    int64        `json:"room_id"`
			From      model.UserID `json:"from"`
			Content   string       `json:"content"`
			Timestamp time.Time    `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: mention_notify: %v", ErrMalformedEvent, err)
		}
		return MentionNotify{
			ToUserID:  p.ToUserID,
			MessageID: p.MessageID,
			RoomID:    p.RoomID,
			From:      p.From,
			Content:   p.Content,
			Timestamp: p.Timestamp,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
}
