// Package api is the REST client for the chat backend. It maps transport
// failures and HTTP statuses onto the client's error taxonomy: auth
// failures propagate, rejections surface to the user, everything else is
// transient and retryable.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/model"
	"chatsync/internal/session"
)

var (
	// ErrAuthRequired means the session is unauthenticated or expired. The
	// only error kind the sync core propagates to the UI collaborator.
	ErrAuthRequired = errors.New("api: authentication required")

	// ErrActionRejected means the server refused the action (revoke window
	// elapsed, hiding an already hidden message, unknown target). Surfaced
	// to the user, never retried.
	ErrActionRejected = errors.New("api: action rejected")
)

// Transient reports whether an error is worth retrying with backoff.
func Transient(err error) bool {
	return err != nil && !errors.Is(err, ErrAuthRequired) && !errors.Is(err, ErrActionRejected)
}

type Client struct {
	base string
	http *http.Client
	sess *session.Session
	log  zerolog.Logger
}

// NewClient builds a client rooted at base (e.g. "http://localhost:8081").
// httpc may be nil; a client with a sane timeout is used then.
func NewClient(base string, sess *session.Session, httpc *http.Client, log zerolog.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: httpc,
		sess: sess,
		log:  log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if tok := c.sess.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s %s", ErrAuthRequired, req.Method, req.URL.Path)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %s", ErrActionRejected, req.Method, req.URL.Path,
			strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("api: %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// Login authenticates and installs the issued token and viewer identity
// into the session.
func (c *Client) Login(ctx context.Context, username model.UserID, password string) error {
	var resp struct {
		Token    string       `json:"token"`
		Username model.UserID `json:"username"`
		UserID   int64        `json:"user_id"`
	}
	err := c.do(ctx, http.MethodPost, "/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		// A wrong password comes back 401; for login that is a rejection of
		// the attempt, not a session-expiry signal.
		if errors.Is(err, ErrAuthRequired) {
			return fmt.Errorf("%w: invalid credentials", ErrActionRejected)
		}
		return err
	}
	c.sess.SetToken(resp.Token)
	c.sess.SetViewer(resp.Username, resp.UserID)
	return nil
}

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, username model.UserID, password string) error {
	return c.do(ctx, http.MethodPost, "/signup", map[string]string{
		"username": username,
		"password": password,
	}, nil)
}

// Me refreshes and returns the viewer identity.
func (c *Client) Me(ctx context.Context) (model.UserID, int64, error) {
	var resp struct {
		Username model.UserID `json:"username"`
		UserID   int64        `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", nil, &resp); err != nil {
		return "", 0, err
	}
	c.sess.SetViewer(resp.Username, resp.UserID)
	return resp.Username, resp.UserID, nil
}

// Users lists all known usernames.
func (c *Client) Users(ctx context.Context) ([]model.UserID, error) {
	var resp struct {
		Users []model.UserID `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// Messages fetches the room's message snapshot, reaction pseudo-messages
// included; splitting them out is the sync engine's job.
func (c *Client) Messages(ctx context.Context, roomID int64) ([]model.Message, error) {
	var resp struct {
		Messages []model.Message `json:"messages"`
	}
	path := "/messages?room_id=" + strconv.FormatInt(roomID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// MessageByID fetches one message, used to backfill missing thread parents.
func (c *Client) MessageByID(ctx context.Context, id int64) (model.Message, error) {
	var msg model.Message
	if err := c.do(ctx, http.MethodGet, "/messages/"+strconv.FormatInt(id, 10), nil, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// SendMessage posts a new message. The created message comes back through
// the push channel, not through this response.
func (c *Client) SendMessage(ctx context.Context, roomID int64, content string, threadRootID *int64, mentions []model.UserID) error {
	return c.do(ctx, http.MethodPost, "/messages", map[string]any{
		"room_id":        roomID,
		"content":        content,
		"thread_root_id": threadRootID,
		"mentions":       mentions,
	}, nil)
}

// SendReaction posts a reaction toggle as a reaction pseudo-message.
func (c *Client) SendReaction(ctx context.Context, roomID, targetID int64, emoji string) error {
	return c.SendMessage(ctx, roomID, model.ReactionContent(emoji, targetID), nil, nil)
}

// MarkRead records the viewer as a reader of the message. Safe to repeat;
// the server is the deduplication point.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	return c.do(ctx, http.MethodPost, "/messages/"+strconv.FormatInt(messageID, 10)+"/markread", nil, nil)
}

// Readers fetches the reader list of one message.
func (c *Client) Readers(ctx context.Context, messageID int64) ([]model.UserID, error) {
	var resp struct {
		Readers []model.UserID `json:"readers"`
	}
	path := "/messages/" + strconv.FormatInt(messageID, 10) + "/readers"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Readers, nil
}

// Revoke retracts the viewer's own message. The server enforces the sender
// check and the time window; rejections surface as ErrActionRejected.
func (c *Client) Revoke(ctx context.Context, messageID int64) error {
	return c.do(ctx, http.MethodPost, "/messages/"+strconv.FormatInt(messageID, 10)+"/revoke", nil, nil)
}

// Hide removes the message from the viewer's own view only.
func (c *Client) Hide(ctx context.Context, messageID int64) error {
	return c.do(ctx, http.MethodPost, "/messages/"+strconv.FormatInt(messageID, 10)+"/hide", nil, nil)
}

// Rooms lists the rooms the viewer belongs to.
func (c *Client) Rooms(ctx context.Context) ([]model.RoomInfo, error) {
	var rooms []model.RoomInfo
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomInfo fetches one room's metadata.
func (c *Client) RoomInfo(ctx context.Context, roomID int64) (model.RoomInfo, error) {
	var resp struct {
		RoomName string `json:"room_name"`
		IsGroup  bool   `json:"is_group"`
	}
	path := "/rooms/" + strconv.FormatInt(roomID, 10) + "/info"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return model.RoomInfo{}, err
	}
	return model.RoomInfo{ID: roomID, RoomName: resp.RoomName, IsGroup: resp.IsGroup}, nil
}

// EnterRoom announces room entry; the server bulk-marks the viewer's unread
// messages read and broadcasts user_entered.
func (c *Client) EnterRoom(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+strconv.FormatInt(roomID, 10)+"/enter", nil, nil)
}

// LeaveRoom drops the viewer's membership in a group room.
func (c *Client) LeaveRoom(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+strconv.FormatInt(roomID, 10)+"/leave", nil, nil)
}

// JoinRoom joins a group room (idempotent for existing members) and returns
// the member list, the snapshot's membership source.
func (c *Client) JoinRoom(ctx context.Context, roomID int64) ([]model.UserID, error) {
	var resp struct {
		Members []model.UserID `json:"members"`
	}
	path := "/rooms/" + strconv.FormatInt(roomID, 10) + "/join-group"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// UnreadCount polls the backend-computed unread count, the reconnect
// recovery fallback for push-driven unread updates.
func (c *Client) UnreadCount(ctx context.Context, roomID int64) (int, error) {
	var resp struct {
		UnreadCount int `json:"unread_count"`
	}
	path := "/rooms/" + strconv.FormatInt(roomID, 10) + "/unread-count"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.UnreadCount, nil
}

// GetOrCreateRoom returns the 1:1 room between two users, creating it on
// first contact.
func (c *Client) GetOrCreateRoom(ctx context.Context, user1, user2 model.UserID) (int64, error) {
	var resp struct {
		RoomID int64 `json:"room_id"`
	}
	err := c.do(ctx, http.MethodPost, "/get-or-create-room", map[string]string{
		"user1": user1,
		"user2": user2,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.RoomID, nil
}

// CreateGroupRoom creates (or finds) a named group room with the given
// members plus the viewer.
func (c *Client) CreateGroupRoom(ctx context.Context, name string, members []model.UserID) (int64, error) {
	var resp struct {
		RoomID int64 `json:"room_id"`
	}
	err := c.do(ctx, http.MethodPost, "/create-group-room", map[string]any{
		"room_name": name,
		"members":   members,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.RoomID, nil
}

// UploadAttachment posts a file as a multipart message to the room and
// returns the served path. The resulting message arrives via push.
func (c *Client) UploadAttachment(ctx context.Context, roomID int64, file io.Reader, filename, mimeType string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("api: build upload: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("api: read upload body: %w", err)
	}
	if err := w.WriteField("room_id", strconv.FormatInt(roomID, 10)); err != nil {
		return "", fmt.Errorf("api: build upload: %w", err)
	}
	if err := w.WriteField("type", mimeType); err != nil {
		return "", fmt.Errorf("api: build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("api: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/messages/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp struct {
		FilePath string `json:"file_path"`
	}
	if err := c.send(req, &resp); err != nil {
		return "", err
	}
	return resp.FilePath, nil
}

// MentionNotifications returns, per room, who last mentioned the viewer in
// a message the viewer has not read yet. Used once at startup; live
// mentions arrive over the push feed.
func (c *Client) MentionNotifications(ctx context.Context) (map[int64]model.UserID, error) {
	var raw map[string]model.UserID
	if err := c.do(ctx, http.MethodGet, "/mention-notifications", nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[int64]model.UserID, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			c.log.Warn().Str("room", k).Msg("skipping mention entry with bad room id")
			continue
		}
		out[id] = v
	}
	return out, nil
}
