// Package chattest runs an in-memory chat backend over real HTTP and
// websockets, for exercising the sync stack end to end without a database.
// It mirrors the production wire contract: REST for state, one websocket
// hub per room with the zero room as the account-wide fan-out.
package chattest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chatsync/internal/model"
)

// RevokeWindow is how long a sender may retract their own message.
const RevokeWindow = 2 * time.Minute

type account struct {
	id       int64
	password string
}

type room struct {
	id      int64
	name    string
	isGroup bool
	members map[model.UserID]struct{}
}

type message struct {
	model.Message
	revoked bool
}

// Server is one in-memory backend instance.
type Server struct {
	httpSrv *httptest.Server
	secret  []byte
	now     func() time.Time

	mu       sync.Mutex
	accounts map[model.UserID]*account
	nextUser int64
	rooms    map[int64]*room
	nextRoom int64
	messages map[int64]*message
	order    []int64
	nextMsg  int64
	readers  map[int64]map[model.UserID]struct{}
	hidden   map[model.UserID]map[int64]struct{}
	conns    map[int64]map[*wsConn]struct{}
}

// NewServer starts the backend on an ephemeral port. Callers own shutdown
// via Close.
func NewServer() *Server {
	s := &Server{
		secret:   []byte("chattest-secret"),
		now:      time.Now,
		accounts: make(map[model.UserID]*account),
		rooms:    make(map[int64]*room),
		messages: make(map[int64]*message),
		readers:  make(map[int64]map[model.UserID]struct{}),
		hidden:   make(map[model.UserID]map[int64]struct{}),
		conns:    make(map[int64]map[*wsConn]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/me", s.auth(s.handleMe)).Methods(http.MethodGet)
	r.HandleFunc("/users", s.auth(s.handleUsers)).Methods(http.MethodGet)

	r.HandleFunc("/messages", s.auth(s.handleMessages)).Methods(http.MethodGet)
	r.HandleFunc("/messages", s.auth(s.handleSendMessage)).Methods(http.MethodPost)
	r.HandleFunc("/messages/upload", s.auth(s.handleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", s.auth(s.handleMessageByID)).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/markread", s.auth(s.handleMarkRead)).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/readers", s.auth(s.handleReaders)).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/revoke", s.auth(s.handleRevoke)).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/hide", s.auth(s.handleHide)).Methods(http.MethodPost)

	r.HandleFunc("/rooms", s.auth(s.handleRooms)).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/info", s.auth(s.handleRoomInfo)).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/enter", s.auth(s.handleEnterRoom)).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}/leave", s.auth(s.handleLeaveRoom)).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}/join-group", s.auth(s.handleJoinGroup)).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/unread-count", s.auth(s.handleUnreadCount)).Methods(http.MethodGet)
	r.HandleFunc("/get-or-create-room", s.auth(s.handleGetOrCreateRoom)).Methods(http.MethodPost)
	r.HandleFunc("/create-group-room", s.auth(s.handleCreateGroupRoom)).Methods(http.MethodPost)
	r.HandleFunc("/mention-notifications", s.auth(s.handleMentionNotifications)).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWS)

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL returns the REST base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// WSURL returns the websocket endpoint URL.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/ws"
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, conns := range s.conns {
		for c := range conns {
			c.close()
		}
	}
	s.conns = make(map[int64]map[*wsConn]struct{})
	s.mu.Unlock()
	s.httpSrv.Close()
}

// AddUser registers an account directly, bypassing the signup endpoint.
func (s *Server) AddUser(username model.UserID, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addUserLocked(username, password)
}

func (s *Server) addUserLocked(username model.UserID, password string) *account {
	if acct, ok := s.accounts[username]; ok {
		return acct
	}
	s.nextUser++
	acct := &account{id: s.nextUser, password: password}
	s.accounts[username] = acct
	return acct
}

// AddRoom creates a room with the given members and returns its id.
func (s *Server) AddRoom(name string, isGroup bool, members ...model.UserID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRoomLocked(name, isGroup, members).id
}

func (s *Server) addRoomLocked(name string, isGroup bool, members []model.UserID) *room {
	s.nextRoom++
	rm := &room{id: s.nextRoom, name: name, isGroup: isGroup, members: make(map[model.UserID]struct{})}
	for _, m := range members {
		rm.members[m] = struct{}{}
	}
	s.rooms[rm.id] = rm
	return rm
}

// SeedMessage inserts a message directly and returns its id. No broadcast;
// seeded history is what snapshot fetches observe.
func (s *Server) SeedMessage(roomID int64, sender model.UserID, content string, threadRootID *int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.insertLocked(roomID, sender, content, threadRootID, "")
	return msg.ID
}

func (s *Server) insertLocked(roomID int64, sender model.UserID, content string, threadRootID *int64, attachment string) *message {
	s.nextMsg++
	msg := &message{Message: model.Message{
		ID:           s.nextMsg,
		RoomID:       roomID,
		Sender:       sender,
		Content:      content,
		ThreadRootID: threadRootID,
		Attachment:   attachment,
		CreatedAt:    s.now(),
	}}
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	return msg
}

// --- auth ---

type authedHandler func(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64)

func (s *Server) auth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		claims := jwt.MapClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.secret, nil
		})
		if err != nil || !tok.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		username, _ := claims["username"].(string)
		uid, _ := claims["user_id"].(float64)
		if username == "" {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		h(w, r, model.UserID(username), int64(uid))
	}
}

func (s *Server) issueToken(username model.UserID, id int64) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": username,
		"user_id":  id,
		"exp":      s.now().Add(24 * time.Hour).Unix(),
	})
	signed, _ := tok.SignedString(s.secret)
	return signed
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

// --- account handlers ---

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username model.UserID `json:"username"`
		Password string       `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[req.Username]; exists {
		http.Error(w, "username taken", http.StatusConflict)
		return
	}
	s.addUserLocked(req.Username, req.Password)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username model.UserID `json:"username"`
		Password string       `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	acct, ok := s.accounts[req.Username]
	s.mu.Unlock()
	if !ok || acct.password != req.Password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"token":    s.issueToken(req.Username, acct.id),
		"username": req.Username,
		"user_id":  acct.id,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	writeJSON(w, map[string]any{"username": viewer, "user_id": viewerID})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	s.mu.Lock()
	users := make([]model.UserID, 0, len(s.accounts))
	for name := range s.accounts {
		users = append(users, name)
	}
	s.mu.Unlock()
	sort.Strings(users)
	writeJSON(w, map[string]any{"users": users})
}

// --- message handlers ---

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	roomID, _ := strconv.ParseInt(r.URL.Query().Get("room_id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0)
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.RoomID != roomID || msg.revoked {
			continue
		}
		if _, hid := s.hidden[viewer][id]; hid {
			continue
		}
		out = append(out, msg.Message)
	}
	writeJSON(w, map[string]any{"messages": out})
}

func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	s.mu.Lock()
	msg, ok := s.messages[pathID(r)]
	s.mu.Unlock()
	if !ok || msg.revoked {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, msg.Message)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	var req struct {
		RoomID       int64          `json:"room_id"`
		Content      string         `json:"content"`
		ThreadRootID *int64         `json:"thread_root_id"`
		Mentions     []model.UserID `json:"mentions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID <= 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, ok := s.rooms[req.RoomID]; !ok {
		s.mu.Unlock()
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	msg := s.insertLocked(req.RoomID, viewer, req.Content, req.ThreadRootID, "")
	var parent *model.Message
	if req.ThreadRootID != nil {
		if p, ok := s.messages[*req.ThreadRootID]; ok && !p.revoked {
			cp := p.Message
			parent = &cp
		}
	}
	frame := map[string]any{"type": "new_message", "message": msg.Message}
	if parent != nil {
		frame["parent_message"] = parent
	}
	s.broadcastLocked(req.RoomID, frame)
	for _, mention := range req.Mentions {
		target, ok := s.accounts[mention]
		if !ok || mention == viewer {
			continue
		}
		s.broadcastLocked(0, map[string]any{
			"type":       "mention_notify",
			"to_user":    target.id,
			"message_id": msg.ID,
			"room_id":    req.RoomID,
			"from":       viewer,
			"content":    req.Content,
			"timestamp":  msg.CreatedAt,
		})
	}
	s.broadcastUnreadLocked(req.RoomID)
	s.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()
	if _, err := io.Copy(io.Discard, file); err != nil {
		http.Error(w, "unreadable file", http.StatusBadRequest)
		return
	}
	roomID, _ := strconv.ParseInt(r.FormValue("room_id"), 10, 64)

	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	path := "/uploads/" + strconv.FormatInt(s.nextMsg+1, 10) + "_" + header.Filename
	msg := s.insertLocked(roomID, viewer, "", nil, path)
	s.broadcastLocked(roomID, map[string]any{"type": "new_message", "message": msg.Message})
	s.broadcastUnreadLocked(roomID)
	s.mu.Unlock()

	writeJSON(w, map[string]any{"file_path": path})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	id := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if msg.Sender == viewer {
		w.WriteHeader(http.StatusOK)
		return
	}
	set := s.readers[id]
	if set == nil {
		set = make(map[model.UserID]struct{})
		s.readers[id] = set
	}
	if _, already := set[viewer]; already {
		w.WriteHeader(http.StatusOK)
		return
	}
	set[viewer] = struct{}{}
	s.broadcastLocked(msg.RoomID, map[string]any{
		"type":       "read_update",
		"message_id": id,
		"readers":    s.readerListLocked(id),
	})
	s.broadcastUnreadLocked(msg.RoomID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	s.mu.Lock()
	readers := s.readerListLocked(pathID(r))
	s.mu.Unlock()
	writeJSON(w, map[string]any{"readers": readers})
}

func (s *Server) readerListLocked(id int64) []model.UserID {
	out := make([]model.UserID, 0, len(s.readers[id]))
	for reader := range s.readers[id] {
		out = append(out, reader)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	id := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.revoked {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if msg.Sender != viewer {
		http.Error(w, "not the sender", http.StatusForbidden)
		return
	}
	if s.now().Sub(msg.CreatedAt) > RevokeWindow {
		http.Error(w, "revoke window elapsed", http.StatusForbidden)
		return
	}
	msg.revoked = true
	s.broadcastLocked(msg.RoomID, map[string]any{
		"type":       "message_revoked",
		"message_id": id,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHide(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	id := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if s.hidden[viewer] == nil {
		s.hidden[viewer] = make(map[int64]struct{})
	}
	s.hidden[viewer][id] = struct{}{}
	w.WriteHeader(http.StatusOK)
}

// --- room handlers ---

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	s.mu.Lock()
	out := make([]model.RoomInfo, 0)
	for _, rm := range s.rooms {
		if _, member := rm.members[viewer]; member {
			out = append(out, model.RoomInfo{ID: rm.id, RoomName: rm.name, IsGroup: rm.isGroup})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, out)
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	s.mu.Lock()
	rm, ok := s.rooms[pathID(r)]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"room_name": rm.name, "is_group": rm.isGroup})
}

func (s *Server) handleEnterRoom(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	roomID := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	rm.members[viewer] = struct{}{}
	// Entering bulk-marks the viewer's unread messages read.
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.RoomID != roomID || msg.revoked || msg.Sender == viewer {
			continue
		}
		set := s.readers[id]
		if set == nil {
			set = make(map[model.UserID]struct{})
			s.readers[id] = set
		}
		set[viewer] = struct{}{}
	}
	s.broadcastLocked(roomID, map[string]any{
		"type":    "user_entered",
		"room_id": roomID,
		"user":    viewer,
	})
	s.broadcastUnreadLocked(roomID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	roomID := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	delete(rm.members, viewer)
	s.broadcastLocked(roomID, map[string]any{
		"type":    "user_left",
		"room_id": roomID,
		"user":    viewer,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[pathID(r)]
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	rm.members[viewer] = struct{}{}
	members := make([]model.UserID, 0, len(rm.members))
	for m := range rm.members {
		members = append(members, m)
	}
	sort.Strings(members)
	writeJSON(w, map[string]any{"members": members})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	s.mu.Lock()
	n := s.unreadLocked(pathID(r), viewer)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"unread_count": n})
}

func (s *Server) unreadLocked(roomID int64, user model.UserID) int {
	n := 0
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.RoomID != roomID || msg.revoked || msg.Sender == user || msg.IsReaction() {
			continue
		}
		if _, read := s.readers[id][user]; !read {
			n++
		}
	}
	return n
}

func (s *Server) handleGetOrCreateRoom(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	var req struct {
		User1 model.UserID `json:"user1"`
		User2 model.UserID `json:"user2"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User1 == "" || req.User2 == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rm := range s.rooms {
		if rm.isGroup || len(rm.members) != 2 {
			continue
		}
		_, has1 := rm.members[req.User1]
		_, has2 := rm.members[req.User2]
		if has1 && has2 {
			writeJSON(w, map[string]any{"room_id": rm.id})
			return
		}
	}
	rm := s.addRoomLocked(string(req.User1)+"-"+string(req.User2), false, []model.UserID{req.User1, req.User2})
	writeJSON(w, map[string]any{"room_id": rm.id})
}

func (s *Server) handleCreateGroupRoom(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	var req struct {
		RoomName string         `json:"room_name"`
		Members  []model.UserID `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomName == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.addRoomLocked(req.RoomName, true, append(req.Members, viewer))
	writeJSON(w, map[string]any{"room_id": rm.id})
}

func (s *Server) handleMentionNotifications(w http.ResponseWriter, r *http.Request, viewer model.UserID, viewerID int64) {
	// Startup digest: per room, the last user to mention the viewer in a
	// message the viewer has not read. Mentions are detected by @name.
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.UserID)
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.revoked || msg.Sender == viewer || msg.IsReaction() {
			continue
		}
		if _, read := s.readers[id][viewer]; read {
			continue
		}
		if strings.Contains(msg.Content, "@"+string(viewer)) {
			out[strconv.FormatInt(msg.RoomID, 10)] = msg.Sender
		}
	}
	writeJSON(w, out)
}

// --- websocket hub ---

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID, _ := strconv.ParseInt(r.URL.Query().Get("room_id"), 10, 64)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn, send: make(chan []byte, 64)}

	s.mu.Lock()
	if s.conns[roomID] == nil {
		s.conns[roomID] = make(map[*wsConn]struct{})
	}
	s.conns[roomID][c] = struct{}{}
	s.mu.Unlock()

	go func() {
		for payload := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				break
			}
		}
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.conns[roomID], c)
	s.mu.Unlock()
	c.close()
}

// broadcastLocked fans a frame out to the room's subscribers and to the
// zero-room global subscribers. Callers hold s.mu.
func (s *Server) broadcastLocked(roomID int64, frame map[string]any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	deliver := func(conns map[*wsConn]struct{}) {
		for c := range conns {
			select {
			case c.send <- payload:
			default:
			}
		}
	}
	deliver(s.conns[roomID])
	if roomID != 0 {
		deliver(s.conns[0])
	}
}

func (s *Server) broadcastUnreadLocked(roomID int64) {
	rm, ok := s.rooms[roomID]
	if !ok {
		return
	}
	// Keyed by numeric user id on the wire.
	counts := make(map[string]int, len(rm.members))
	for member := range rm.members {
		acct, ok := s.accounts[member]
		if !ok {
			continue
		}
		counts[strconv.FormatInt(acct.id, 10)] = s.unreadLocked(roomID, member)
	}
	s.broadcastLocked(roomID, map[string]any{
		"type":       "unread_update",
		"room_id":    roomID,
		"unread_map": counts,
	})
}
