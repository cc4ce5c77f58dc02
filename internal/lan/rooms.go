package lan

import (
	"context"
	"log"

	"peerchat/internal/protocol"
	"peerchat/internal/storage"
)

// roomView is the display form rooms take in m.room.list replies.
type roomView struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Topic       string `json:"topic"`
	Creator     string `json:"creator"`
	Public      bool   `json:"public"`
	MemberCount int    `json:"member_count"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *Server) handlePing(sess *session, env *protocol.Envelope) {
	sess.sendMsg(protocol.MPong, "", map[string]any{"ts": protocol.NowMs()})
}

func (s *Server) handleMessage(sess *session, env *protocol.Envelope) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeContent(env, &req); err != nil {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "malformed message")
		return
	}
	body := protocol.Sanitize(req.Body, protocol.MaxMessageLen)
	if body == "" {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "empty message")
		return
	}
	if !s.isMember(env.RoomID, sess.username) {
		sess.sendError(env.RoomID, protocol.ErrForbidden, "not a member of this room")
		return
	}
	ev := &protocol.ChatEvent{
		EventID:   protocol.NewEventID(protocol.RealmLAN),
		RoomID:    env.RoomID,
		Sender:    sess.username,
		Type:      protocol.MRoomMessage,
		Content:   map[string]any{"body": body},
		Timestamp: protocol.NowMs(),
	}
	if err := s.store.SaveEvent(context.Background(), ev); err != nil {
		log.Printf("[server] persist event: %v", err)
	}
	frame := mustEncode(protocol.MRoomMessage, env.RoomID, ev)
	s.broadcastToRoom(env.RoomID, frame, "")
	s.metrics.IncMessage()
	if s.messageHook != nil {
		s.messageHook(sess.username, body)
	}
}

func (s *Server) handleRoomCreate(sess *session, env *protocol.Envelope) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
		Public   *bool  `json:"public"`
		Topic    string `json:"topic"`
	}
	if err := decodeContent(env, &req); err != nil {
		sess.sendError("", protocol.ErrBadParam, "malformed create request")
		return
	}
	name := protocol.Sanitize(req.Name, 64)
	if name == "" || req.Password == "" {
		sess.sendError("", protocol.ErrBadParam, "room name and password required")
		return
	}
	public := true
	if req.Public != nil {
		public = *req.Public
	}
	salt := protocol.NewSalt()
	room := &storage.Room{
		RoomID:       protocol.NewRoomID(protocol.RealmLAN),
		Name:         name,
		Creator:      sess.username,
		PasswordHash: protocol.HashRoomPassword(req.Password, salt),
		PasswordSalt: salt,
		Public:       public,
		CreatedAt:    protocol.NowMs(),
		Topic:        protocol.Sanitize(req.Topic, 256),
		Members:      map[string]string{sess.username: "admin"},
	}
	ctx := context.Background()
	if err := s.store.SaveRoom(ctx, room); err != nil {
		log.Printf("[server] save room: %v", err)
		sess.sendError("", protocol.ErrFileError, "could not persist room")
		return
	}
	if err := s.store.AddMember(ctx, room.RoomID, sess.username, "admin"); err != nil {
		log.Printf("[server] save membership: %v", err)
	}
	s.mu.Lock()
	s.rooms[room.RoomID] = room
	s.mu.Unlock()
	log.Printf("[server] room %q created by %q", name, sess.username)
	sess.sendMsg(protocol.MRoomCreated, room.RoomID, map[string]any{
		"room_id": room.RoomID,
		"name":    name,
	})
}

func (s *Server) handleRoomJoin(sess *session, env *protocol.Envelope) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeContent(env, &req); err != nil {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "malformed join request")
		return
	}
	s.mu.Lock()
	room, ok := s.rooms[env.RoomID]
	s.mu.Unlock()
	if !ok {
		sess.sendError(env.RoomID, protocol.ErrNotFound, "no such room")
		return
	}
	ctx := context.Background()
	banned, err := s.store.IsBanned(ctx, env.RoomID, sess.username)
	if err != nil {
		log.Printf("[server] ban lookup: %v", err)
	}
	if banned {
		sess.sendError(env.RoomID, protocol.ErrBanned, "you are banned from this room")
		return
	}
	if !protocol.VerifyRoomPassword(req.Password, room.PasswordSalt, room.PasswordHash) {
		sess.sendError(env.RoomID, protocol.ErrForbidden, "wrong password")
		return
	}
	s.mu.Lock()
	if _, already := room.Members[sess.username]; !already {
		room.Members[sess.username] = "member"
	}
	name, topic := room.Name, room.Topic
	s.mu.Unlock()
	if err := s.store.AddMember(ctx, env.RoomID, sess.username, "member"); err != nil {
		log.Printf("[server] save membership: %v", err)
	}
	history, err := s.store.History(ctx, env.RoomID, protocol.JoinHistory)
	if err != nil {
		log.Printf("[server] history on join: %v", err)
	}
	if history == nil {
		history = []*protocol.ChatEvent{}
	}
	sess.sendMsg(protocol.MRoomJoined, env.RoomID, map[string]any{
		"room_id": env.RoomID,
		"name":    name,
		"topic":   topic,
		"history": history,
	})
	s.broadcastToRoom(env.RoomID, mustEncode(protocol.MRoomMember, env.RoomID, map[string]any{
		"username":   sess.username,
		"membership": "joined",
	}), sess.username)
}

// handleRoomLeave is idempotent: leaving a room twice, or one never joined,
// is a quiet no-op.
func (s *Server) handleRoomLeave(sess *session, env *protocol.Envelope) {
	s.mu.Lock()
	room, ok := s.rooms[env.RoomID]
	var wasMember bool
	if ok {
		_, wasMember = room.Members[sess.username]
		delete(room.Members, sess.username)
	}
	s.mu.Unlock()
	if !ok || !wasMember {
		return
	}
	if err := s.store.RemoveMember(context.Background(), env.RoomID, sess.username); err != nil {
		log.Printf("[server] remove membership: %v", err)
	}
	s.broadcastToRoom(env.RoomID, mustEncode(protocol.MRoomMember, env.RoomID, map[string]any{
		"username":   sess.username,
		"membership": "left",
	}), sess.username)
}

func (s *Server) handleRoomList(sess *session, env *protocol.Envelope) {
	s.mu.Lock()
	views := make([]roomView, 0, len(s.rooms))
	for _, room := range s.rooms {
		if !room.Public {
			continue
		}
		views = append(views, roomView{
			RoomID:      room.RoomID,
			Name:        room.Name,
			Topic:       room.Topic,
			Creator:     room.Creator,
			Public:      room.Public,
			MemberCount: len(room.Members),
			CreatedAt:   room.CreatedAt,
		})
	}
	s.mu.Unlock()
	sess.sendMsg(protocol.MRoomList, "", map[string]any{"rooms": views})
}

func (s *Server) handleRoomHistory(sess *session, env *protocol.Envelope) {
	var req struct {
		Limit int `json:"limit"`
	}
	_ = decodeContent(env, &req) // missing limit falls back to the cap
	if !s.isMember(env.RoomID, sess.username) {
		sess.sendError(env.RoomID, protocol.ErrForbidden, "not a member of this room")
		return
	}
	history, err := s.store.History(context.Background(), env.RoomID, req.Limit)
	if err != nil {
		log.Printf("[server] history: %v", err)
		sess.sendError(env.RoomID, protocol.ErrFileError, "history unavailable")
		return
	}
	if history == nil {
		history = []*protocol.ChatEvent{}
	}
	sess.sendMsg(protocol.MRoomHistory, env.RoomID, map[string]any{
		"room_id": env.RoomID,
		"events":  history,
	})
}

func (s *Server) handleRoomTopic(sess *session, env *protocol.Envelope) {
	var req struct {
		Topic string `json:"topic"`
	}
	if err := decodeContent(env, &req); err != nil {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "malformed topic request")
		return
	}
	room, ok := s.requireAdmin(sess, env.RoomID)
	if !ok {
		return
	}
	topic := protocol.Sanitize(req.Topic, 256)
	s.mu.Lock()
	room.Topic = topic
	s.mu.Unlock()
	if err := s.store.SaveRoom(context.Background(), room); err != nil {
		log.Printf("[server] save topic: %v", err)
	}
	s.broadcastToRoom(env.RoomID, mustEncode(protocol.MRoomTopic, env.RoomID, map[string]any{
		"topic":  topic,
		"sender": sess.username,
	}), "")
}

func (s *Server) handleRoomKick(sess *session, env *protocol.Envelope) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeContent(env, &req); err != nil || req.Username == "" {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "target username required")
		return
	}
	room, ok := s.requireAdmin(sess, env.RoomID)
	if !ok {
		return
	}
	s.mu.Lock()
	_, isMember := room.Members[req.Username]
	var target *session
	if isMember {
		delete(room.Members, req.Username)
		target = s.sessions[req.Username]
	}
	s.mu.Unlock()
	if !isMember {
		sess.sendError(env.RoomID, protocol.ErrNotFound, "no such member")
		return
	}
	if err := s.store.RemoveMember(context.Background(), env.RoomID, req.Username); err != nil {
		log.Printf("[server] remove membership: %v", err)
	}
	if target != nil {
		target.sendMsg(protocol.MRoomKicked, env.RoomID, map[string]any{
			"room_id": env.RoomID,
			"by":      sess.username,
		})
	}
	s.broadcastToRoom(env.RoomID, mustEncode(protocol.MRoomMember, env.RoomID, map[string]any{
		"username":   req.Username,
		"membership": "kicked",
		"by":         sess.username,
	}), "")
}

func (s *Server) handleRoomBan(sess *session, env *protocol.Envelope) {
	var req struct {
		Username string `json:"username"`
		Reason   string `json:"reason"`
	}
	if err := decodeContent(env, &req); err != nil || req.Username == "" {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "target username required")
		return
	}
	room, ok := s.requireAdmin(sess, env.RoomID)
	if !ok {
		return
	}
	reason := protocol.Sanitize(req.Reason, 256)
	s.mu.Lock()
	delete(room.Members, req.Username)
	target := s.sessions[req.Username]
	s.mu.Unlock()
	if err := s.store.BanMember(context.Background(), env.RoomID, req.Username, sess.username, reason); err != nil {
		log.Printf("[server] ban member: %v", err)
		sess.sendError(env.RoomID, protocol.ErrFileError, "could not persist ban")
		return
	}
	if target != nil {
		target.sendMsg(protocol.MRoomBanned, env.RoomID, map[string]any{
			"room_id": env.RoomID,
			"by":      sess.username,
			"reason":  reason,
		})
	}
	s.broadcastToRoom(env.RoomID, mustEncode(protocol.MRoomMember, env.RoomID, map[string]any{
		"username":   req.Username,
		"membership": "banned",
		"by":         sess.username,
	}), "")
	log.Printf("[server] %q banned from %s by %q", req.Username, env.RoomID, sess.username)
}

func (s *Server) handleRoomPromote(sess *session, env *protocol.Envelope) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeContent(env, &req); err != nil || req.Username == "" {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "target username required")
		return
	}
	room, ok := s.requireAdmin(sess, env.RoomID)
	if !ok {
		return
	}
	s.mu.Lock()
	_, isMember := room.Members[req.Username]
	if isMember {
		room.Members[req.Username] = "admin"
	}
	s.mu.Unlock()
	if !isMember {
		sess.sendError(env.RoomID, protocol.ErrNotFound, "no such member")
		return
	}
	if err := s.store.AddMember(context.Background(), env.RoomID, req.Username, "admin"); err != nil {
		log.Printf("[server] save role: %v", err)
	}
	s.broadcastToRoom(env.RoomID, mustEncode(protocol.MRoomMember, env.RoomID, map[string]any{
		"username":   req.Username,
		"membership": "promoted",
		"by":         sess.username,
	}), "")
}

// handleUsers returns the member count and the caller's own role, never the
// member list itself.
func (s *Server) handleUsers(sess *session, env *protocol.Envelope) {
	s.mu.Lock()
	room, ok := s.rooms[env.RoomID]
	var role string
	var count int
	if ok {
		role = room.Members[sess.username]
		count = len(room.Members)
	}
	s.mu.Unlock()
	if !ok {
		sess.sendError(env.RoomID, protocol.ErrNotFound, "no such room")
		return
	}
	if role == "" {
		sess.sendError(env.RoomID, protocol.ErrForbidden, "not a member of this room")
		return
	}
	sess.sendMsg(protocol.MUsers, env.RoomID, map[string]any{
		"room_id": env.RoomID,
		"count":   count,
		"role":    role,
	})
}

func (s *Server) isMember(roomID, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, member := room.Members[username]
	return member
}

// requireAdmin resolves the room and checks the caller's role, replying with
// the appropriate error itself when the check fails.
func (s *Server) requireAdmin(sess *session, roomID string) (*storage.Room, bool) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	var role string
	if ok {
		role = room.Members[sess.username]
	}
	s.mu.Unlock()
	if !ok {
		sess.sendError(roomID, protocol.ErrNotFound, "no such room")
		return nil, false
	}
	if role != "admin" {
		sess.sendError(roomID, protocol.ErrForbidden, "admin privileges required")
		return nil, false
	}
	return room, true
}
