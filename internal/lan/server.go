// Package lan implements the local-network chat transport: an authenticated
// websocket server backed by SQLite, a UDP discovery beacon/scanner, and the
// matching client library.
package lan

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peerchat/internal/protocol"
	"peerchat/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// frames carry base64 file chunks, so the read limit is well above the
	// chat message cap
	maxFrameSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the server is for trusted local networks; the HMAC handshake is the
		// real gate, not the Origin header.
		return true
	},
}

// Config carries everything a Server needs to start.
type Config struct {
	Name     string // advertised server name
	Token    string // shared secret for the HMAC handshake
	Host     string // listen address, empty for all interfaces
	Port     int    // websocket port, 0 picks an ephemeral one
	DBPath   string
	DataDir  string // content-addressed file storage
	NoBeacon bool   // disable the discovery announcer (tests)
}

// Server is the LAN chat server. One instance owns the websocket listener,
// the room state, and the persistence store.
type Server struct {
	mu        sync.Mutex
	cfg       Config
	store     *storage.Store
	guard     *AbuseGuard
	limiter   *RateLimiter
	rooms     map[string]*storage.Room
	sessions  map[string]*session // username → live session
	transfers map[string]*transfer
	handlers  map[string]func(*session, *protocol.Envelope)
	metrics   Metrics

	listener net.Listener
	httpSrv  *http.Server
	beacon   *Beacon
	open     bool
	done     chan struct{}

	// hook invoked for every chat message that reaches a room, used by the
	// embedding application
	messageHook func(username, body string)
}

// NewServer opens the store, runs migrations, and loads persisted rooms.
// The server does not listen until Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("server token must not be empty")
	}
	if cfg.Name == "" {
		cfg.Name = "peerchat"
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	persisted, err := store.LoadRooms(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	rooms := make(map[string]*storage.Room, len(persisted))
	for _, r := range persisted {
		rooms[r.RoomID] = r
	}
	s := &Server{
		cfg:       cfg,
		store:     store,
		guard:     NewAbuseGuard(),
		limiter:   NewRateLimiter(protocol.RateLimitPerSec, time.Second),
		rooms:     rooms,
		sessions:  make(map[string]*session),
		transfers: make(map[string]*transfer),
	}
	s.handlers = map[string]func(*session, *protocol.Envelope){
		protocol.CMessage:     s.handleMessage,
		protocol.CRoomCreate:  s.handleRoomCreate,
		protocol.CRoomJoin:    s.handleRoomJoin,
		protocol.CRoomLeave:   s.handleRoomLeave,
		protocol.CRoomList:    s.handleRoomList,
		protocol.CRoomHistory: s.handleRoomHistory,
		protocol.CRoomTopic:   s.handleRoomTopic,
		protocol.CRoomKick:    s.handleRoomKick,
		protocol.CRoomBan:     s.handleRoomBan,
		protocol.CRoomPromote: s.handleRoomPromote,
		protocol.CRoomFiles:   s.handleRoomFiles,
		protocol.CFileBegin:   s.handleFileBegin,
		protocol.CFileChunk:   s.handleFileChunk,
		protocol.CFileEnd:     s.handleFileEnd,
		protocol.CFileGet:     s.handleFileGet,
		protocol.CUsers:       s.handleUsers,
		protocol.CPing:        s.handlePing,
	}
	return s, nil
}

// SetMessageHook registers a callback invoked for every chat message the
// server accepts. Must be called before Start.
func (s *Server) SetMessageHook(fn func(username, body string)) {
	s.messageHook = fn
}

// Start binds the listener, launches the HTTP server and the discovery
// beacon. It returns once the server is accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return fmt.Errorf("server already running")
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", &s.metrics)
	s.listener = listener
	s.httpSrv = &http.Server{Handler: mux}
	s.open = true
	s.done = make(chan struct{})

	if !s.cfg.NoBeacon {
		port := listener.Addr().(*net.TCPAddr).Port
		s.beacon = NewBeacon(s.cfg.Name, port, s.RoomCount)
		s.beacon.Start()
	}
	go func() {
		err := s.httpSrv.Serve(listener)
		s.mu.Lock()
		wasOpen := s.open
		s.open = false
		done := s.done
		s.mu.Unlock()
		if wasOpen && err != nil && err != http.ErrServerClosed {
			log.Printf("[server] serve loop ended: %v", err)
		}
		close(done)
	}()
	log.Printf("[server] %q listening on %s", s.cfg.Name, listener.Addr())
	return nil
}

// Stop shuts the listener down, disconnects every session, and closes the
// store. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	httpSrv := s.httpSrv
	beacon := s.beacon
	done := s.done
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if beacon != nil {
		beacon.Stop()
	}
	for _, sess := range sessions {
		sess.close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	<-done
	_ = s.store.Close()
}

// IsOpen reports whether the server loop is live.
func (s *Server) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Done is closed when the serve loop exits, however it exits.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// PeerCount returns the number of authenticated sessions.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RoomCount returns the number of rooms, live plus persisted.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Broadcast fans a server-sourced text line to every connected session as an
// unpersisted notice.
func (s *Server) Broadcast(body string) {
	frame, err := protocol.Encode(protocol.MRoomMessage, "", &protocol.ChatEvent{
		EventID:   protocol.NewEventID(protocol.RealmLAN),
		Sender:    s.cfg.Name,
		Type:      protocol.MRoomMessage,
		Content:   map[string]any{"body": protocol.Sanitize(body, protocol.MaxMessageLen)},
		Timestamp: protocol.NowMs(),
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.enqueue(frame)
	}
}

// session is one authenticated websocket connection.
type session struct {
	srv      *Server
	conn     *websocket.Conn
	send     chan []byte
	username string
	ip       string
	once     sync.Once
}

func (sess *session) close() {
	sess.once.Do(func() {
		close(sess.send)
	})
}

// enqueue drops the session if its send buffer is full; a client too slow to
// read must not stall the room.
func (sess *session) enqueue(frame []byte) {
	defer func() {
		// racing against close(); a lost frame to a dying session is fine
		_ = recover()
	}()
	select {
	case sess.send <- frame:
	default:
		log.Printf("[server] dropping slow client %q", sess.username)
		sess.close()
	}
}

func (sess *session) sendMsg(msgType, roomID string, content any) {
	frame, err := protocol.Encode(msgType, roomID, content)
	if err != nil {
		log.Printf("[server] encode %s: %v", msgType, err)
		return
	}
	sess.enqueue(frame)
}

func (sess *session) sendError(roomID, code, msg string) {
	sess.sendMsg(protocol.MError, roomID, &protocol.ErrorContent{Code: code, Error: msg})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	// blacklisted and over-cap addresses are refused before the upgrade,
	// before any challenge is issued
	if !s.guard.Admit(ip) {
		http.Error(w, "connection refused", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.guard.Release(ip)
		log.Printf("[server] upgrade error: %v", err)
		return
	}
	go s.runConn(conn, ip)
}

func (s *Server) runConn(conn *websocket.Conn, ip string) {
	defer s.guard.Release(ip)

	sess, ok := s.handshake(conn, ip)
	if !ok {
		_ = conn.Close()
		return
	}
	log.Printf("[server] %q authenticated from %s", sess.username, ip)
	go sess.writePump()
	sess.readPump()
}

// handshake runs the challenge/response exchange. On failure the IP is
// struck and an error frame is sent before the caller closes the socket.
func (s *Server) handshake(conn *websocket.Conn, ip string) (*session, bool) {
	fail := func(code, msg string) {
		if frame, err := protocol.Encode(protocol.MError, "", &protocol.ErrorContent{Code: code, Error: msg}); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
	}

	challenge := protocol.NewChallenge()
	frame, err := protocol.Encode(protocol.MAuthChallenge, "", map[string]any{
		"challenge": challenge,
		"server":    s.cfg.Name,
		"version":   protocol.Version,
	})
	if err != nil {
		return nil, false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, false
	}

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(protocol.AuthTimeoutLAN))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		if s.guard.Strike(ip) {
			log.Printf("[server] blacklisted %s after repeated auth failures", ip)
		}
		return nil, false
	}
	env, err := protocol.Decode(payload)
	if err != nil || env.Type != protocol.CAuth {
		s.strikeAndLog(ip)
		fail(protocol.ErrUnauthorized, "expected c.auth")
		return nil, false
	}
	var auth struct {
		Username string `json:"username"`
		Response string `json:"response"`
	}
	if err := decodeContent(env, &auth); err != nil {
		s.strikeAndLog(ip)
		fail(protocol.ErrBadParam, "malformed auth content")
		return nil, false
	}
	username := protocol.Sanitize(auth.Username, 32)
	if username == "" {
		s.strikeAndLog(ip)
		fail(protocol.ErrBadParam, "username required")
		return nil, false
	}
	expected := protocol.HMACSign(s.cfg.Token, challenge)
	if !protocol.EqualHex(expected, auth.Response) {
		s.strikeAndLog(ip)
		fail(protocol.ErrUnauthorized, "bad challenge response")
		return nil, false
	}

	sess := &session{
		srv:      s,
		conn:     conn,
		send:     make(chan []byte, 256),
		username: username,
		ip:       ip,
	}
	s.mu.Lock()
	if _, taken := s.sessions[username]; taken {
		s.mu.Unlock()
		fail(protocol.ErrUserInUse, "username already connected")
		return nil, false
	}
	s.sessions[username] = sess
	s.mu.Unlock()

	s.guard.ClearStrikes(ip)
	s.metrics.IncConn()
	sess.sendMsg(protocol.MAuthOK, "", map[string]any{
		"username": username,
		"server":   s.cfg.Name,
		"version":  protocol.Version,
	})
	return sess, true
}

func (s *Server) strikeAndLog(ip string) {
	if s.guard.Strike(ip) {
		log.Printf("[server] blacklisted %s after repeated auth failures", ip)
	}
}

func (sess *session) readPump() {
	defer sess.teardown()
	conn := sess.conn
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.dispatch(payload)
	}
}

// dispatch decodes one frame and routes it. A panic in a handler closes only
// this connection.
func (sess *session) dispatch(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[server] panic handling frame from %q: %v", sess.username, r)
			sess.close()
		}
	}()
	env, err := protocol.Decode(payload)
	if err != nil {
		log.Printf("[server] dropping malformed frame from %q: %v", sess.username, err)
		return
	}
	if env.Type == protocol.CMessage && !sess.srv.limiter.Allow(sess.username) {
		sess.sendError(env.RoomID, protocol.ErrRateLimited, "slow down")
		return
	}
	handler, ok := sess.srv.handlers[env.Type]
	if !ok {
		log.Printf("[server] dropping unknown frame type %q from %q", env.Type, sess.username)
		return
	}
	handler(sess, env)
}

func (sess *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown removes the session, aborts its in-flight uploads, and tells the
// rooms it was a member of.
func (sess *session) teardown() {
	s := sess.srv
	sess.close()
	_ = sess.conn.Close()
	s.metrics.DecConn()
	s.limiter.Forget(sess.username)
	s.abortTransfersFor(sess.username)

	s.mu.Lock()
	if s.sessions[sess.username] == sess {
		delete(s.sessions, sess.username)
	}
	var memberOf []string
	for roomID, room := range s.rooms {
		if _, ok := room.Members[sess.username]; ok {
			memberOf = append(memberOf, roomID)
		}
	}
	s.mu.Unlock()

	for _, roomID := range memberOf {
		s.broadcastToRoom(roomID, mustEncode(protocol.MRoomMember, roomID, map[string]any{
			"username":   sess.username,
			"membership": "left",
		}), sess.username)
	}
	log.Printf("[server] %q disconnected", sess.username)
}

// broadcastToRoom fans a frame to every member of roomID with a live
// session, excluding one username.
func (s *Server) broadcastToRoom(roomID string, frame []byte, exclude string) {
	if frame == nil {
		return
	}
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	var targets []*session
	for username := range room.Members {
		if username == exclude {
			continue
		}
		if sess, live := s.sessions[username]; live {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range targets {
		sess.enqueue(frame)
	}
}

func mustEncode(msgType, roomID string, content any) []byte {
	frame, err := protocol.Encode(msgType, roomID, content)
	if err != nil {
		log.Printf("[server] encode %s: %v", msgType, err)
		return nil
	}
	return frame
}

func decodeContent(env *protocol.Envelope, v any) error {
	if len(env.Content) == 0 {
		return fmt.Errorf("empty content")
	}
	return json.Unmarshal(env.Content, v)
}
