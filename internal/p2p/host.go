package p2p

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peerchat/internal/protocol"
)

// Room is an in-memory p2p room. Nothing here survives the process.
type Room struct {
	RoomID       string
	Name         string
	Creator      string
	PasswordHash string
	PasswordSalt string
	Public       bool
	CreatedAt    int64
	Topic        string
	HostOnion    string
	Members      map[string]string // username → did
}

// Event is one p2p happening surfaced to the embedding application.
type Event struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"room_id,omitempty"`
	EventID string         `json:"event_id,omitempty"`
	Content map[string]any `json:"content,omitempty"`
}

// handshake frames keep their fields at the top level, matching the protocol
// the member side expects before any session exists.
type challengeFrame struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	RoomID    string `json:"room_id"`
	RoomName  string `json:"room_name"`
	Proto     string `json:"proto"`
}

type authFrame struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	DID          string `json:"did"`
	Onion        string `json:"onion"`
	SessionPub   string `json:"session_pubkey"`
	AuthToken    string `json:"auth_token"`
	RoomPassword string `json:"room_password"`
}

type authFailFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Hint   string `json:"hint,omitempty"`
}

type memberInfo struct {
	Username string `json:"username"`
	DID      string `json:"did"`
}

type authOKFrame struct {
	Type    string       `json:"type"`
	RoomID  string       `json:"room_id"`
	Host    string       `json:"host"`
	Members []memberInfo `json:"members"`
	Topic   string       `json:"topic"`
}

// peer is one authenticated member connection on the host side.
type peer struct {
	username string
	did      string
	onion    string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	msgTimes []time.Time
}

func (p *peer) sendJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteJSON(v)
}

// overLimit applies the sliding one-second message window.
func (p *peer) overLimit(now time.Time) bool {
	cutoff := now.Add(-time.Second)
	idx := 0
	for _, ts := range p.msgTimes {
		if ts.After(cutoff) {
			p.msgTimes[idx] = ts
			idx++
		}
	}
	p.msgTimes = p.msgTimes[:idx]
	if len(p.msgTimes) >= protocol.RateLimitPerSec {
		return true
	}
	p.msgTimes = append(p.msgTimes, now)
	return false
}

// relay is one in-flight file stream passing through the host. Chunks are
// forwarded as they arrive; only a running hash is kept, never the bytes.
type relay struct {
	id       string
	filename string
	checksum string
	sender   string
	size     int64
	hasher   hash.Hash
}

// Host serves one room on a loopback port reachable through the node's
// hidden service.
type Host struct {
	room     *Room
	port     int
	hostUser string
	hostDID  string
	onEvent  func(Event)

	mu     sync.Mutex
	peers  map[string]*peer
	relays map[string]*relay

	listener net.Listener
	httpSrv  *http.Server
	running  bool
}

// NewHost wires a host for room on the given loopback port.
func NewHost(room *Room, port int, hostUser, hostDID string, onEvent func(Event)) *Host {
	return &Host{
		room:     room,
		port:     port,
		hostUser: hostUser,
		hostDID:  hostDID,
		onEvent:  onEvent,
		peers:    make(map[string]*peer),
		relays:   make(map[string]*relay),
	}
}

// Start binds the loopback listener and begins accepting peers.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", h.port))
	if err != nil {
		return fmt.Errorf("room host listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.serveWS)
	h.listener = listener
	h.httpSrv = &http.Server{Handler: mux}
	h.running = true
	go func() {
		_ = h.httpSrv.Serve(listener)
	}()
	log.Printf("[p2p] hosting %q on port %d", h.room.Name, h.port)
	return nil
}

// Stop disconnects every peer and closes the listener.
func (h *Host) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	httpSrv := h.httpSrv
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	_ = httpSrv.Close()
}

// Port returns the loopback port the host is bound to.
func (h *Host) Port() int {
	if h.listener == nil {
		return h.port
	}
	return h.listener.Addr().(*net.TCPAddr).Port
}

// PeerCount reports the number of connected members, host excluded.
func (h *Host) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Host) emit(ev Event) {
	if h.onEvent != nil {
		h.onEvent(ev)
	}
}

func (h *Host) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgraderP2P.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[p2p] upgrade error: %v", err)
		return
	}
	go h.runPeer(conn)
}

var upgraderP2P = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Host) runPeer(conn *websocket.Conn) {
	defer conn.Close()

	p, ok := h.handshake(conn)
	if !ok {
		return
	}
	h.emit(Event{
		Type:   protocol.MMemberJoin,
		RoomID: h.room.RoomID,
		Content: map[string]any{
			"username": p.username,
			"did":      p.did,
		},
	})
	h.peerLoop(p)
	h.dropPeer(p)
}

func (h *Host) handshake(conn *websocket.Conn) (*peer, bool) {
	fail := func(reason, hint string) {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteJSON(authFailFrame{Type: protocol.MAuthFail, Reason: reason, Hint: hint})
	}

	challenge := make([]byte, 32)
	_, _ = rand.Read(challenge)
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(challengeFrame{
		Type:      protocol.SChallenge,
		Challenge: base64.StdEncoding.EncodeToString(challenge),
		RoomID:    h.room.RoomID,
		RoomName:  h.room.Name,
		Proto:     protocol.VersionP2P,
	}); err != nil {
		return nil, false
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(protocol.AuthTimeoutP2P))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		fail("timeout", "")
		return nil, false
	}
	var auth authFrame
	if err := json.Unmarshal(payload, &auth); err != nil || auth.Type != protocol.CAuth {
		fail("bad_type", "")
		return nil, false
	}
	username := protocol.Sanitize(auth.Username, 32)
	did := protocol.Sanitize(auth.DID, 80)
	if username == "" {
		fail("no_username", "")
		return nil, false
	}

	h.mu.Lock()
	if existing, taken := h.peers[username]; taken {
		if existing.did != did {
			h.mu.Unlock()
			fail("username_taken", "choose a different username")
			return nil, false
		}
		// same identity reconnecting, drop the stale connection
		delete(h.peers, username)
		h.mu.Unlock()
		_ = existing.conn.Close()
		h.mu.Lock()
	}
	passwordHash, passwordSalt := h.room.PasswordHash, h.room.PasswordSalt
	h.mu.Unlock()

	if passwordHash != "" {
		if !protocol.VerifyRoomPassword(auth.RoomPassword, passwordSalt, passwordHash) {
			fail("wrong_password", "")
			return nil, false
		}
	}

	p := &peer{
		username: username,
		did:      did,
		onion:    protocol.Sanitize(auth.Onion, 80),
		conn:     conn,
	}
	h.mu.Lock()
	h.peers[username] = p
	h.room.Members[username] = did
	members := make([]memberInfo, 0, len(h.room.Members))
	for u, d := range h.room.Members {
		members = append(members, memberInfo{Username: u, DID: d})
	}
	topic := h.room.Topic
	h.mu.Unlock()

	_ = conn.SetReadDeadline(time.Time{})
	if err := p.sendJSON(authOKFrame{
		Type:    protocol.MAuthOK,
		RoomID:  h.room.RoomID,
		Host:    h.hostUser,
		Members: members,
		Topic:   topic,
	}); err != nil {
		h.dropPeer(p)
		return nil, false
	}
	h.broadcast(Event{
		Type:   protocol.MMemberJoin,
		RoomID: h.room.RoomID,
		Content: map[string]any{
			"username": username,
			"did":      did,
			"ts":       protocol.NowMs(),
		},
	}, username)
	log.Printf("[p2p] %q joined %q", username, h.room.Name)
	return p, true
}

func (h *Host) peerLoop(p *peer) {
	for {
		_, payload, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if p.overLimit(time.Now()) {
			_ = p.sendJSON(map[string]any{"type": protocol.MError, "reason": "rate_limited"})
			continue
		}
		var msg struct {
			Type    string         `json:"type"`
			Content map[string]any `json:"content"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case protocol.CPing:
			_ = p.sendJSON(map[string]any{"type": protocol.MPong})
		case protocol.CMessage:
			h.relayMessage(p, msg.Content)
		case protocol.CFileBegin:
			h.relayFileBegin(p, msg.Content)
		case protocol.CFileChunk:
			h.relayFileChunk(p, msg.Content)
		case protocol.CFileEnd:
			h.relayFileEnd(p, msg.Content)
		case protocol.CRoomLeave:
			return
		}
	}
}

func (h *Host) relayMessage(p *peer, content map[string]any) {
	body, _ := content["body"].(string)
	body = protocol.Sanitize(body, protocol.MaxMessageLen)
	if body == "" {
		return
	}
	sig, _ := content["sig"].(string)
	ev := Event{
		Type:    protocol.MRoomMessage,
		RoomID:  h.room.RoomID,
		EventID: protocol.NewEventID(protocol.RealmP2P),
		Content: map[string]any{
			"body":   body,
			"sender": p.username,
			"did":    p.did,
			"sig":    sig,
			"ts":     protocol.NowMs(),
		},
	}
	h.broadcast(ev, "")
	h.emit(ev)
}

func (h *Host) relayFileBegin(p *peer, content map[string]any) {
	filename, _ := content["filename"].(string)
	checksum, _ := content["checksum"].(string)
	r := &relay{
		id:       randomID(),
		filename: protocol.Sanitize(filename, 200),
		checksum: checksum,
		sender:   p.username,
		hasher:   sha256.New(),
	}
	if r.filename == "" {
		r.filename = "file"
	}
	h.mu.Lock()
	h.relays[r.id] = r
	h.mu.Unlock()
	_ = p.sendJSON(Event{
		Type:    protocol.MFileReady,
		Content: map[string]any{"file_id": r.id},
	})
}

func (h *Host) relayFileChunk(p *peer, content map[string]any) {
	fid, _ := content["file_id"].(string)
	encoded, _ := content["data"].(string)
	h.mu.Lock()
	r, ok := h.relays[fid]
	h.mu.Unlock()
	if !ok || r.sender != p.username {
		return
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return
	}
	if r.size+int64(len(data)) > protocol.MaxFileBytes {
		h.mu.Lock()
		delete(h.relays, fid)
		h.mu.Unlock()
		return
	}
	r.hasher.Write(data)
	r.size += int64(len(data))
	h.broadcast(Event{
		Type:    protocol.MFileChunk,
		RoomID:  h.room.RoomID,
		Content: map[string]any{"file_id": fid, "data": encoded},
	}, p.username)
}

func (h *Host) relayFileEnd(p *peer, content map[string]any) {
	fid, _ := content["file_id"].(string)
	h.mu.Lock()
	r, ok := h.relays[fid]
	delete(h.relays, fid)
	h.mu.Unlock()
	if !ok || r.sender != p.username {
		return
	}
	digest := hex.EncodeToString(r.hasher.Sum(nil))
	csOK := r.checksum == "" || protocol.EqualHex(digest, r.checksum)
	ev := Event{
		Type:   protocol.MFileEnd,
		RoomID: h.room.RoomID,
		Content: map[string]any{
			"file_id":  fid,
			"filename": r.filename,
			"checksum": r.checksum,
			"cs_ok":    csOK,
			"size":     r.size,
			"sender":   r.sender,
		},
	}
	h.broadcast(ev, p.username)
	h.emit(ev)
}

// broadcast fans an event to every peer except one. Dead connections are
// pruned as they surface.
func (h *Host) broadcast(ev Event, exclude string) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for username, p := range h.peers {
		if username == exclude {
			continue
		}
		targets = append(targets, p)
	}
	h.mu.Unlock()
	for _, p := range targets {
		if err := p.sendJSON(ev); err != nil {
			h.dropPeer(p)
		}
	}
}

// dropPeer removes the peer and tells the room, if it was still registered.
func (h *Host) dropPeer(p *peer) {
	h.mu.Lock()
	current, ok := h.peers[p.username]
	if !ok || current != p {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.username)
	delete(h.room.Members, p.username)
	h.mu.Unlock()
	_ = p.conn.Close()

	ev := Event{
		Type:   protocol.MMemberLeave,
		RoomID: h.room.RoomID,
		Content: map[string]any{
			"username": p.username,
			"did":      p.did,
			"ts":       protocol.NowMs(),
		},
	}
	h.broadcast(ev, "")
	h.emit(ev)
	log.Printf("[p2p] %q left %q", p.username, h.room.Name)
}

// SendFromHost fans a message written by the host itself to every peer.
func (h *Host) SendFromHost(body string) Event {
	ev := Event{
		Type:    protocol.MRoomMessage,
		RoomID:  h.room.RoomID,
		EventID: protocol.NewEventID(protocol.RealmP2P),
		Content: map[string]any{
			"body":   protocol.Sanitize(body, protocol.MaxMessageLen),
			"sender": h.hostUser,
			"did":    h.hostDID,
			"ts":     protocol.NowMs(),
		},
	}
	h.broadcast(ev, "")
	return ev
}

// SendFileFromHost streams a file owned by the host to every member,
// chunked the same way member relays are.
func (h *Host) SendFileFromHost(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if int64(len(payload)) > protocol.MaxFileBytes {
		return fmt.Errorf("file exceeds the %d byte cap", protocol.MaxFileBytes)
	}
	digest := sha256.Sum256(payload)
	checksum := hex.EncodeToString(digest[:])
	fid := randomID()
	for off := 0; off < len(payload); off += protocol.ChunkBytesP2P {
		end := off + protocol.ChunkBytesP2P
		if end > len(payload) {
			end = len(payload)
		}
		h.broadcast(Event{
			Type:    protocol.MFileChunk,
			RoomID:  h.room.RoomID,
			Content: map[string]any{"file_id": fid, "data": base64.StdEncoding.EncodeToString(payload[off:end])},
		}, "")
	}
	h.broadcast(Event{
		Type:   protocol.MFileEnd,
		RoomID: h.room.RoomID,
		Content: map[string]any{
			"file_id":  fid,
			"filename": filepath.Base(path),
			"checksum": checksum,
			"cs_ok":    true,
			"size":     len(payload),
			"sender":   h.hostUser,
		},
	}, "")
	return nil
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
