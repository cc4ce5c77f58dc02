package p2p

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peerchat/internal/protocol"
)

// MemberConn is the member side of one joined room: a single websocket to
// the room's host, dialed through Tor when the address is an onion.
type MemberConn struct {
	identity   *Identity
	hostAddr   string // "<onion>" or "host:port" for direct dials
	roomID     string
	receiveDir string
	onEvent    func(Event)

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	readyCh   chan string
	rx        map[string]*rxFile

	RoomName string
	HostUser string
	Topic    string
}

// rxFile is one inbound relayed file, assembled in memory until its end
// frame arrives with the metadata.
type rxFile struct {
	data []byte
}

// NewMemberConn prepares a connection to roomID hosted at hostAddr.
func NewMemberConn(identity *Identity, hostAddr, roomID, receiveDir string, onEvent func(Event)) *MemberConn {
	return &MemberConn{
		identity:   identity,
		hostAddr:   hostAddr,
		roomID:     roomID,
		receiveDir: receiveDir,
		onEvent:    onEvent,
		rx:         make(map[string]*rxFile),
	}
}

// Connect dials the host and completes the identity handshake. Onion
// addresses go through the SOCKS proxy; plain host:port addresses (tests,
// same-machine rooms) dial directly.
func (m *MemberConn) Connect(password string) error {
	hostPort := m.hostAddr
	if !strings.Contains(hostPort, ":") {
		hostPort = net.JoinHostPort(hostPort, fmt.Sprintf("%d", protocol.DefaultHiddenPort))
	}
	dialer := websocket.Dialer{HandshakeTimeout: 60 * time.Second}
	if strings.Contains(m.hostAddr, ".onion") {
		socks, err := SOCKSDialer()
		if err != nil {
			return fmt.Errorf("socks dialer: %w", err)
		}
		dialer.NetDial = socks.Dial
	}
	conn, _, err := dialer.Dial("ws://"+hostPort+"/", nil)
	if err != nil {
		return fmt.Errorf("dial host %s: %w", hostPort, err)
	}

	if err := m.authenticate(conn, password); err != nil {
		_ = conn.Close()
		return err
	}
	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.mu.Unlock()
	go m.readLoop(conn)
	return nil
}

func (m *MemberConn) authenticate(conn *websocket.Conn, password string) error {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(protocol.AuthTimeoutP2P))
	var challenge challengeFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Type != protocol.SChallenge {
		return fmt.Errorf("expected challenge, got %s", challenge.Type)
	}
	if m.roomID != "" && challenge.RoomID != m.roomID {
		return fmt.Errorf("host serves %s, wanted %s", challenge.RoomID, m.roomID)
	}
	m.roomID = challenge.RoomID
	m.RoomName = challenge.RoomName

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(authFrame{
		Type:         protocol.CAuth,
		Username:     m.identity.Username,
		DID:          m.identity.DID,
		SessionPub:   m.identity.SessionPubHex(),
		AuthToken:    m.identity.AuthToken(),
		RoomPassword: password,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return fmt.Errorf("decode auth reply: %w", err)
	}
	switch probe.Type {
	case protocol.MAuthOK:
		var ok authOKFrame
		if err := json.Unmarshal(payload, &ok); err != nil {
			return fmt.Errorf("decode auth ok: %w", err)
		}
		m.HostUser = ok.Host
		m.Topic = ok.Topic
		_ = conn.SetReadDeadline(time.Time{})
		return nil
	case protocol.MAuthFail:
		var fail authFailFrame
		_ = json.Unmarshal(payload, &fail)
		if fail.Hint != "" {
			return fmt.Errorf("host rejected join: %s (%s)", fail.Reason, fail.Hint)
		}
		return fmt.Errorf("host rejected join: %s", fail.Reason)
	default:
		return fmt.Errorf("unexpected auth reply %s", probe.Type)
	}
}

// RoomID returns the joined room's id, known after Connect.
func (m *MemberConn) RoomID() string {
	return m.roomID
}

// IsConnected reports whether the host link is live.
func (m *MemberConn) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Disconnect announces the leave and closes the link.
func (m *MemberConn) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	_ = m.sendJSON(map[string]any{"type": protocol.CRoomLeave, "content": map[string]any{}})
	_ = conn.Close()
}

func (m *MemberConn) sendJSON(v any) error {
	m.mu.Lock()
	conn, connected := m.conn, m.connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// SendMessage posts a chat line, signed with the session key.
func (m *MemberConn) SendMessage(body string) error {
	return m.sendJSON(map[string]any{
		"type": protocol.CMessage,
		"content": map[string]any{
			"body": body,
			"sig":  m.identity.Sign([]byte(body)),
		},
	})
}

// SendFile streams path through the host to the other members.
func (m *MemberConn) SendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() > protocol.MaxFileBytes {
		return fmt.Errorf("file exceeds the %d byte cap", protocol.MaxFileBytes)
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return err
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	readyCh := make(chan string, 1)
	m.mu.Lock()
	if m.readyCh != nil {
		m.mu.Unlock()
		return fmt.Errorf("another transfer is in progress")
	}
	m.readyCh = readyCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.readyCh = nil
		m.mu.Unlock()
	}()

	if err := m.sendJSON(map[string]any{
		"type": protocol.CFileBegin,
		"content": map[string]any{
			"filename": filepath.Base(path),
			"checksum": checksum,
		},
	}); err != nil {
		return err
	}
	var fileID string
	select {
	case fileID = <-readyCh:
	case <-time.After(15 * time.Second):
		return fmt.Errorf("host did not accept the transfer")
	}

	buf := make([]byte, protocol.ChunkBytesP2P)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := m.sendJSON(map[string]any{
				"type": protocol.CFileChunk,
				"content": map[string]any{
					"file_id": fileID,
					"data":    base64.StdEncoding.EncodeToString(buf[:n]),
				},
			}); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return m.sendJSON(map[string]any{
		"type":    protocol.CFileEnd,
		"content": map[string]any{"file_id": fileID},
	})
}

func (m *MemberConn) readLoop(conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		m.connected = false
		m.rx = make(map[string]*rxFile)
		m.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		m.handleEvent(ev)
	}
}

func (m *MemberConn) handleEvent(ev Event) {
	switch ev.Type {
	case protocol.MPong:
		return
	case protocol.MFileReady:
		fid, _ := ev.Content["file_id"].(string)
		m.mu.Lock()
		ch := m.readyCh
		m.mu.Unlock()
		if ch != nil && fid != "" {
			select {
			case ch <- fid:
			default:
			}
		}
		return
	case protocol.MFileChunk:
		m.assembleChunk(ev)
		return
	case protocol.MFileEnd:
		m.finishFile(ev)
		return
	}
	m.emit(ev)
}

func (m *MemberConn) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

func (m *MemberConn) assembleChunk(ev Event) {
	fid, _ := ev.Content["file_id"].(string)
	encoded, _ := ev.Content["data"].(string)
	if fid == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rx[fid]
	if !ok {
		f = &rxFile{}
		m.rx[fid] = f
	}
	if int64(len(f.data)+len(data)) > protocol.MaxFileBytes {
		delete(m.rx, fid)
		return
	}
	f.data = append(f.data, data...)
}

// finishFile verifies and saves an assembled relay, then surfaces it as one
// m.file.received event.
func (m *MemberConn) finishFile(ev Event) {
	fid, _ := ev.Content["file_id"].(string)
	filename, _ := ev.Content["filename"].(string)
	checksum, _ := ev.Content["checksum"].(string)
	sender, _ := ev.Content["sender"].(string)
	m.mu.Lock()
	f := m.rx[fid]
	delete(m.rx, fid)
	dir := m.receiveDir
	m.mu.Unlock()
	if f == nil {
		return
	}
	digest := sha256.Sum256(f.data)
	if checksum != "" && !protocol.EqualHex(hex.EncodeToString(digest[:]), checksum) {
		log.Printf("[p2p] discarding relay %s: checksum mismatch", fid)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[p2p] receive dir: %v", err)
		return
	}
	path := filepath.Join(dir, filepath.Base(protocol.Sanitize(filename, 200)))
	if err := os.WriteFile(path, f.data, 0o644); err != nil {
		log.Printf("[p2p] save relay: %v", err)
		return
	}
	m.emit(Event{
		Type:   protocol.MFileReceived,
		RoomID: ev.RoomID,
		Content: map[string]any{
			"file_id":  fid,
			"filename": filepath.Base(filename),
			"size":     len(f.data),
			"checksum": checksum,
			"sender":   sender,
			"path":     path,
		},
	})
}
