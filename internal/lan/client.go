package lan

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peerchat/internal/protocol"
)

// Event is one decoded server frame handed to the client callback.
type Event struct {
	Type    string
	RoomID  string
	Content map[string]any
}

// Client is the library side of the LAN transport. One Client holds one
// authenticated connection.
type Client struct {
	username    string
	token       string
	onEvent     func(Event)
	downloadDir string

	mu        sync.Mutex
	conn      *websocket.Conn
	sendq     chan []byte
	connected bool
	done      chan struct{}

	// single in-flight upload waiting on its m.file.ready
	readyCh chan string
	// inbound file streams keyed by file_id
	incoming map[string]*fileAssembly
}

type fileAssembly struct {
	filename string
	size     int64
	checksum string
	received int64
	tmp      *os.File
}

// NewClient builds a client for the given identity. onEvent receives every
// server frame the client does not consume internally.
func NewClient(username, token string, onEvent func(Event)) *Client {
	return &Client{
		username:    username,
		token:       token,
		onEvent:     onEvent,
		downloadDir: ".",
		incoming:    make(map[string]*fileAssembly),
	}
}

// SetDownloadDir changes where received files are written.
func (c *Client) SetDownloadDir(dir string) {
	c.mu.Lock()
	c.downloadDir = dir
	c.mu.Unlock()
}

// Connect dials the server and completes the challenge handshake before
// returning. On success the read and send loops are running.
func (c *Client) Connect(host string, port int) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}

	if err := c.authenticate(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.sendq = make(chan []byte, 64)
	c.connected = true
	c.done = make(chan struct{})
	c.readyCh = nil
	c.mu.Unlock()

	go c.sendLoop(conn, c.sendq, c.done)
	go c.readLoop(conn)
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(protocol.AuthTimeoutLAN))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode challenge: %w", err)
	}
	if env.Type == protocol.MError {
		return fmt.Errorf("server refused connection: %s", errorText(env))
	}
	if env.Type != protocol.MAuthChallenge {
		return fmt.Errorf("expected auth challenge, got %s", env.Type)
	}
	var ch struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(env.Content, &ch); err != nil || ch.Challenge == "" {
		return fmt.Errorf("malformed challenge")
	}
	reply, err := protocol.Encode(protocol.CAuth, "", map[string]any{
		"username": c.username,
		"response": protocol.HMACSign(c.token, ch.Challenge),
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	_, payload, err = conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	env, err = protocol.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode auth reply: %w", err)
	}
	switch env.Type {
	case protocol.MAuthOK:
		_ = conn.SetReadDeadline(time.Time{})
		return nil
	case protocol.MError:
		return fmt.Errorf("authentication failed: %s", errorText(env))
	default:
		return fmt.Errorf("unexpected auth reply %s", env.Type)
	}
}

func errorText(env *protocol.Envelope) string {
	var ec protocol.ErrorContent
	if err := json.Unmarshal(env.Content, &ec); err != nil {
		return "unknown error"
	}
	return fmt.Sprintf("%s (%s)", ec.Error, ec.Code)
}

// Disconnect closes the connection. The read loop finishes teardown.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// IsConnected reports whether the session is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done returns a channel closed when the current connection ends. It is only
// valid after a successful Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// sendLoop drains the queue and emits a keep-alive ping when nothing has
// been sent for a while.
func (c *Client) sendLoop(conn *websocket.Conn, sendq chan []byte, done chan struct{}) {
	keepAlive := time.NewTimer(protocol.KeepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case frame, ok := <-sendq:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = conn.Close()
				return
			}
			if !keepAlive.Stop() {
				select {
				case <-keepAlive.C:
				default:
				}
			}
			keepAlive.Reset(protocol.KeepAliveInterval)
		case <-keepAlive.C:
			ping, err := protocol.Encode(protocol.CPing, "", map[string]any{"ts": protocol.NowMs()})
			if err == nil {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
					_ = conn.Close()
					return
				}
			}
			keepAlive.Reset(protocol.KeepAliveInterval)
		case <-done:
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		close(c.done)
		for id, fa := range c.incoming {
			fa.discard()
			delete(c.incoming, id)
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(payload)
		if err != nil {
			log.Printf("[client] dropping malformed frame: %v", err)
			continue
		}
		c.handleFrame(env)
	}
}

func (c *Client) handleFrame(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MPong:
		return
	case protocol.MFileReady:
		var ready struct {
			TransferID string `json:"transfer_id"`
		}
		if err := json.Unmarshal(env.Content, &ready); err != nil {
			return
		}
		c.mu.Lock()
		ch := c.readyCh
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- ready.TransferID:
			default:
			}
		}
		return
	case protocol.MFileBegin, protocol.MFileChunk, protocol.MFileEnd:
		c.handleIncomingFile(env)
		return
	}
	c.emit(env)
}

func (c *Client) emit(env *protocol.Envelope) {
	if c.onEvent == nil {
		return
	}
	var content map[string]any
	if len(env.Content) > 0 {
		if err := json.Unmarshal(env.Content, &content); err != nil {
			log.Printf("[client] undecodable %s content: %v", env.Type, err)
			return
		}
	}
	c.onEvent(Event{Type: env.Type, RoomID: env.RoomID, Content: content})
}

func (fa *fileAssembly) discard() {
	if fa.tmp != nil {
		name := fa.tmp.Name()
		_ = fa.tmp.Close()
		_ = os.Remove(name)
	}
}

// handleIncomingFile assembles an m.file.begin/chunk/end stream and surfaces
// the finished file as one m.file.received event.
func (c *Client) handleIncomingFile(env *protocol.Envelope) {
	var frame struct {
		FileID   string `json:"file_id"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
		Checksum string `json:"checksum"`
		Data     string `json:"data"`
	}
	if err := json.Unmarshal(env.Content, &frame); err != nil || frame.FileID == "" {
		return
	}
	switch env.Type {
	case protocol.MFileBegin:
		if frame.Size <= 0 || frame.Size > protocol.MaxFileBytes {
			return
		}
		c.mu.Lock()
		dir := c.downloadDir
		c.mu.Unlock()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("[client] download dir: %v", err)
			return
		}
		tmp, err := os.CreateTemp(dir, "partial-*")
		if err != nil {
			log.Printf("[client] temp file: %v", err)
			return
		}
		c.mu.Lock()
		if old, ok := c.incoming[frame.FileID]; ok {
			old.discard()
		}
		c.incoming[frame.FileID] = &fileAssembly{
			filename: filepath.Base(frame.Filename),
			size:     frame.Size,
			checksum: frame.Checksum,
			tmp:      tmp,
		}
		c.mu.Unlock()
	case protocol.MFileChunk:
		c.mu.Lock()
		fa := c.incoming[frame.FileID]
		c.mu.Unlock()
		if fa == nil {
			return
		}
		data, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			c.dropIncoming(frame.FileID)
			return
		}
		if fa.received+int64(len(data)) > fa.size {
			c.dropIncoming(frame.FileID)
			return
		}
		if _, err := fa.tmp.Write(data); err != nil {
			c.dropIncoming(frame.FileID)
			return
		}
		fa.received += int64(len(data))
	case protocol.MFileEnd:
		c.mu.Lock()
		fa := c.incoming[frame.FileID]
		delete(c.incoming, frame.FileID)
		dir := c.downloadDir
		c.mu.Unlock()
		if fa == nil {
			return
		}
		path, err := fa.finalize(dir)
		if err != nil {
			log.Printf("[client] file %s: %v", frame.FileID, err)
			fa.discard()
			return
		}
		receipt := &protocol.Envelope{Type: protocol.MFileReceived, RoomID: env.RoomID}
		receipt.Content, _ = json.Marshal(map[string]any{
			"file_id":  frame.FileID,
			"filename": fa.filename,
			"size":     fa.received,
			"checksum": fa.checksum,
			"path":     path,
		})
		c.emit(receipt)
	}
}

// finalize verifies size and checksum, then moves the temp file to its
// final name.
func (fa *fileAssembly) finalize(dir string) (string, error) {
	if fa.received != fa.size {
		return "", fmt.Errorf("received %d of %d bytes", fa.received, fa.size)
	}
	tmpName := fa.tmp.Name()
	if _, err := fa.tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, fa.tmp); err != nil {
		return "", err
	}
	if err := fa.tmp.Close(); err != nil {
		return "", err
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	if !protocol.EqualHex(digest, fa.checksum) {
		return "", fmt.Errorf("checksum mismatch")
	}
	final := filepath.Join(dir, fa.filename)
	if err := os.Rename(tmpName, final); err != nil {
		return "", err
	}
	return final, nil
}

func (c *Client) dropIncoming(fileID string) {
	c.mu.Lock()
	fa := c.incoming[fileID]
	delete(c.incoming, fileID)
	c.mu.Unlock()
	if fa != nil {
		fa.discard()
	}
}

func (c *Client) send(msgType, roomID string, content any) error {
	frame, err := protocol.Encode(msgType, roomID, content)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("not connected")
	}
	select {
	case c.sendq <- frame:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

// SendMessage posts a chat message to a joined room.
func (c *Client) SendMessage(roomID, body string) error {
	return c.send(protocol.CMessage, roomID, map[string]any{"body": body})
}

// CreateRoom asks the server to create a room; the reply arrives as an
// m.room.created event.
func (c *Client) CreateRoom(name, password string, public bool, topic string) error {
	return c.send(protocol.CRoomCreate, "", map[string]any{
		"name": name, "password": password, "public": public, "topic": topic,
	})
}

// JoinRoom requests membership; history arrives in the m.room.joined reply.
func (c *Client) JoinRoom(roomID, password string) error {
	return c.send(protocol.CRoomJoin, roomID, map[string]any{"password": password})
}

// LeaveRoom gives up membership.
func (c *Client) LeaveRoom(roomID string) error {
	return c.send(protocol.CRoomLeave, roomID, map[string]any{})
}

// ListRooms requests the public room directory.
func (c *Client) ListRooms() error {
	return c.send(protocol.CRoomList, "", map[string]any{})
}

// ListFiles requests a room's stored file listing.
func (c *Client) ListFiles(roomID string) error {
	return c.send(protocol.CRoomFiles, roomID, map[string]any{})
}

// RequestHistory asks for up to limit past events from a joined room.
func (c *Client) RequestHistory(roomID string, limit int) error {
	return c.send(protocol.CRoomHistory, roomID, map[string]any{"limit": limit})
}

// SetTopic changes the room topic (admin only).
func (c *Client) SetTopic(roomID, topic string) error {
	return c.send(protocol.CRoomTopic, roomID, map[string]any{"topic": topic})
}

// Kick removes a member from a room (admin only).
func (c *Client) Kick(roomID, username string) error {
	return c.send(protocol.CRoomKick, roomID, map[string]any{"username": username})
}

// Ban removes a member and blocks rejoining (admin only).
func (c *Client) Ban(roomID, username, reason string) error {
	return c.send(protocol.CRoomBan, roomID, map[string]any{"username": username, "reason": reason})
}

// Promote grants a member the admin role (admin only).
func (c *Client) Promote(roomID, username string) error {
	return c.send(protocol.CRoomPromote, roomID, map[string]any{"username": username})
}

// Users asks for the member count of a joined room.
func (c *Client) Users(roomID string) error {
	return c.send(protocol.CUsers, roomID, map[string]any{})
}

// DownloadFile asks the server to stream a stored file; the finished file
// surfaces as an m.file.received event.
func (c *Client) DownloadFile(fileID string) error {
	return c.send(protocol.CFileGet, "", map[string]any{"file_id": fileID})
}

// SendFile uploads path to a joined room: offer, wait for the transfer slot,
// stream chunks, finish. Blocks until the upload is fully queued.
func (c *Client) SendFile(roomID, path string) error {
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
	c.mu.Lock()
	if c.readyCh != nil {
		c.mu.Unlock()
		return fmt.Errorf("another upload is in progress")
	}
	c.readyCh = readyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.readyCh = nil
		c.mu.Unlock()
	}()

	if err := c.send(protocol.CFileBegin, roomID, map[string]any{
		"filename": filepath.Base(path),
		"size":     info.Size(),
		"checksum": checksum,
	}); err != nil {
		return err
	}
	var transferID string
	select {
	case transferID = <-readyCh:
	case <-time.After(writeWait):
		return fmt.Errorf("server did not accept the transfer")
	}

	buf := make([]byte, protocol.ChunkBytesLAN)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := map[string]any{
				"transfer_id": transferID,
				"data":        base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if err := c.sendBlocking(protocol.CFileChunk, roomID, chunk); err != nil {
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
	return c.sendBlocking(protocol.CFileEnd, roomID, map[string]any{"transfer_id": transferID})
}

// sendBlocking waits for queue space instead of failing, used by bulk
// transfers.
func (c *Client) sendBlocking(msgType, roomID string, content any) error {
	frame, err := protocol.Encode(msgType, roomID, content)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	sendq, done := c.sendq, c.done
	c.mu.Unlock()
	select {
	case sendq <- frame:
		return nil
	case <-done:
		return fmt.Errorf("connection closed mid-transfer")
	}
}
