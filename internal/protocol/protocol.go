// Package protocol defines the JSON wire format shared by the LAN and the
// peer-to-peer transports: one envelope per websocket frame, c.* types from
// the client, m.* types from the server.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Realms namespace room and event ids so the two transports can never mint
// colliding identifiers.
const (
	RealmLAN = "lan"
	RealmP2P = "p2p"
)

// Shared protocol limits. The chunk sizes are the decoded byte counts; the
// payload on the wire is base64 inside JSON.
const (
	Version          = "4.0-ws"
	VersionP2P       = "1.0-p2p-did"
	MaxMessageLen    = 8192
	MaxFileBytes     = 50 * 1024 * 1024
	ChunkBytesLAN    = 65536
	ChunkBytesP2P    = 32768
	MaxHistory       = 250
	JoinHistory      = 50
	RateLimitPerSec  = 20
	MaxConnPerIP     = 8
	MaxAuthStrikes   = 5
	PBKDF2Iterations = 100_000
)

// Default ports.
const (
	DefaultChatPort      = 55300
	DefaultStreamPort    = 55301
	DefaultDiscoveryPort = 55302
	DefaultHiddenPort    = 55320
)

// Handshake and keep-alive timing.
const (
	AuthTimeoutLAN    = 18 * time.Second
	AuthTimeoutP2P    = 25 * time.Second
	KeepAliveInterval = 30 * time.Second
)

// Client → server message types.
const (
	CAuth        = "c.auth"
	CRoomCreate  = "c.room.create"
	CRoomJoin    = "c.room.join"
	CRoomLeave   = "c.room.leave"
	CRoomList    = "c.room.list"
	CRoomHistory = "c.room.history"
	CRoomTopic   = "c.room.topic"
	CRoomKick    = "c.room.kick"
	CRoomBan     = "c.room.ban"
	CRoomPromote = "c.room.promote"
	CRoomFiles   = "c.room.files"
	CMessage     = "c.message"
	CFileBegin   = "c.file.begin"
	CFileChunk   = "c.file.chunk"
	CFileEnd     = "c.file.end"
	CFileGet     = "c.file.get"
	CUsers       = "c.users"
	CPing        = "c.ping"
)

// Server → client message types.
const (
	MAuthChallenge = "m.auth.challenge"
	MAuthOK        = "m.auth.ok"
	MAuthFail      = "m.auth.fail"
	MRoomCreated   = "m.room.created"
	MRoomJoined    = "m.room.joined"
	MRoomMember    = "m.room.member"
	MRoomList      = "m.room.list"
	MRoomHistory   = "m.room.history"
	MRoomTopic     = "m.room.topic"
	MRoomKicked    = "m.room.kicked"
	MRoomBanned    = "m.room.banned"
	MRoomFiles     = "m.room.files"
	MRoomMessage   = "m.room.message"
	MRoomFile      = "m.room.file"
	MUsers         = "m.users"
	MFileReady     = "m.file.ready"
	MFileBegin     = "m.file.begin"
	MFileChunk     = "m.file.chunk"
	MFileEnd       = "m.file.end"
	MFileReceived  = "m.file.received"
	MMemberJoin    = "m.member.join"
	MMemberLeave   = "m.member.leave"
	MError         = "m.error"
	MPong          = "m.pong"
	// p2p host handshake opener; the p2p realm keeps its own prefix for the
	// challenge because it is emitted before any authenticated session exists.
	SChallenge = "s.challenge"
)

// Machine-readable error codes carried in m.error replies.
const (
	ErrUnauthorized = "M_UNAUTHORIZED"
	ErrForbidden    = "M_FORBIDDEN"
	ErrNotFound     = "M_NOT_FOUND"
	ErrRateLimited  = "M_RATE_LIMITED"
	ErrTooLarge     = "M_TOO_LARGE"
	ErrFileError    = "M_FILE_ERROR"
	ErrBadParam     = "M_BAD_PARAM"
	ErrUserInUse    = "M_USER_IN_USE"
	ErrBanned       = "M_BANNED"
)

// Envelope is the single framed message both transports exchange. Content is
// kept raw so each handler decodes only the shape it expects.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Decode parses one frame into an envelope.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type discriminator")
	}
	return &env, nil
}

// Encode builds a frame from a type, optional room id, and a content value.
func Encode(msgType, roomID string, content any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, RoomID: roomID, Content: raw})
}

// ErrorContent is the content payload of an m.error reply.
type ErrorContent struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// ChatEvent is one immutable room event, persisted on the LAN transport and
// ephemeral on p2p.
type ChatEvent struct {
	EventID   string         `json:"event_id"`
	RoomID    string         `json:"room_id"`
	Sender    string         `json:"sender"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content"`
	Timestamp int64          `json:"timestamp"`
}

// NewRoomID returns a fresh id of the form !<16hex>:<realm>.
func NewRoomID(realm string) string {
	return "!" + randomHex(8) + ":" + realm
}

// NewEventID returns $<epoch-ms>_<6hex>:<realm>. The millisecond prefix gives
// lexicographic approximate ordering without a central counter.
func NewEventID(realm string) string {
	return fmt.Sprintf("$%d_%s:%s", NowMs(), randomHex(3), realm)
}

// NowMs is the event timestamp clock, milliseconds since the epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Sanitize strips control characters, trims surrounding whitespace, and clamps
// the result to max runes. Every user-supplied string crosses this before the
// server stores or relays it.
func Sanitize(raw string, max int) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r < 0x20 && r != '\t' && r != '\n' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if max > 0 {
		runes := []rune(out)
		if len(runes) > max {
			out = string(runes[:max])
		}
	}
	return out
}
