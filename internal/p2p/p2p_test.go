package p2p

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peerchat/internal/protocol"
)

func testIdentity(t *testing.T, name string) *Identity {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "config.json")
	id, err := LoadIdentity(cfg)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if err := id.SetUsername(name); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}
	return id
}

func TestIdentityStableAcrossLoads(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.json")
	first, err := LoadIdentity(cfg)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if !strings.HasPrefix(first.DID, didPrefix) {
		t.Fatalf("unexpected id format %q", first.DID)
	}
	if err := first.SetUsername("zoe"); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}

	second, err := LoadIdentity(cfg)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.DID != first.DID {
		t.Fatalf("id changed across loads: %q vs %q", first.DID, second.DID)
	}
	if second.Username != "zoe" {
		t.Fatalf("username not persisted: %q", second.Username)
	}
	// session keys are per run, so reloading must mint a new one
	if second.SessionPubHex() == first.SessionPubHex() {
		t.Fatalf("session key should differ per load")
	}
}

func TestAuthTokenBindsSessionToLongTermKey(t *testing.T) {
	id := testIdentity(t, "alice")
	if id.AuthToken() != id.AuthToken() {
		t.Fatalf("token must be deterministic within a session")
	}
	other := testIdentity(t, "alice")
	if id.AuthToken() == other.AuthToken() {
		t.Fatalf("different identities must produce different tokens")
	}
}

func TestBase58Encode(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{[]byte{}, ""},
		{[]byte{0}, "1"},
		{[]byte{0, 0, 1}, "112"},
		{[]byte("hello"), "Cn8eVZg"},
	}
	for _, tc := range cases {
		if got := base58Encode(tc.in); got != tc.want {
			t.Fatalf("base58Encode(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// startTestHost runs a room host on an ephemeral loopback port with no Tor
// involved.
func startTestHost(t *testing.T, password string, events chan Event) (*Host, string) {
	t.Helper()
	room := &Room{
		RoomID:    protocol.NewRoomID(protocol.RealmP2P),
		Name:      "den",
		Creator:   "hostess",
		Public:    true,
		CreatedAt: protocol.NowMs(),
		Members:   map[string]string{"hostess": "did:peerchat:host"},
	}
	if password != "" {
		room.PasswordSalt = protocol.NewSalt()
		room.PasswordHash = protocol.HashRoomPassword(password, room.PasswordSalt)
	}
	var sink func(Event)
	if events != nil {
		sink = func(ev Event) { events <- ev }
	}
	host := NewHost(room, 0, "hostess", "did:peerchat:host", sink)
	if err := host.Start(); err != nil {
		t.Fatalf("host start: %v", err)
	}
	t.Cleanup(host.Stop)
	return host, fmt.Sprintf("127.0.0.1:%d", host.Port())
}

func joinTestRoom(t *testing.T, id *Identity, addr, password string, events chan Event) *MemberConn {
	t.Helper()
	var sink func(Event)
	if events != nil {
		sink = func(ev Event) { events <- ev }
	}
	conn := NewMemberConn(id, addr, "", t.TempDir(), sink)
	if err := conn.Connect(password); err != nil {
		t.Fatalf("member connect: %v", err)
	}
	t.Cleanup(conn.Disconnect)
	return conn
}

func waitEvent(t *testing.T, events chan Event, msgType string) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == msgType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func TestHostHandshakeAndRelay(t *testing.T) {
	hostEvents := make(chan Event, 64)
	_, addr := startTestHost(t, "", hostEvents)

	aliceEvents := make(chan Event, 64)
	bobEvents := make(chan Event, 64)
	alice := joinTestRoom(t, testIdentity(t, "alice"), addr, "", aliceEvents)
	joinTestRoom(t, testIdentity(t, "bob"), addr, "", bobEvents)

	if alice.RoomName != "den" || alice.HostUser != "hostess" {
		t.Fatalf("handshake metadata wrong: %+v", alice)
	}
	waitEvent(t, aliceEvents, protocol.MMemberJoin)

	if err := alice.SendMessage("hi bob"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	msg := waitEvent(t, bobEvents, protocol.MRoomMessage)
	if msg.Content["body"] != "hi bob" || msg.Content["sender"] != "alice" {
		t.Fatalf("unexpected relayed message: %+v", msg.Content)
	}
	if msg.Content["sig"] == "" {
		t.Fatalf("relayed message lost its signature")
	}
	// the host application sees the message too
	hostMsg := waitEvent(t, hostEvents, protocol.MRoomMessage)
	if hostMsg.Content["body"] != "hi bob" {
		t.Fatalf("host callback missed the message: %+v", hostMsg.Content)
	}
}

func TestHostRejectsWrongPassword(t *testing.T) {
	_, addr := startTestHost(t, "sesame", nil)

	conn := NewMemberConn(testIdentity(t, "eve"), addr, "", t.TempDir(), nil)
	err := conn.Connect("nope")
	if err == nil || !strings.Contains(err.Error(), "wrong_password") {
		t.Fatalf("expected wrong_password rejection, got %v", err)
	}
	// and the right password works
	good := NewMemberConn(testIdentity(t, "eve"), addr, "", t.TempDir(), nil)
	if err := good.Connect("sesame"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	good.Disconnect()
}

func TestHostRejectsTakenUsernameButEvictsSameIdentity(t *testing.T) {
	host, addr := startTestHost(t, "", nil)

	alice := testIdentity(t, "alice")
	first := joinTestRoom(t, alice, addr, "", nil)

	// a different identity with the same name is refused
	imposter := NewMemberConn(testIdentity(t, "alice"), addr, "", t.TempDir(), nil)
	err := imposter.Connect("")
	if err == nil || !strings.Contains(err.Error(), "username_taken") {
		t.Fatalf("expected username_taken, got %v", err)
	}

	// the same identity reconnecting evicts its stale session
	second := NewMemberConn(alice, addr, "", t.TempDir(), nil)
	if err := second.Connect(""); err != nil {
		t.Fatalf("reconnect should succeed: %v", err)
	}
	defer second.Disconnect()

	deadline := time.Now().Add(5 * time.Second)
	for first.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if first.IsConnected() {
		t.Fatalf("stale connection was not evicted")
	}
	if got := host.PeerCount(); got != 1 {
		t.Fatalf("expected 1 peer after eviction, got %d", got)
	}
}

func TestFileRelayEndToEnd(t *testing.T) {
	_, addr := startTestHost(t, "", nil)

	bobEvents := make(chan Event, 256)
	alice := joinTestRoom(t, testIdentity(t, "alice"), addr, "", nil)
	joinTestRoom(t, testIdentity(t, "bob"), addr, "", bobEvents)

	payload := make([]byte, 2*protocol.ChunkBytesP2P+99)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	src := filepath.Join(t.TempDir(), "notes.bin")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := alice.SendFile(src); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	received := waitEvent(t, bobEvents, protocol.MFileReceived)
	path, _ := received.Content["path"].(string)
	if path == "" {
		t.Fatalf("receipt missing path: %+v", received.Content)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("size mismatch: %d vs %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d differs", i)
		}
	}
}

func TestSplitRoomAddress(t *testing.T) {
	hostAddr, roomID, ok := splitRoomAddress("abcdef.onion/!0123456789abcdef:p2p")
	if !ok || hostAddr != "abcdef.onion" || roomID != "!0123456789abcdef:p2p" {
		t.Fatalf("unexpected parse: %q %q %v", hostAddr, roomID, ok)
	}
	if _, _, ok := splitRoomAddress("no-separator"); ok {
		t.Fatalf("missing separator should fail")
	}
	if _, _, ok := splitRoomAddress("host/notaroom"); ok {
		t.Fatalf("room id without ! prefix should fail")
	}
	if _, _, ok := splitRoomAddress("/!room:p2p"); ok {
		t.Fatalf("empty host should fail")
	}
}
