package lan

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"peerchat/internal/protocol"
)

const testToken = "test-secret"

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(Config{
		Name:     "testserver",
		Token:    testToken,
		Host:     "127.0.0.1",
		Port:     0,
		DBPath:   "sqlite://file:" + t.Name() + "?mode=memory&cache=shared",
		DataDir:  t.TempDir(),
		NoBeacon: true,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func serverPort(t *testing.T, srv *Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", srv.Addr(), err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func dialTest(t *testing.T, srv *Server, username string) (*Client, chan Event) {
	t.Helper()
	events := make(chan Event, 128)
	client := NewClient(username, testToken, func(ev Event) {
		events <- ev
	})
	client.SetDownloadDir(t.TempDir())
	if err := client.Connect("127.0.0.1", serverPort(t, srv)); err != nil {
		t.Fatalf("Connect %q: %v", username, err)
	}
	t.Cleanup(client.Disconnect)
	return client, events
}

// waitFor drains events until one of the wanted type arrives.
func waitFor(t *testing.T, events chan Event, msgType string) Event {
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

func createAndJoin(t *testing.T, creator *Client, creatorEvents chan Event, name, password string) string {
	t.Helper()
	if err := creator.CreateRoom(name, password, true, ""); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	ev := waitFor(t, creatorEvents, protocol.MRoomCreated)
	roomID, _ := ev.Content["room_id"].(string)
	if roomID == "" {
		t.Fatalf("created event missing room_id: %+v", ev.Content)
	}
	return roomID
}

func TestCreateJoinMessageHistory(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")
	bob, bobEv := dialTest(t, srv, "bob")

	roomID := createAndJoin(t, alice, aliceEv, "general", "pw")

	if err := bob.JoinRoom(roomID, "pw"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	joined := waitFor(t, bobEv, protocol.MRoomJoined)
	if joined.Content["name"] != "general" {
		t.Fatalf("unexpected join reply: %+v", joined.Content)
	}
	// alice sees the membership change
	member := waitFor(t, aliceEv, protocol.MRoomMember)
	if member.Content["username"] != "bob" || member.Content["membership"] != "joined" {
		t.Fatalf("unexpected member event: %+v", member.Content)
	}

	if err := alice.SendMessage(roomID, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	msg := waitFor(t, bobEv, protocol.MRoomMessage)
	content, _ := msg.Content["content"].(map[string]any)
	if msg.Content["sender"] != "alice" || content["body"] != "hello" {
		t.Fatalf("unexpected message: %+v", msg.Content)
	}

	if err := bob.RequestHistory(roomID, 10); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	hist := waitFor(t, bobEv, protocol.MRoomHistory)
	eventsList, _ := hist.Content["events"].([]any)
	if len(eventsList) != 1 {
		t.Fatalf("expected 1 event in history, got %d", len(eventsList))
	}
}

func TestJoinWrongPassword(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")
	bob, bobEv := dialTest(t, srv, "bob")

	roomID := createAndJoin(t, alice, aliceEv, "private", "correct")
	if err := bob.JoinRoom(roomID, "wrong"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	errEv := waitFor(t, bobEv, protocol.MError)
	if errEv.Content["code"] != protocol.ErrForbidden {
		t.Fatalf("expected %s, got %+v", protocol.ErrForbidden, errEv.Content)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	srv := startTestServer(t)
	bob, bobEv := dialTest(t, srv, "bob")
	if err := bob.JoinRoom("!0000000000000000:lan", "pw"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	errEv := waitFor(t, bobEv, protocol.MError)
	if errEv.Content["code"] != protocol.ErrNotFound {
		t.Fatalf("expected %s, got %+v", protocol.ErrNotFound, errEv.Content)
	}
}

func TestDuplicateUsernameRefused(t *testing.T) {
	srv := startTestServer(t)
	dialTest(t, srv, "alice")

	dup := NewClient("alice", testToken, nil)
	err := dup.Connect("127.0.0.1", serverPort(t, srv))
	if err == nil {
		dup.Disconnect()
		t.Fatalf("expected duplicate username rejection")
	}
}

func TestBadTokenStrikesAndBlacklists(t *testing.T) {
	srv := startTestServer(t)
	port := serverPort(t, srv)
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)

	for i := 0; i < protocol.MaxAuthStrikes; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		// read the challenge, answer with garbage
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("read challenge %d: %v", i, err)
		}
		frame, _ := protocol.Encode(protocol.CAuth, "", map[string]any{
			"username": "mallory",
			"response": "ffff",
		})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		// the server replies with an error and closes
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		_ = conn.Close()
	}

	// the blacklist now refuses the connection before any challenge
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("expected blacklisted dial to fail")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")
	roomID := createAndJoin(t, alice, aliceEv, "room", "pw")

	if err := alice.LeaveRoom(roomID); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if err := alice.LeaveRoom(roomID); err != nil {
		t.Fatalf("second LeaveRoom: %v", err)
	}
	// the session must still be usable afterwards
	if err := alice.ListRooms(); err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	waitFor(t, aliceEv, protocol.MRoomList)
}

func TestKickBanPromoteAuthorization(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")
	bob, bobEv := dialTest(t, srv, "bob")
	carol, carolEv := dialTest(t, srv, "carol")

	roomID := createAndJoin(t, alice, aliceEv, "moderated", "pw")
	for _, c := range []struct {
		cl *Client
		ev chan Event
	}{{bob, bobEv}, {carol, carolEv}} {
		if err := c.cl.JoinRoom(roomID, "pw"); err != nil {
			t.Fatalf("JoinRoom: %v", err)
		}
		waitFor(t, c.ev, protocol.MRoomJoined)
	}

	// non-admin kick is forbidden
	if err := bob.send(protocol.CRoomKick, roomID, map[string]any{"username": "carol"}); err != nil {
		t.Fatalf("kick request: %v", err)
	}
	errEv := waitFor(t, bobEv, protocol.MError)
	if errEv.Content["code"] != protocol.ErrForbidden {
		t.Fatalf("expected %s, got %+v", protocol.ErrForbidden, errEv.Content)
	}

	// promote bob, then bob can kick
	if err := alice.send(protocol.CRoomPromote, roomID, map[string]any{"username": "bob"}); err != nil {
		t.Fatalf("promote request: %v", err)
	}
	promoted := waitFor(t, bobEv, protocol.MRoomMember)
	if promoted.Content["membership"] != "promoted" {
		t.Fatalf("expected promotion event, got %+v", promoted.Content)
	}
	if err := bob.send(protocol.CRoomKick, roomID, map[string]any{"username": "carol"}); err != nil {
		t.Fatalf("kick request: %v", err)
	}
	kicked := waitFor(t, carolEv, protocol.MRoomKicked)
	if kicked.RoomID != roomID {
		t.Fatalf("unexpected kick event: %+v", kicked)
	}

	// ban carol for good
	if err := alice.send(protocol.CRoomBan, roomID, map[string]any{"username": "carol", "reason": "spam"}); err != nil {
		t.Fatalf("ban request: %v", err)
	}
	banned := waitFor(t, carolEv, protocol.MRoomBanned)
	if banned.Content["reason"] != "spam" {
		t.Fatalf("unexpected ban event: %+v", banned.Content)
	}
	if err := carol.JoinRoom(roomID, "pw"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	rejoin := waitFor(t, carolEv, protocol.MError)
	if rejoin.Content["code"] != protocol.ErrBanned {
		t.Fatalf("expected %s, got %+v", protocol.ErrBanned, rejoin.Content)
	}
}

func TestUsersReturnsCountAndRoleOnly(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")
	roomID := createAndJoin(t, alice, aliceEv, "room", "pw")

	if err := alice.send(protocol.CUsers, roomID, map[string]any{}); err != nil {
		t.Fatalf("users request: %v", err)
	}
	ev := waitFor(t, aliceEv, protocol.MUsers)
	if ev.Content["role"] != "admin" {
		t.Fatalf("expected admin role, got %+v", ev.Content)
	}
	if count, ok := ev.Content["count"].(float64); !ok || count != 1 {
		t.Fatalf("expected count 1, got %+v", ev.Content)
	}
	if _, leaked := ev.Content["members"]; leaked {
		t.Fatalf("member list must not be exposed: %+v", ev.Content)
	}
}

func TestFileRoundTrip(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")
	bob, bobEv := dialTest(t, srv, "bob")

	roomID := createAndJoin(t, alice, aliceEv, "drops", "pw")
	if err := bob.JoinRoom(roomID, "pw"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	waitFor(t, bobEv, protocol.MRoomJoined)

	// big enough to need several chunks
	payload := make([]byte, 3*protocol.ChunkBytesLAN+1234)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	src := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := alice.SendFile(roomID, src); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	shared := waitFor(t, bobEv, protocol.MRoomFile)
	content, _ := shared.Content["content"].(map[string]any)
	fileID, _ := content["file_id"].(string)
	if fileID == "" {
		t.Fatalf("file event missing file_id: %+v", shared.Content)
	}
	if err := bob.DownloadFile(fileID); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	received := waitFor(t, bobEv, protocol.MFileReceived)
	path, _ := received.Content["path"].(string)
	if path == "" {
		t.Fatalf("receipt missing path: %+v", received.Content)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("downloaded bytes differ from the original")
	}
}

func TestRateLimitedMessagesNotPersisted(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")
	roomID := createAndJoin(t, alice, aliceEv, "busy", "pw")

	total := protocol.RateLimitPerSec + 5
	for i := 0; i < total; i++ {
		if err := alice.SendMessage(roomID, fmt.Sprintf("burst %d", i)); err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
	}
	limited := waitFor(t, aliceEv, protocol.MError)
	if limited.Content["code"] != protocol.ErrRateLimited {
		t.Fatalf("expected %s, got %+v", protocol.ErrRateLimited, limited.Content)
	}

	if err := alice.RequestHistory(roomID, protocol.MaxHistory); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	hist := waitFor(t, aliceEv, protocol.MRoomHistory)
	eventsList, _ := hist.Content["events"].([]any)
	if len(eventsList) >= total {
		t.Fatalf("rejected messages leaked into history: %d events", len(eventsList))
	}
	if len(eventsList) == 0 {
		t.Fatalf("accepted messages missing from history")
	}
}

func TestRoomListShowsPublicOnly(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")

	if err := alice.CreateRoom("open", "pw", true, "hello"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	waitFor(t, aliceEv, protocol.MRoomCreated)
	if err := alice.CreateRoom("hidden", "pw", false, ""); err != nil {
		t.Fatalf("CreateRoom hidden: %v", err)
	}
	waitFor(t, aliceEv, protocol.MRoomCreated)

	if err := alice.ListRooms(); err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	list := waitFor(t, aliceEv, protocol.MRoomList)
	rooms, _ := list.Content["rooms"].([]any)
	if len(rooms) != 1 {
		t.Fatalf("expected 1 public room, got %d", len(rooms))
	}
	view, _ := rooms[0].(map[string]any)
	if view["name"] != "open" || view["topic"] != "hello" {
		t.Fatalf("unexpected listing: %+v", view)
	}
}

func TestCreateRequiresNameAndPassword(t *testing.T) {
	srv := startTestServer(t)
	alice, aliceEv := dialTest(t, srv, "alice")

	if err := alice.CreateRoom("noname", "", true, ""); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	ev := waitFor(t, aliceEv, protocol.MError)
	if ev.Content["code"] != protocol.ErrBadParam {
		t.Fatalf("expected %s, got %+v", protocol.ErrBadParam, ev.Content)
	}
}
