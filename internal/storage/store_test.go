package storage

import (
	"context"
	"fmt"
	"testing"

	"peerchat/internal/protocol"
)

func TestRoomLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	room := &Room{
		RoomID:    protocol.NewRoomID(protocol.RealmLAN),
		Name:      "general",
		Creator:   "alice",
		Public:    true,
		CreatedAt: protocol.NowMs(),
	}
	if err := store.SaveRoom(ctx, room); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}
	if err := store.AddMember(ctx, room.RoomID, "alice", "admin"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := store.AddMember(ctx, room.RoomID, "bob", "member"); err != nil {
		t.Fatalf("AddMember bob: %v", err)
	}

	rooms, err := store.LoadRooms(ctx)
	if err != nil {
		t.Fatalf("LoadRooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(rooms))
	}
	got := rooms[0]
	if got.RoomID != room.RoomID || got.Name != "general" || !got.Public {
		t.Fatalf("unexpected room: %+v", got)
	}
	if got.Members["alice"] != "admin" || got.Members["bob"] != "member" {
		t.Fatalf("unexpected members: %+v", got.Members)
	}

	if err := store.RemoveMember(ctx, room.RoomID, "bob"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	members, err := store.LoadMembers(ctx, room.RoomID)
	if err != nil {
		t.Fatalf("LoadMembers: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 member after removal, got %+v", members)
	}
	// removing twice is a no-op
	if err := store.RemoveMember(ctx, room.RoomID, "bob"); err != nil {
		t.Fatalf("RemoveMember idempotent: %v", err)
	}
}

func TestDeleteRoomCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	roomID := protocol.NewRoomID(protocol.RealmLAN)
	room := &Room{RoomID: roomID, Name: "doomed", Creator: "alice", CreatedAt: protocol.NowMs()}
	if err := store.SaveRoom(ctx, room); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}
	if err := store.AddMember(ctx, roomID, "alice", "admin"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	ev := &protocol.ChatEvent{
		EventID:   protocol.NewEventID(protocol.RealmLAN),
		RoomID:    roomID,
		Sender:    "alice",
		Type:      "m.room.message",
		Content:   map[string]any{"body": "bye"},
		Timestamp: protocol.NowMs(),
	}
	if err := store.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := store.DeleteRoom(ctx, roomID); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	rooms, err := store.LoadRooms(ctx)
	if err != nil {
		t.Fatalf("LoadRooms: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %d", len(rooms))
	}
	history, err := store.History(ctx, roomID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d events", len(history))
	}
}

func TestEventHistoryOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	roomID := protocol.NewRoomID(protocol.RealmLAN)
	base := protocol.NowMs()
	for i := 0; i < 5; i++ {
		ev := &protocol.ChatEvent{
			EventID:   fmt.Sprintf("$%d_%06x:lan", base+int64(i), i),
			RoomID:    roomID,
			Sender:    "alice",
			Type:      "m.room.message",
			Content:   map[string]any{"body": fmt.Sprintf("msg %d", i)},
			Timestamp: base + int64(i),
		}
		if err := store.SaveEvent(ctx, ev); err != nil {
			t.Fatalf("SaveEvent %d: %v", i, err)
		}
	}

	history, err := store.History(ctx, roomID, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 events, got %d", len(history))
	}
	// oldest first, and the three newest of the five
	if history[0].Content["body"] != "msg 2" || history[2].Content["body"] != "msg 4" {
		t.Fatalf("unexpected order: %v ... %v", history[0].Content, history[2].Content)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp < history[i-1].Timestamp {
			t.Fatalf("history not chronological at %d", i)
		}
	}
}

func TestSaveEventDuplicateIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	roomID := protocol.NewRoomID(protocol.RealmLAN)
	ev := &protocol.ChatEvent{
		EventID:   protocol.NewEventID(protocol.RealmLAN),
		RoomID:    roomID,
		Sender:    "alice",
		Type:      "m.room.message",
		Content:   map[string]any{"body": "once"},
		Timestamp: protocol.NowMs(),
	}
	if err := store.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := store.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("SaveEvent duplicate: %v", err)
	}
	history, err := store.History(ctx, roomID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 event, got %d", len(history))
	}
}

func TestBans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	roomID := protocol.NewRoomID(protocol.RealmLAN)
	if err := store.SaveRoom(ctx, &Room{RoomID: roomID, Name: "r", Creator: "alice", CreatedAt: protocol.NowMs()}); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}
	if err := store.AddMember(ctx, roomID, "mallory", "member"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	banned, err := store.IsBanned(ctx, roomID, "mallory")
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if banned {
		t.Fatalf("not banned yet")
	}
	if err := store.BanMember(ctx, roomID, "mallory", "alice", "spam"); err != nil {
		t.Fatalf("BanMember: %v", err)
	}
	banned, err = store.IsBanned(ctx, roomID, "mallory")
	if err != nil {
		t.Fatalf("IsBanned after ban: %v", err)
	}
	if !banned {
		t.Fatalf("expected banned")
	}
	members, err := store.LoadMembers(ctx, roomID)
	if err != nil {
		t.Fatalf("LoadMembers: %v", err)
	}
	if _, ok := members["mallory"]; ok {
		t.Fatalf("ban should revoke membership")
	}
}

func TestFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	roomID := protocol.NewRoomID(protocol.RealmLAN)
	f := &StoredFile{
		FileID:     "f-1",
		RoomID:     roomID,
		Sender:     "alice",
		Filename:   "notes.txt",
		Size:       42,
		Checksum:   "abc123",
		StoredName: "abc123",
	}
	if err := store.SaveFile(ctx, f); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	files, err := store.ListFiles(ctx, roomID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "notes.txt" {
		t.Fatalf("unexpected files: %+v", files)
	}
	got, err := store.GetFile(ctx, "f-1")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got == nil || got.Checksum != "abc123" || got.StoredName != "abc123" {
		t.Fatalf("unexpected file: %+v", got)
	}
	missing, err := store.GetFile(ctx, "nope")
	if err != nil {
		t.Fatalf("GetFile missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown file id")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
