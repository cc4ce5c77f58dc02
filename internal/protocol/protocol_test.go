package protocol

import (
	"regexp"
	"strings"
	"testing"
)

func TestNewRoomIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^![0-9a-f]{16}:lan$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := NewRoomID(RealmLAN)
		if !re.MatchString(id) {
			t.Fatalf("bad room id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate room id %q", id)
		}
		seen[id] = true
	}
}

func TestNewEventIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^\$\d+_[0-9a-f]{6}:p2p$`)
	id := NewEventID(RealmP2P)
	if !re.MatchString(id) {
		t.Fatalf("bad event id %q", id)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	frame, err := Encode(CMessage, "!abc:lan", map[string]any{"body": "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Type != CMessage || env.RoomID != "!abc:lan" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := Decode([]byte(`{"content":{}}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"  spaced  ", "spaced"},
		{"a\x00b\x07c", "abc"},
		{"tab\tand\nnewline", "tab\tand\nnewline"},
		{"del\x7fchar", "delchar"},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in, MaxMessageLen); got != tc.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	long := strings.Repeat("x", MaxMessageLen+100)
	if got := Sanitize(long, MaxMessageLen); len(got) != MaxMessageLen {
		t.Fatalf("expected clamp to %d, got %d", MaxMessageLen, len(got))
	}
}

func TestRoomPasswordHashing(t *testing.T) {
	salt := NewSalt()
	if len(salt) != 32 {
		t.Fatalf("expected 32 hex chars of salt, got %d", len(salt))
	}
	hash := HashRoomPassword("hunter2", salt)
	if !VerifyRoomPassword("hunter2", salt, hash) {
		t.Fatalf("correct password rejected")
	}
	if VerifyRoomPassword("wrong", salt, hash) {
		t.Fatalf("wrong password accepted")
	}
	// a different salt must produce a different hash
	if hash == HashRoomPassword("hunter2", NewSalt()) {
		t.Fatalf("salt has no effect on hash")
	}
}

func TestHMACSign(t *testing.T) {
	a := HMACSign("token", "challenge")
	b := HMACSign("token", "challenge")
	if !EqualHex(a, b) {
		t.Fatalf("signatures over same inputs differ")
	}
	if EqualHex(a, HMACSign("token", "other")) {
		t.Fatalf("signatures over different challenges match")
	}
}
