package lan

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("alice") {
		t.Fatalf("fourth request inside window should be denied")
	}
	if !rl.Allow("bob") {
		t.Fatalf("separate key should not be affected")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("alice") {
		t.Fatalf("request after window expiry should be allowed")
	}
}

func TestRateLimiterForget(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	if !rl.Allow("alice") {
		t.Fatalf("first request should pass")
	}
	if rl.Allow("alice") {
		t.Fatalf("second request should be denied")
	}
	rl.Forget("alice")
	if !rl.Allow("alice") {
		t.Fatalf("request after Forget should pass")
	}
}

func TestAbuseGuardConnCap(t *testing.T) {
	g := NewAbuseGuard()
	g.maxConns = 2
	if !g.Admit("10.0.0.1") || !g.Admit("10.0.0.1") {
		t.Fatalf("first two connections should be admitted")
	}
	if g.Admit("10.0.0.1") {
		t.Fatalf("third connection should be refused")
	}
	g.Release("10.0.0.1")
	if !g.Admit("10.0.0.1") {
		t.Fatalf("connection after release should be admitted")
	}
	if g.ActiveConns("10.0.0.2") != 0 {
		t.Fatalf("other addresses unaffected")
	}
}

func TestAbuseGuardStrikes(t *testing.T) {
	g := NewAbuseGuard()
	g.maxStrikes = 3
	for i := 0; i < 2; i++ {
		if g.Strike("10.0.0.9") {
			t.Fatalf("strike %d should not blacklist yet", i)
		}
	}
	if g.Banned("10.0.0.9") {
		t.Fatalf("not banned before the limit")
	}
	if !g.Strike("10.0.0.9") {
		t.Fatalf("final strike should blacklist")
	}
	if !g.Banned("10.0.0.9") {
		t.Fatalf("address should be banned")
	}
	if g.Admit("10.0.0.9") {
		t.Fatalf("banned address must not be admitted")
	}
}

func TestAbuseGuardClearStrikes(t *testing.T) {
	g := NewAbuseGuard()
	g.maxStrikes = 2
	g.Strike("10.0.0.5")
	g.ClearStrikes("10.0.0.5")
	if g.Strike("10.0.0.5") {
		t.Fatalf("strike count should have been reset")
	}
}
