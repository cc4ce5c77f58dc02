package chat

import (
	"testing"
	"time"

	"peerchat/internal/lan"
)

func testConfig(t *testing.T) lan.Config {
	t.Helper()
	return lan.Config{
		Name:     "facade",
		Token:    "secret",
		Host:     "127.0.0.1",
		Port:     0,
		DBPath:   "sqlite://file:" + t.Name() + "?mode=memory&cache=shared",
		DataDir:  t.TempDir(),
		NoBeacon: true,
	}
}

func TestLifecycle(t *testing.T) {
	c := NewChatServer(testConfig(t), nil)
	if c.IsOpen() {
		t.Fatalf("must not be open before Start")
	}
	if !c.Start() {
		t.Fatalf("Start should succeed")
	}
	defer c.Stop()
	if !c.IsOpen() {
		t.Fatalf("expected open after Start")
	}
	if got := c.PeerCount(); got != 0 {
		t.Fatalf("expected 0 peers, got %d", got)
	}
	// Start is idempotent while running
	if !c.Start() {
		t.Fatalf("second Start should report success")
	}
	c.Stop()
	if c.IsOpen() {
		t.Fatalf("expected closed after Stop")
	}
	// Stop is idempotent
	c.Stop()
}

func TestStartFailsWithoutToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Token = ""
	c := NewChatServer(cfg, nil)
	if c.Start() {
		c.Stop()
		t.Fatalf("Start should fail with an empty token")
	}
	if c.IsOpen() {
		t.Fatalf("facade must stay closed after a failed start")
	}
}

func TestWatchdogRestartsDeadServer(t *testing.T) {
	if testing.Short() {
		t.Skip("watchdog restart waits through the backoff")
	}
	c := NewChatServer(testConfig(t), nil)
	if !c.Start() {
		t.Fatalf("Start should succeed")
	}
	defer c.Stop()

	c.mu.Lock()
	first := c.server
	c.mu.Unlock()

	// kill the inner server directly; the facade stays enabled, so the
	// watchdog must bring a fresh one up after the backoff
	first.Stop()

	deadline := time.Now().Add(backoffInitial + 10*time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		current := c.server
		c.mu.Unlock()
		if current != first && c.IsOpen() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("watchdog did not restart the server")
}
