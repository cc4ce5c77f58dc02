package lan

import (
	"testing"
	"time"
)

func TestParseBeacon(t *testing.T) {
	srv, ok := parseBeacon("PEERCHAT|4.0-ws|office|55300|3", "192.168.1.20")
	if !ok {
		t.Fatalf("expected valid beacon")
	}
	if srv.Name != "office" || srv.Addr != "192.168.1.20:55300" || srv.Rooms != 3 {
		t.Fatalf("unexpected server: %+v", srv)
	}

	bad := []string{
		"",
		"NOPE|4.0-ws|x|55300|0",
		"PEERCHAT|4.0-ws|x|55300",
		"PEERCHAT|4.0-ws|x|notaport|0",
		"PEERCHAT|4.0-ws|x|70000|0",
	}
	for _, payload := range bad {
		if _, ok := parseBeacon(payload, "10.0.0.1"); ok {
			t.Fatalf("payload %q should be rejected", payload)
		}
	}
}

func TestParseBeaconFallbackName(t *testing.T) {
	srv, ok := parseBeacon("PEERCHAT|4.0-ws||55300|0", "10.0.0.7")
	if !ok {
		t.Fatalf("expected valid beacon")
	}
	if srv.Name != "10.0.0.7" {
		t.Fatalf("empty name should fall back to host, got %q", srv.Name)
	}
}

func TestScannerFreshness(t *testing.T) {
	s := NewScanner()
	s.seen["10.0.0.1:55300"] = &DiscoveredServer{
		Name: "stale", Addr: "10.0.0.1:55300", LastSeen: time.Now().Add(-discoveryTTL - time.Second),
	}
	s.seen["10.0.0.2:55300"] = &DiscoveredServer{
		Name: "fresh", Addr: "10.0.0.2:55300", LastSeen: time.Now(),
	}
	servers := s.Servers()
	if len(servers) != 1 || servers[0].Name != "fresh" {
		t.Fatalf("expected only the fresh entry, got %+v", servers)
	}
	if _, ok := s.seen["10.0.0.1:55300"]; ok {
		t.Fatalf("stale entry should have been pruned")
	}
}
