package lan

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"peerchat/internal/protocol"
)

const (
	discoveryTag      = "PEERCHAT"
	beaconInterval    = 8 * time.Second
	discoveryTTL      = 14 * time.Second
	maxDatagramLength = 512
)

// DiscoveredServer is one live beacon seen on the local network.
type DiscoveredServer struct {
	Name     string
	Addr     string // host:port of the chat endpoint
	Rooms    int
	LastSeen time.Time
}

// Beacon periodically broadcasts the server's presence datagram:
// PEERCHAT|<version>|<name>|<chat port>|<room count>.
type Beacon struct {
	name     string
	chatPort int
	port     int
	roomsFn  func() int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBeacon builds an announcer for a server named name listening on
// chatPort. roomsFn is polled for the advertised room count.
func NewBeacon(name string, chatPort int, roomsFn func() int) *Beacon {
	return &Beacon{
		name:     name,
		chatPort: chatPort,
		port:     protocol.DefaultDiscoveryPort,
		roomsFn:  roomsFn,
	}
}

// Start launches the broadcast loop. Failure to open the socket is logged and
// swallowed: discovery is best effort and never blocks the chat server.
func (b *Beacon) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(ctx)
}

// Stop terminates the broadcast loop.
func (b *Beacon) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}

func (b *Beacon) loop(ctx context.Context) {
	defer close(b.done)
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: b.port,
	})
	if err != nil {
		log.Printf("[discovery] beacon disabled: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()
	b.announce(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.announce(conn)
		}
	}
}

func (b *Beacon) announce(conn *net.UDPConn) {
	rooms := 0
	if b.roomsFn != nil {
		rooms = b.roomsFn()
	}
	payload := fmt.Sprintf("%s|%s|%s|%d|%d", discoveryTag, protocol.Version, b.name, b.chatPort, rooms)
	if _, err := conn.Write([]byte(payload)); err != nil {
		log.Printf("[discovery] announce failed: %v", err)
	}
}

// Scanner listens for beacons and keeps a freshness-bounded table of live
// servers.
type Scanner struct {
	mu    sync.Mutex
	seen  map[string]*DiscoveredServer
	port  int
	close func() error
	done  chan struct{}
}

func NewScanner() *Scanner {
	return &Scanner{
		seen: make(map[string]*DiscoveredServer),
		port: protocol.DefaultDiscoveryPort,
	}
}

// Start opens the discovery socket and begins collecting beacons.
func (s *Scanner) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.port})
	if err != nil {
		return fmt.Errorf("discovery listen: %w", err)
	}
	s.close = conn.Close
	s.done = make(chan struct{})
	go s.readLoop(conn)
	return nil
}

// Stop closes the socket and ends the read loop.
func (s *Scanner) Stop() {
	if s.close != nil {
		_ = s.close()
		<-s.done
	}
}

func (s *Scanner) readLoop(conn *net.UDPConn) {
	defer close(s.done)
	buf := make([]byte, maxDatagramLength)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.record(string(buf[:n]), addr)
	}
}

func (s *Scanner) record(payload string, addr *net.UDPAddr) {
	srv, ok := parseBeacon(payload, addr.IP.String())
	if !ok {
		return
	}
	s.mu.Lock()
	s.seen[srv.Addr] = srv
	s.mu.Unlock()
}

// Servers returns beacons seen within the freshness window, pruning the rest.
func (s *Scanner) Servers() []DiscoveredServer {
	cutoff := time.Now().Add(-discoveryTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DiscoveredServer
	for addr, srv := range s.seen {
		if srv.LastSeen.Before(cutoff) {
			delete(s.seen, addr)
			continue
		}
		out = append(out, *srv)
	}
	return out
}

func parseBeacon(payload, host string) (*DiscoveredServer, bool) {
	parts := strings.Split(strings.TrimSpace(payload), "|")
	if len(parts) != 5 || parts[0] != discoveryTag {
		return nil, false
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil || port <= 0 || port > 65535 {
		return nil, false
	}
	rooms, err := strconv.Atoi(parts[4])
	if err != nil || rooms < 0 {
		rooms = 0
	}
	name := protocol.Sanitize(parts[2], 64)
	if name == "" {
		name = host
	}
	return &DiscoveredServer{
		Name:     name,
		Addr:     net.JoinHostPort(host, parts[3]),
		Rooms:    rooms,
		LastSeen: time.Now(),
	}, true
}

// Discover runs a one-shot scan for wait and returns whatever answered.
func Discover(wait time.Duration) ([]DiscoveredServer, error) {
	scanner := NewScanner()
	if err := scanner.Start(); err != nil {
		return nil, err
	}
	defer scanner.Stop()
	time.Sleep(wait)
	return scanner.Servers(), nil
}
