package p2p

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"peerchat/internal/protocol"
)

// RoomInfo is the display form of one hosted or joined room.
type RoomInfo struct {
	RoomID  string
	Name    string
	Hosted  bool
	Peers   int
	Address string // <onion>/<room_id> for hosted rooms
}

// Node ties the identity, the hidden service, and the per-room hosts and
// memberships together. One Node per process.
type Node struct {
	identity   *Identity
	receiveDir string
	onEvent    func(Event)

	mu      sync.Mutex
	hs      *HiddenService
	onion   string
	hosted  map[string]*Host
	joined  map[string]*MemberConn
	started bool
	portSeq int
}

// NewNode loads (or creates) the identity at cfgPath. The node stays inert
// until Start.
func NewNode(cfgPath, receiveDir string, onEvent func(Event)) (*Node, error) {
	identity, err := LoadIdentity(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return &Node{
		identity:   identity,
		receiveDir: receiveDir,
		onEvent:    onEvent,
		hosted:     make(map[string]*Host),
		joined:     make(map[string]*MemberConn),
		portSeq:    protocol.DefaultHiddenPort,
	}, nil
}

// Username returns the identity's display name.
func (n *Node) Username() string { return n.identity.Username }

// SetUsername persists a new display name.
func (n *Node) SetUsername(name string) error { return n.identity.SetUsername(name) }

// DID returns the identity's stable public id.
func (n *Node) DID() string { return n.identity.DID }

// Onion returns the published address, or empty before Start.
func (n *Node) Onion() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.onion
}

// IsStarted reports whether Start has succeeded.
func (n *Node) IsStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// Start checks for a Tor backend and publishes the hidden service. Without
// Tor the node refuses to start and stays inert.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	if !TorAvailable() {
		return fmt.Errorf("no Tor backend on %s; install and start tor (apt install tor && systemctl start tor)", torSOCKSAddr)
	}
	hs, err := StartHiddenService()
	if err != nil {
		// SOCKS works but the control port does not; the node can still
		// join rooms, it just cannot be reached as a host
		log.Printf("[p2p] hidden service unavailable: %v", err)
		n.onion = ""
	} else {
		n.hs = hs
		n.onion = hs.Onion()
	}
	n.started = true
	log.Printf("[p2p] node started username=%q did=%s onion=%q", n.identity.Username, n.identity.DID, n.onion)
	return nil
}

// Stop tears down every room and the hidden service.
func (n *Node) Stop() {
	n.mu.Lock()
	hosted := make([]*Host, 0, len(n.hosted))
	for _, h := range n.hosted {
		hosted = append(hosted, h)
	}
	joined := make([]*MemberConn, 0, len(n.joined))
	for _, c := range n.joined {
		joined = append(joined, c)
	}
	hs := n.hs
	n.hosted = make(map[string]*Host)
	n.joined = make(map[string]*MemberConn)
	n.hs = nil
	n.started = false
	n.mu.Unlock()

	for _, h := range hosted {
		h.Stop()
	}
	for _, c := range joined {
		c.Disconnect()
	}
	if hs != nil {
		hs.Stop()
	}
}

// CreateRoom starts hosting a new in-memory room and returns its id. An
// empty password leaves the room open.
func (n *Node) CreateRoom(name, password string, public bool, topic string) (string, error) {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return "", fmt.Errorf("node not started")
	}
	port := n.portSeq
	n.portSeq++
	onion := n.onion
	n.mu.Unlock()

	room := &Room{
		RoomID:    protocol.NewRoomID(protocol.RealmP2P),
		Name:      protocol.Sanitize(name, 64),
		Creator:   n.identity.Username,
		Public:    public,
		CreatedAt: protocol.NowMs(),
		Topic:     protocol.Sanitize(topic, 256),
		HostOnion: onion,
		Members:   map[string]string{n.identity.Username: n.identity.DID},
	}
	if password != "" {
		room.PasswordSalt = protocol.NewSalt()
		room.PasswordHash = protocol.HashRoomPassword(password, room.PasswordSalt)
	}
	host := NewHost(room, port, n.identity.Username, n.identity.DID, n.emit)
	if err := host.Start(); err != nil {
		n.mu.Lock()
		n.portSeq-- // reclaim the port on failure
		n.mu.Unlock()
		return "", err
	}
	n.mu.Lock()
	n.hosted[room.RoomID] = host
	n.mu.Unlock()
	log.Printf("[p2p] created room %q (%s)", room.Name, room.RoomID)
	return room.RoomID, nil
}

// JoinRoom connects to a remote room given its address, either
// "<onion>/<room_id>" or "host:port/<room_id>" for direct dials.
func (n *Node) JoinRoom(addr, password string) error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		return fmt.Errorf("node not started")
	}
	hostAddr, roomID, ok := splitRoomAddress(addr)
	if !ok {
		return fmt.Errorf("bad room address %q, want <onion>/<room_id>", addr)
	}
	conn := NewMemberConn(n.identity, hostAddr, roomID, n.receiveDir, n.emit)
	if err := conn.Connect(password); err != nil {
		return err
	}
	n.mu.Lock()
	if old, dup := n.joined[conn.RoomID()]; dup {
		n.mu.Unlock()
		old.Disconnect()
		n.mu.Lock()
	}
	n.joined[conn.RoomID()] = conn
	n.mu.Unlock()
	log.Printf("[p2p] joined room %q (%s)", conn.RoomName, conn.RoomID())
	return nil
}

// LeaveRoom leaves a joined room or stops hosting one.
func (n *Node) LeaveRoom(roomID string) {
	n.mu.Lock()
	host := n.hosted[roomID]
	delete(n.hosted, roomID)
	conn := n.joined[roomID]
	delete(n.joined, roomID)
	n.mu.Unlock()
	if host != nil {
		host.Stop()
	}
	if conn != nil {
		conn.Disconnect()
	}
}

// SendMessage posts a chat line to a hosted or joined room.
func (n *Node) SendMessage(roomID, body string) error {
	n.mu.Lock()
	host := n.hosted[roomID]
	conn := n.joined[roomID]
	n.mu.Unlock()
	switch {
	case host != nil:
		ev := host.SendFromHost(body)
		n.emit(ev)
		return nil
	case conn != nil:
		return conn.SendMessage(body)
	default:
		return fmt.Errorf("not in room %s", roomID)
	}
}

// SendFile streams a file to a hosted or joined room.
func (n *Node) SendFile(roomID, path string) error {
	n.mu.Lock()
	host := n.hosted[roomID]
	conn := n.joined[roomID]
	n.mu.Unlock()
	switch {
	case host != nil:
		return host.SendFileFromHost(path)
	case conn != nil:
		return conn.SendFile(path)
	default:
		return fmt.Errorf("not in room %s", roomID)
	}
}

// ListRooms returns every hosted and joined room.
func (n *Node) ListRooms() []RoomInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []RoomInfo
	for id, h := range n.hosted {
		out = append(out, RoomInfo{
			RoomID:  id,
			Name:    h.room.Name,
			Hosted:  true,
			Peers:   h.PeerCount(),
			Address: n.roomAddressLocked(id),
		})
	}
	for id, c := range n.joined {
		out = append(out, RoomInfo{RoomID: id, Name: c.RoomName})
	}
	return out
}

// ListPeers returns the member usernames of a hosted room.
func (n *Node) ListPeers(roomID string) []string {
	n.mu.Lock()
	host := n.hosted[roomID]
	n.mu.Unlock()
	if host == nil {
		return nil
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	var out []string
	for username := range host.room.Members {
		out = append(out, username)
	}
	return out
}

// RoomAddress returns the shareable "<onion>/<room_id>" invite for a hosted
// room, or empty when the node has no published onion.
func (n *Node) RoomAddress(roomID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.roomAddressLocked(roomID)
}

func (n *Node) roomAddressLocked(roomID string) string {
	if _, ok := n.hosted[roomID]; !ok || n.onion == "" {
		return ""
	}
	return n.onion + "/" + roomID
}

func (n *Node) emit(ev Event) {
	if n.onEvent != nil {
		n.onEvent(ev)
	}
}

// splitRoomAddress splits "<host>/<room_id>"; the host part may carry an
// explicit port.
func splitRoomAddress(addr string) (hostAddr, roomID string, ok bool) {
	addr = strings.TrimSpace(addr)
	idx := strings.LastIndex(addr, "/")
	if idx <= 0 || idx == len(addr)-1 {
		return "", "", false
	}
	hostAddr, roomID = addr[:idx], addr[idx+1:]
	if !strings.HasPrefix(roomID, "!") {
		return "", "", false
	}
	return hostAddr, roomID, true
}
