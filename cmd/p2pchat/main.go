package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"

	"peerchat/internal/app"
	"peerchat/internal/p2p"
	"peerchat/internal/protocol"
)

func main() {
	identity := flag.String("identity", app.DefaultIdentityPath(), "path to the persistent identity file")
	receiveDir := flag.String("downloads", app.DefaultDownloadDir(), "where received files are saved")
	username := flag.String("user", "", "display name (stored in the identity file)")
	flag.Parse()

	node, err := p2p.NewNode(*identity, *receiveDir, printEvent)
	if err != nil {
		log.Fatalf("identity error: %v", err)
	}
	if *username != "" {
		if err := node.SetUsername(*username); err != nil {
			log.Fatalf("set username: %v", err)
		}
	}

	fmt.Printf("you are %s (%s)\n", node.Username(), node.DID())
	fmt.Print("starting Tor hidden service…\n")
	if err := node.Start(); err != nil {
		log.Fatalf("start error: %v", err)
	}
	defer node.Stop()
	if onion := node.Onion(); onion != "" {
		fmt.Printf("reachable at %s\n", onion)
	} else {
		fmt.Print("no hidden service, join-only mode\n")
	}
	fmt.Print("type /help for commands\n")

	repl(node)
}

var currentRoom string

func repl(node *p2p.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, protocol.MaxMessageLen+1024), protocol.MaxMessageLen+1024)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if strings.HasPrefix(line, "/") {
				if !runCommand(node, line) {
					return
				}
			} else if currentRoom == "" {
				fmt.Println("join or create a room first (/help)")
			} else if err := node.SendMessage(currentRoom, line); err != nil {
				fmt.Println("error:", err)
			}
		}
		fmt.Print("> ")
	}
}

// runCommand executes one slash command; it returns false on /quit.
func runCommand(node *p2p.Node, line string) bool {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "/help":
		fmt.Println(`/create <name> [password] [topic…]   host a new room
/join <onion>/<room-id> [password]    join a remote room
/leave [room-id]                      leave (or stop hosting) a room
/switch <room-id>                     change the room you are talking in
/rooms                                list your rooms
/peers [room-id]                      list peers in a hosted room
/send <path>                          send a file to the current room
/invite [room-id]                     print the join address and a QR code
/whoami                               print your name, DID and onion
/quit                                 exit`)
	case "/create":
		if len(args) < 1 {
			fmt.Println("usage: /create <name> [password] [topic…]")
			return true
		}
		password := ""
		if len(args) > 1 {
			password = args[1]
		}
		topic := strings.Join(args[2:], " ")
		roomID, err := node.CreateRoom(args[0], password, true, topic)
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		currentRoom = roomID
		fmt.Printf("room %s is up, invite with: /invite\n", args[0])
	case "/join":
		if len(args) < 1 {
			fmt.Println("usage: /join <onion>/<room-id> [password]")
			return true
		}
		password := ""
		if len(args) > 1 {
			password = args[1]
		}
		if err := node.JoinRoom(args[0], password); err != nil {
			fmt.Println("error:", err)
			return true
		}
		if idx := strings.LastIndex(args[0], "/"); idx >= 0 {
			currentRoom = args[0][idx+1:]
		}
		fmt.Println("joined", args[0])
	case "/leave":
		roomID := currentRoom
		if len(args) == 1 {
			roomID = args[0]
		}
		if roomID == "" {
			fmt.Println("not in a room")
			return true
		}
		node.LeaveRoom(roomID)
		if roomID == currentRoom {
			currentRoom = ""
		}
		fmt.Println("left", roomID)
	case "/switch":
		if len(args) != 1 {
			fmt.Println("usage: /switch <room-id>")
			return true
		}
		currentRoom = args[0]
	case "/rooms":
		rooms := node.ListRooms()
		if len(rooms) == 0 {
			fmt.Println("no rooms")
			return true
		}
		for _, room := range rooms {
			role := "joined"
			if room.Hosted {
				role = fmt.Sprintf("hosting, %d peers", room.Peers)
			}
			fmt.Printf("%s  %s  (%s)\n", room.RoomID, room.Name, role)
		}
	case "/peers":
		roomID := currentRoom
		if len(args) == 1 {
			roomID = args[0]
		}
		peers := node.ListPeers(roomID)
		if len(peers) == 0 {
			fmt.Println("no peers (only hosted rooms track peers)")
			return true
		}
		for _, peer := range peers {
			fmt.Println(" ", peer)
		}
	case "/send":
		if len(args) != 1 {
			fmt.Println("usage: /send <path>")
			return true
		}
		if currentRoom == "" {
			fmt.Println("join or create a room first")
			return true
		}
		if err := node.SendFile(currentRoom, args[0]); err != nil {
			fmt.Println("error:", err)
		}
	case "/invite":
		roomID := currentRoom
		if len(args) == 1 {
			roomID = args[0]
		}
		addr := node.RoomAddress(roomID)
		if addr == "" {
			fmt.Println("no address (you can only invite to rooms you host)")
			return true
		}
		fmt.Println("join address:", addr)
		qrterminal.GenerateWithConfig(addr, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
	case "/whoami":
		fmt.Printf("%s\n%s\n", node.Username(), node.DID())
		if onion := node.Onion(); onion != "" {
			fmt.Println(onion)
		}
	case "/quit", "/exit":
		return false
	default:
		fmt.Println("unknown command (try /help)")
	}
	return true
}

func printEvent(ev p2p.Event) {
	content := ev.Content
	switch ev.Type {
	case protocol.MRoomMessage:
		fmt.Printf("\r<%s> %s\n> ", asString(content["sender"]), asString(content["body"]))
	case protocol.MMemberJoin:
		fmt.Printf("\r* %s joined\n> ", asString(content["username"]))
	case protocol.MMemberLeave:
		fmt.Printf("\r* %s left\n> ", asString(content["username"]))
	case protocol.MFileEnd:
		status := "checksum mismatch"
		if ok, _ := content["cs_ok"].(bool); ok {
			status = "ok"
		}
		fmt.Printf("\r* %s sent %s (%s)\n> ", asString(content["sender"]), asString(content["filename"]), status)
	case protocol.MFileReceived:
		fmt.Printf("\r* saved %s to %s\n> ", asString(content["filename"]), asString(content["path"]))
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
