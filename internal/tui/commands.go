package tui

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"peerchat/internal/lan"
	"peerchat/internal/protocol"
)

type (
	connectedMsg     struct{}
	connectFailedMsg struct{ err error }
	disconnectedMsg  struct{}
	reconnectMsg     struct{}
	serverEventMsg   lan.Event
	scanDoneMsg      []lan.DiscoveredServer
	uploadDoneMsg    struct{ path string }
	uploadFailedMsg  struct{ err error }
)

const scanWait = 2 * time.Second

// scanCmd listens for UDP beacons for a short window and reports what it saw.
func (model *Model) scanCmd() tea.Cmd {
	return func() tea.Msg {
		servers, err := lan.Discover(scanWait)
		if err != nil {
			return scanDoneMsg(nil)
		}
		return scanDoneMsg(servers)
	}
}

func (model *Model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		events := model.events
		client := lan.NewClient(model.username, model.opts.Token, func(ev lan.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		if model.opts.DownloadDir != "" {
			client.SetDownloadDir(model.opts.DownloadDir)
		}
		if err := client.Connect(model.chosenAddr, model.chosenPort); err != nil {
			return connectFailedMsg{err: err}
		}
		model.client = client
		return connectedMsg{}
	}
}

func (model *Model) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// waitEventCmd blocks on the next server event. The disconnect signal only
// wins once the queue is drained, so no event is lost on teardown.
func (model *Model) waitEventCmd() tea.Cmd {
	client, events := model.client, model.events
	return func() tea.Msg {
		if client == nil {
			return disconnectedMsg{}
		}
		select {
		case ev := <-events:
			return serverEventMsg(ev)
		case <-client.Done():
			select {
			case ev := <-events:
				return serverEventMsg(ev)
			default:
			}
			return disconnectedMsg{}
		}
	}
}

// runCommand parses a slash command typed in chat mode. Most commands fire a
// request and rely on the event stream for the answer; uploads run as a
// background command so the UI stays responsive.
func (model *Model) runCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "/help":
		model.systemLine(helpText)
	case "/create":
		if len(args) < 2 {
			model.systemLine("usage: /create <name> <password> [topic…]")
			return nil
		}
		topic := strings.Join(args[2:], " ")
		model.reportErr(model.client.CreateRoom(args[0], args[1], true, topic))
	case "/join":
		if len(args) < 2 {
			model.systemLine("usage: /join <room-id> <password>")
			return nil
		}
		model.reportErr(model.client.JoinRoom(args[0], args[1]))
	case "/leave":
		if model.activeRoom == "" {
			model.systemLine("not in a room")
			return nil
		}
		model.reportErr(model.client.LeaveRoom(model.activeRoom))
		model.systemLine("left " + model.roomLabel(model.activeRoom))
		delete(model.roomNames, model.activeRoom)
		model.activeRoom = model.anyJoinedRoom()
	case "/rooms":
		model.reportErr(model.client.ListRooms())
	case "/switch":
		if len(args) != 1 {
			model.systemLine("usage: /switch <room-id>")
			return nil
		}
		if _, ok := model.roomNames[args[0]]; !ok {
			model.systemLine("join that room first")
			return nil
		}
		model.activeRoom = args[0]
		model.systemLine("now talking in " + model.roomLabel(args[0]))
	case "/history":
		limit := protocol.JoinHistory
		if len(args) == 1 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				limit = n
			}
		}
		model.reportErr(model.client.RequestHistory(model.activeRoom, limit))
	case "/topic":
		model.reportErr(model.client.SetTopic(model.activeRoom, strings.Join(args, " ")))
	case "/users":
		model.reportErr(model.client.Users(model.activeRoom))
	case "/kick":
		if len(args) != 1 {
			model.systemLine("usage: /kick <username>")
			return nil
		}
		model.reportErr(model.client.Kick(model.activeRoom, args[0]))
	case "/ban":
		if len(args) < 1 {
			model.systemLine("usage: /ban <username> [reason…]")
			return nil
		}
		model.reportErr(model.client.Ban(model.activeRoom, args[0], strings.Join(args[1:], " ")))
	case "/promote":
		if len(args) != 1 {
			model.systemLine("usage: /promote <username>")
			return nil
		}
		model.reportErr(model.client.Promote(model.activeRoom, args[0]))
	case "/files":
		model.reportErr(model.client.ListFiles(model.activeRoom))
	case "/send":
		if len(args) != 1 {
			model.systemLine("usage: /send <path>")
			return nil
		}
		if model.activeRoom == "" {
			model.systemLine("join a room first")
			return nil
		}
		room, path, client := model.activeRoom, args[0], model.client
		model.systemLine("uploading " + path + "…")
		return func() tea.Msg {
			if err := client.SendFile(room, path); err != nil {
				return uploadFailedMsg{err: err}
			}
			return uploadDoneMsg{path: path}
		}
	case "/get":
		if len(args) != 1 {
			model.systemLine("usage: /get <file-id>")
			return nil
		}
		model.reportErr(model.client.DownloadFile(args[0]))
	default:
		model.systemLine("unknown command " + cmd + " (try /help)")
	}
	return nil
}

const helpText = "/create <name> <pw> [topic]  /join <id> <pw>  /leave  /switch <id>  /rooms\n" +
	"/history [n]  /topic <text>  /users  /kick  /ban  /promote\n" +
	"/files  /send <path>  /get <file-id>  /quit"

func (model *Model) reportErr(err error) {
	if err != nil {
		model.systemLine(err.Error())
	}
}

func (model *Model) systemLine(body string) {
	model.lines = append(model.lines, chatLine{user: "system", body: body, ts: time.Now().UnixMilli()})
}

func (model *Model) roomLabel(roomID string) string {
	if name := model.roomNames[roomID]; name != "" {
		return name
	}
	return roomID
}

func (model *Model) anyJoinedRoom() string {
	for id := range model.roomNames {
		return id
	}
	return ""
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, protocol.DefaultChatPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, protocol.DefaultChatPort
	}
	return host, port
}

func serverLabel(s lan.DiscoveredServer) string {
	return fmt.Sprintf("%s (%s, %d rooms)", s.Name, s.Addr, s.Rooms)
}
