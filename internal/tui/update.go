package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"peerchat/internal/protocol"
)

func (model *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Ctrl+C bails out from anywhere.
		if typedMessage.Type == tea.KeyCtrlC {
			if model.client != nil {
				model.client.Disconnect()
			}
			return model, tea.Quit
		}
		switch model.mode {
		case modeMenu:
			return model.updateMenu(typedMessage)
		case modeNamePrompt:
			return model.updateNamePrompt(typedMessage)
		case modeAddrPrompt:
			return model.updateAddrPrompt(typedMessage)
		case modeChat:
			return model.updateChat(typedMessage)
		}

	case scanDoneMsg:
		model.scanning = false
		model.servers = typedMessage
		return model, nil

	case connectedMsg:
		model.isConnected = true
		model.connectionError = nil
		model.systemLine("connected to " + model.chosenLabel + " as " + model.username)
		return model, model.waitEventCmd()

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case disconnectedMsg:
		model.isConnected = false
		model.systemLine("connection lost, retrying…")
		return model, model.scheduleReconnect()

	case serverEventMsg:
		model.applyEvent(typedMessage)
		return model, model.waitEventCmd()

	case uploadDoneMsg:
		model.systemLine("uploaded " + typedMessage.path)
		return model, nil

	case uploadFailedMsg:
		model.systemLine("upload failed: " + typedMessage.err.Error())
		return model, nil
	}
	return model, nil
}

func (model *Model) updateMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "q", "Q", "esc":
		return model, tea.Quit
	case "r", "R":
		if !model.scanning {
			model.scanning = true
			return model, model.scanCmd()
		}
		return model, nil
	case "m", "M":
		model.mode = modeAddrPrompt
		model.focusInput("host:port…", "server> ")
		return model, nil
	default:
		if idx, err := strconv.Atoi(key.String()); err == nil && idx >= 1 && idx <= len(model.servers) {
			picked := model.servers[idx-1]
			model.chosenAddr, model.chosenPort = splitHostPort(picked.Addr)
			model.chosenLabel = picked.Name
			model.mode = modeNamePrompt
			model.focusInput("Enter display name…", "name> ")
			model.textInput.SetValue(model.username)
			return model, nil
		}
	}
	return model, nil
}

func (model *Model) updateNamePrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		model.username = trimmed
		model.mode = modeChat
		model.focusInput("Type a message or /help…", "> ")
		return model, model.connectCmd()
	case tea.KeyEsc:
		model.mode = modeMenu
		model.blurInput()
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *Model) updateAddrPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		model.chosenAddr, model.chosenPort = splitHostPort(trimmed)
		model.chosenLabel = trimmed
		model.mode = modeNamePrompt
		model.focusInput("Enter display name…", "name> ")
		model.textInput.SetValue(model.username)
		return model, nil
	case tea.KeyEsc:
		model.mode = modeMenu
		model.blurInput()
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *Model) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type == tea.KeyEnter {
		trimmed := strings.TrimSpace(model.textInput.Value())
		model.textInput.SetValue("")
		if trimmed == "" {
			return model, nil
		}
		if strings.HasPrefix(trimmed, "/") {
			lower := strings.ToLower(trimmed)
			if lower == "/quit" || lower == "/exit" {
				if model.client != nil {
					model.client.Disconnect()
				}
				return model, tea.Quit
			}
			if model.client == nil || !model.isConnected {
				model.systemLine("not connected yet")
				return model, nil
			}
			return model, model.runCommand(trimmed)
		}
		if !model.isConnected {
			model.systemLine("not connected yet")
			return model, nil
		}
		if model.activeRoom == "" {
			model.systemLine("join a room first (/rooms then /join, or /create)")
			return model, nil
		}
		model.reportErr(model.client.SendMessage(model.activeRoom, trimmed))
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

// applyEvent folds one server event into the message log.
func (model *Model) applyEvent(ev serverEventMsg) {
	content := ev.Content
	switch ev.Type {
	case protocol.MRoomMessage:
		model.lines = append(model.lines, chatLine{
			roomID: ev.RoomID,
			user:   str(content["sender"]),
			body:   eventBody(content),
			ts:     num(content["timestamp"]),
		})
	case protocol.MRoomCreated:
		roomID := str(content["room_id"])
		model.roomNames[roomID] = str(content["name"])
		// the creator is already a member, drop them straight in
		model.activeRoom = roomID
		model.systemLine("room " + str(content["name"]) + " created: " + roomID)
	case protocol.MRoomJoined:
		roomID := str(content["room_id"])
		model.roomNames[roomID] = str(content["name"])
		model.activeRoom = roomID
		model.systemLine("joined " + str(content["name"]) + " (" + roomID + ")")
		if topic := str(content["topic"]); topic != "" {
			model.systemLine("topic: " + topic)
		}
		model.appendHistory(roomID, content["history"])
	case protocol.MRoomHistory:
		model.appendHistory(ev.RoomID, content["events"])
	case protocol.MRoomMember:
		model.systemLine(str(content["username"]) + " " + str(content["membership"]) + " " + model.roomLabel(ev.RoomID))
	case protocol.MRoomTopic:
		model.systemLine(str(content["sender"]) + " set topic: " + str(content["topic"]))
	case protocol.MRoomList:
		model.renderRoomList(content["rooms"])
	case protocol.MRoomKicked:
		model.systemLine("you were kicked from " + model.roomLabel(ev.RoomID) + " by " + str(content["by"]))
		model.dropRoom(ev.RoomID)
	case protocol.MRoomBanned:
		line := "you were banned from " + model.roomLabel(ev.RoomID) + " by " + str(content["by"])
		if reason := str(content["reason"]); reason != "" {
			line += ": " + reason
		}
		model.systemLine(line)
		model.dropRoom(ev.RoomID)
	case protocol.MRoomFile:
		inner, _ := content["content"].(map[string]any)
		model.systemLine(fmt.Sprintf("%s shared %s (%s bytes, /get %s)",
			str(content["sender"]), str(inner["filename"]), formatNum(inner["size"]), str(inner["file_id"])))
	case protocol.MRoomFiles:
		model.renderFileList(content["files"])
	case protocol.MFileReceived:
		model.systemLine("saved " + str(content["filename"]) + " to " + str(content["path"]))
	case protocol.MUsers:
		model.systemLine(fmt.Sprintf("%s members in %s (you are %s)",
			formatNum(content["count"]), model.roomLabel(ev.RoomID), str(content["role"])))
	case protocol.MError:
		line := str(content["code"])
		if msg := str(content["error"]); msg != "" {
			line += ": " + msg
		}
		model.systemLine(line)
	}
}

func (model *Model) appendHistory(roomID string, raw any) {
	items, ok := raw.([]any)
	if !ok {
		return
	}
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		model.lines = append(model.lines, chatLine{
			roomID: roomID,
			user:   str(entry["sender"]),
			body:   eventBody(entry),
			ts:     num(entry["timestamp"]),
		})
	}
}

func (model *Model) renderRoomList(raw any) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		model.systemLine("no public rooms")
		return
	}
	for _, item := range items {
		room, ok := item.(map[string]any)
		if !ok {
			continue
		}
		model.systemLine(fmt.Sprintf("%s  %s  (%s members)  %s",
			str(room["room_id"]), str(room["name"]), formatNum(room["member_count"]), str(room["topic"])))
	}
}

func (model *Model) renderFileList(raw any) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		model.systemLine("no files in this room")
		return
	}
	for _, item := range items {
		file, ok := item.(map[string]any)
		if !ok {
			continue
		}
		model.systemLine(fmt.Sprintf("%s  %s  %s bytes  from %s",
			str(file["file_id"]), str(file["filename"]), formatNum(file["size"]), str(file["sender"])))
	}
}

func (model *Model) dropRoom(roomID string) {
	delete(model.roomNames, roomID)
	if model.activeRoom == roomID {
		model.activeRoom = model.anyJoinedRoom()
	}
}

// eventBody digs the text out of a chat event's nested content map.
func eventBody(entry map[string]any) string {
	if inner, ok := entry["content"].(map[string]any); ok {
		return str(inner["body"])
	}
	return ""
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return time.Now().UnixMilli()
}

func formatNum(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatInt(int64(f), 10)
	}
	return "?"
}
