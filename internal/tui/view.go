package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *Model) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt:
		return model.renderPrompt("Pick a name", "Enter the display name other peers will see.")
	case modeAddrPrompt:
		return model.renderPrompt("Connect by address", "Enter host:port of a chat server on this network.")
	default:
		return model.renderChatView()
	}
}

func (model *Model) renderMenuView() string {
	title := appTitleStyle.Render("Peerchat")
	subtitle := subtitleStyle.Render("LAN chat over websockets, no accounts, no cloud")

	var options []string
	if len(model.servers) == 0 {
		if model.scanning {
			options = append(options, menuItemStyle.Render("Scanning for servers…"))
		} else {
			options = append(options, menuItemStyle.Render("No servers found on this network."))
		}
	} else {
		for idx, server := range model.servers {
			options = append(options, renderMenuOption(fmt.Sprintf("%d", idx+1), serverLabel(server)))
		}
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
		menuHintStyle.Render("1-9) connect  •  r) rescan  •  m) manual address  •  q) quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *Model) renderPrompt(title, hint string) string {
	viewSections := []string{
		appTitleStyle.Render(title),
		menuHintStyle.Render(hint),
		inputBoxStyle.Render(model.textInput.View()),
	}
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *Model) renderChatView() string {
	headerSegments := []string{"Peerchat"}
	if model.activeRoom != "" {
		headerSegments = append(headerSegments, "Room "+model.roomLabel(model.activeRoom))
	}
	headerSegments = append(headerSegments, "User "+model.username)
	headerSegments = append(headerSegments, "Server "+model.chosenLabel)
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connectionError != nil && !model.isConnected:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	var messageLines []string
	for _, line := range model.lines {
		if line.user != "system" && line.roomID != model.activeRoom {
			continue
		}
		messageLines = append(messageLines, model.renderChatLine(line))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Try /rooms, /join or /create."))
	}

	sections := []string{
		header,
		statusLine,
		messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)),
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("/help for commands • /quit to exit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

// renderChatLine stamps the timestamp, colors the sender, and indents
// multi-line bodies so they stay legible.
func (model *Model) renderChatLine(line chatLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.UnixMilli(line.ts).Format("15:04:05")))
	if line.user == "system" {
		body := systemMessageStyle.Render(line.body)
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", body)
	}

	var nameStyle lipgloss.Style
	if line.user == model.username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(line.user))
	}

	name := nameStyle.Render(line.user)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(line.body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
