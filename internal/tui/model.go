package tui

import (
	"os"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"peerchat/internal/lan"
)

// Options carries everything the TUI needs to reach a server.
type Options struct {
	Username    string
	Token       string
	ServerAddr  string
	DownloadDir string
}

// chatLine is one rendered log entry, chat or system.
type chatLine struct {
	roomID string
	user   string
	body   string
	ts     int64
}

// Model drives the whole client: server pick, name prompt, then chat.
type Model struct {
	textInput textinput.Model
	opts      Options
	client    *lan.Client
	events    chan lan.Event

	servers     []lan.DiscoveredServer
	scanning    bool
	chosenAddr  string
	chosenPort  int
	chosenLabel string

	lines      []chatLine
	roomNames  map[string]string
	activeRoom string

	username        string
	mode            appMode
	isConnected     bool
	connectionError error
}

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeAddrPrompt
	modeChat
)

func NewModel(opts Options) *Model {
	input := textinput.New()
	input.CharLimit = 0
	input.Blur()

	username := opts.Username
	if username == "" {
		username = defaultUsername()
	}

	model := &Model{
		textInput: input,
		opts:      opts,
		events:    make(chan lan.Event, 64),
		lines:     make([]chatLine, 0, 128),
		roomNames: make(map[string]string),
		username:  username,
		mode:      modeMenu,
	}
	if opts.ServerAddr != "" {
		host, port := splitHostPort(opts.ServerAddr)
		model.chosenAddr = host
		model.chosenPort = port
		model.chosenLabel = opts.ServerAddr
		model.mode = modeChat
		model.focusInput("Type a message or /help…", "> ")
	}
	return model
}

func defaultUsername() string {
	if user := os.Getenv("PEERCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *Model) focusInput(placeholder, prompt string) {
	model.textInput.SetValue("")
	model.textInput.Placeholder = placeholder
	model.textInput.Prompt = prompt
	model.textInput.Focus()
}

func (model *Model) blurInput() {
	model.textInput.SetValue("")
	model.textInput.Placeholder = ""
	model.textInput.Prompt = ""
	model.textInput.Blur()
}

func (model *Model) Init() tea.Cmd {
	if model.mode == modeChat {
		return model.connectCmd()
	}
	model.scanning = true
	return model.scanCmd()
}

// Run is the entry point the binaries use.
func Run(opts Options) error {
	program := tea.NewProgram(NewModel(opts))
	_, err := program.Run()
	return err
}
