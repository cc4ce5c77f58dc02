package app

import (
	"os"
	"path/filepath"
	"runtime"

	"peerchat/internal/protocol"
)

// ServerConfig defines how the LAN websocket backend should run.
type ServerConfig struct {
	Name     string
	Token    string
	Host     string
	Port     int
	DBPath   string
	DataDir  string
	NoBeacon bool
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	Username    string
	Token       string
	ServerAddr  string
	DownloadDir string
}

// P2PConfig defines the parameters the onion-routed node needs.
type P2PConfig struct {
	IdentityPath string
	ReceiveDir   string
	Username     string
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("PEERCHAT_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "peerchat.db")
}

// DefaultDataDir returns where the server keeps shared file blobs.
func DefaultDataDir() string {
	if env := os.Getenv("PEERCHAT_DATA_DIR"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "files")
}

// DefaultIdentityPath returns the location of the persistent p2p identity.
func DefaultIdentityPath() string {
	if env := os.Getenv("PEERCHAT_IDENTITY_PATH"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "identity.json")
}

// DefaultDownloadDir returns where clients save fetched files.
func DefaultDownloadDir() string {
	if env := os.Getenv("PEERCHAT_DOWNLOAD_DIR"); env != "" {
		return env
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Downloads")
	}
	return "."
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "peerchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Peerchat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Peerchat")
		}
		return filepath.Join(home, ".local", "share", "peerchat")
	}
	return filepath.Join(".", ".peerchat")
}

// EnvOr reads an environment variable with a fallback.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DefaultServerName labels the UDP discovery beacon; hostname when available.
func DefaultServerName() string {
	if env := os.Getenv("PEERCHAT_SERVER_NAME"); env != "" {
		return env
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peerchat"
}

// DefaultChatPort returns the websocket listen port for the LAN server.
func DefaultChatPort() int {
	return protocol.DefaultChatPort
}
