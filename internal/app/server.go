package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"peerchat/internal/chat"
	"peerchat/internal/lan"
)

// ServerHandle represents a running LAN chat backend.
type ServerHandle struct {
	srv *chat.ChatServer
}

// Stop shuts the server down and stops the restart watchdog.
func (h *ServerHandle) Stop() {
	if h == nil || h.srv == nil {
		return
	}
	h.srv.Stop()
}

// IsOpen reports whether the backend is accepting connections.
func (h *ServerHandle) IsOpen() bool {
	if h == nil || h.srv == nil {
		return false
	}
	return h.srv.IsOpen()
}

// PeerCount returns the number of authenticated sessions.
func (h *ServerHandle) PeerCount() int {
	if h == nil || h.srv == nil {
		return 0
	}
	return h.srv.PeerCount()
}

// RunServer prepares directories and starts the supervised LAN server in the
// background. Call Stop to manage its lifecycle.
func RunServer(cfg ServerConfig, onMessage func(username, text string)) (*ServerHandle, error) {
	if cfg.Token == "" {
		return nil, errors.New("shared token is required")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.Name == "" {
		cfg.Name = DefaultServerName()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultChatPort()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	srv := chat.NewChatServer(lan.Config{
		Name:     cfg.Name,
		Token:    cfg.Token,
		Host:     cfg.Host,
		Port:     cfg.Port,
		DBPath:   cfg.DBPath,
		DataDir:  cfg.DataDir,
		NoBeacon: cfg.NoBeacon,
	}, onMessage)
	if !srv.Start() {
		return nil, fmt.Errorf("listen on port %d failed", cfg.Port)
	}
	return &ServerHandle{srv: srv}, nil
}
