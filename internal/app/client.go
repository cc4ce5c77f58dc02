package app

import (
	"errors"

	"peerchat/internal/tui"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.Token == "" {
		return errors.New("shared token is required")
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = DefaultDownloadDir()
	}
	return tui.Run(tui.Options{
		Username:    cfg.Username,
		Token:       cfg.Token,
		ServerAddr:  cfg.ServerAddr,
		DownloadDir: cfg.DownloadDir,
	})
}
