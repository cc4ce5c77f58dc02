package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"peerchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("peerchat", flag.ExitOnError)
	name := flagSet.String("name", app.DefaultServerName(), "server name shown in discovery beacons")
	token := flagSet.String("token", os.Getenv("PEERCHAT_TOKEN"), "shared secret")
	host := flagSet.String("host", app.EnvOr("PEERCHAT_HOST", ""), "server listen address")
	port := flagSet.Int("port", envInt("PEERCHAT_PORT", app.DefaultChatPort()), "server listen port")
	db := flagSet.String("db", app.DefaultDBPath(), "sqlite database path")
	dataDir := flagSet.String("data", app.DefaultDataDir(), "directory for shared file blobs")
	server := flagSet.String("server", os.Getenv("PEERCHAT_SERVER"), "server address host:port (client mode, empty to scan)")
	username := flagSet.String("user", os.Getenv("PEERCHAT_USER"), "display name")
	downloads := flagSet.String("downloads", app.DefaultDownloadDir(), "where fetched files are saved")
	flagSet.Parse(args)

	serverCfg := app.ServerConfig{
		Name:    *name,
		Token:   *token,
		Host:    *host,
		Port:    *port,
		DBPath:  *db,
		DataDir: *dataDir,
	}
	clientCfg := app.ClientConfig{
		Username:    *username,
		Token:       *token,
		ServerAddr:  *server,
		DownloadDir: *downloads,
	}

	var err error
	switch mode {
	case modeServer:
		err = runServerMode(serverCfg)
	case modeLocal:
		err = runLocalMode(serverCfg, clientCfg)
	default:
		err = app.RunClient(clientCfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerchat: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(cfg app.ServerConfig) error {
	handle, err := app.RunServer(cfg, func(username, text string) {
		log.Printf("[%s] %s", username, text)
	})
	if err != nil {
		return err
	}
	log.Printf("Peerchat server %q listening on port %d", cfg.Name, cfg.Port)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	handle.Stop()
	return nil
}

// runLocalMode hosts a server in-process and attaches the TUI to it, for the
// peer who opens the chat on their machine.
func runLocalMode(serverCfg app.ServerConfig, clientCfg app.ClientConfig) error {
	serverCfg.Host = "127.0.0.1"
	handle, err := app.RunServer(serverCfg, nil)
	if err != nil {
		return err
	}
	defer handle.Stop()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(serverCfg.Port))
	if err := waitForServer(addr, 5*time.Second); err != nil {
		return err
	}
	clientCfg.ServerAddr = addr
	return app.RunClient(clientCfg)
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
