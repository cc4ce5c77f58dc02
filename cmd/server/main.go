package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"peerchat/internal/app"
)

func main() {
	name := flag.String("name", app.DefaultServerName(), "server name shown in discovery beacons")
	token := flag.String("token", os.Getenv("PEERCHAT_TOKEN"), "shared secret clients must know")
	host := flag.String("host", app.EnvOr("PEERCHAT_HOST", ""), "listen address (empty for all interfaces)")
	port := flag.Int("port", envInt("PEERCHAT_PORT", app.DefaultChatPort()), "websocket listen port")
	dbPath := flag.String("db", app.DefaultDBPath(), "path to the SQLite database")
	dataDir := flag.String("data", app.DefaultDataDir(), "directory for shared file blobs")
	noBeacon := flag.Bool("no-beacon", false, "disable the UDP discovery beacon")
	flag.Parse()

	if *token == "" {
		log.Fatal("a shared token is required (set --token or PEERCHAT_TOKEN)")
	}

	handle, err := app.RunServer(app.ServerConfig{
		Name:     *name,
		Token:    *token,
		Host:     *host,
		Port:     *port,
		DBPath:   *dbPath,
		DataDir:  *dataDir,
		NoBeacon: *noBeacon,
	}, func(username, text string) {
		log.Printf("[%s] %s", username, text)
	})
	if err != nil {
		log.Fatalf("server error: %v", err)
	}

	log.Printf("Peerchat server %q listening on port %d", *name, *port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Print("shutting down")
	handle.Stop()
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
