package main

import (
	"flag"
	"fmt"
	"os"

	"peerchat/internal/app"
)

func main() {
	server := flag.String("server", os.Getenv("PEERCHAT_SERVER"), "server address host:port (empty to scan the LAN)")
	username := flag.String("user", os.Getenv("PEERCHAT_USER"), "display name")
	token := flag.String("token", os.Getenv("PEERCHAT_TOKEN"), "shared secret for the server")
	downloads := flag.String("downloads", app.DefaultDownloadDir(), "where fetched files are saved")
	flag.Parse()

	cfg := app.ClientConfig{
		Username:    *username,
		Token:       *token,
		ServerAddr:  *server,
		DownloadDir: *downloads,
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
