// Package chat wraps the LAN server in the lifecycle facade the embedding
// application drives: boolean start, watchdog supervision, and a flat
// message callback.
package chat

import (
	"log"
	"sync"
	"time"

	"peerchat/internal/lan"
)

const (
	backoffInitial = 2 * time.Second
	backoffMax     = 60 * time.Second
)

// ChatServer supervises one LAN server. If the server loop dies while the
// facade is enabled, the watchdog rebuilds and restarts it with exponential
// backoff.
type ChatServer struct {
	cfg       lan.Config
	onMessage func(username, text string)

	mu      sync.Mutex
	server  *lan.Server
	enabled bool
	stopped chan struct{}
}

// NewChatServer prepares a supervised server. onMessage may be nil.
func NewChatServer(cfg lan.Config, onMessage func(username, text string)) *ChatServer {
	return &ChatServer{cfg: cfg, onMessage: onMessage}
}

// Start brings the server up and launches the watchdog. Returns false when
// the first start fails; the watchdog only supervises a server that came up
// once.
func (c *ChatServer) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return true
	}
	server, err := c.build()
	if err != nil {
		log.Printf("[chat] start failed: %v", err)
		return false
	}
	c.server = server
	c.enabled = true
	c.stopped = make(chan struct{})
	go c.watchdog(server, c.stopped)
	return true
}

func (c *ChatServer) build() (*lan.Server, error) {
	server, err := lan.NewServer(c.cfg)
	if err != nil {
		return nil, err
	}
	if c.onMessage != nil {
		server.SetMessageHook(c.onMessage)
	}
	if err := server.Start(); err != nil {
		return nil, err
	}
	return server, nil
}

// watchdog restarts the server whenever its loop exits, backing off
// exponentially and resetting the delay after a successful run.
func (c *ChatServer) watchdog(server *lan.Server, stopped chan struct{}) {
	backoff := backoffInitial
	for {
		startedAt := time.Now()
		select {
		case <-server.Done():
		case <-stopped:
			return
		}

		c.mu.Lock()
		enabled := c.enabled
		c.mu.Unlock()
		if !enabled {
			return
		}

		// a run that survived a while earns a fresh backoff
		if time.Since(startedAt) > backoffMax {
			backoff = backoffInitial
		}
		log.Printf("[chat] server loop exited, restarting in %s", backoff)
		select {
		case <-time.After(backoff):
		case <-stopped:
			return
		}
		if backoff < backoffMax {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}

		next, err := c.build()
		if err != nil {
			log.Printf("[chat] restart failed: %v", err)
			// fold the failed attempt into the next wait
			continue
		}
		c.mu.Lock()
		if !c.enabled {
			c.mu.Unlock()
			next.Stop()
			return
		}
		c.server = next
		c.mu.Unlock()
		server = next
		backoff = backoffInitial
	}
}

// Stop disables supervision and shuts the server down.
func (c *ChatServer) Stop() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	server := c.server
	close(c.stopped)
	c.mu.Unlock()
	if server != nil {
		server.Stop()
	}
}

// IsOpen reports whether the supervised server is currently serving.
func (c *ChatServer) IsOpen() bool {
	c.mu.Lock()
	server, enabled := c.server, c.enabled
	c.mu.Unlock()
	return enabled && server != nil && server.IsOpen()
}

// PeerCount returns the number of connected chat clients.
func (c *ChatServer) PeerCount() int {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return 0
	}
	return server.PeerCount()
}

// Broadcast fans a server-sourced line to every connected client.
func (c *ChatServer) Broadcast(text string) {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server != nil {
		server.Broadcast(text)
	}
}

// Send is an alias kept for callers that think in terms of a single outgoing
// stream.
func (c *ChatServer) Send(text string) {
	c.Broadcast(text)
}
