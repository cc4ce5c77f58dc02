package lan

import (
	"sync"
	"time"

	"peerchat/internal/protocol"
)

// RateLimiter enforces a sliding-window message cap per key.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	slice := r.hits[key]
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	slice = slice[:idx]
	if len(slice) >= r.limit {
		r.hits[key] = slice
		return false
	}
	slice = append(slice, now)
	r.hits[key] = slice
	return true
}

// Forget drops a key's window, used when its connection goes away.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hits, key)
}

// AbuseGuard tracks per-IP connection counts, failed-auth strikes, and the
// resulting blacklist. The blacklist lives for the process lifetime.
type AbuseGuard struct {
	mu      sync.Mutex
	conns   map[string]int
	strikes map[string]int
	banned  map[string]bool

	maxConns   int
	maxStrikes int
}

func NewAbuseGuard() *AbuseGuard {
	return &AbuseGuard{
		conns:      make(map[string]int),
		strikes:    make(map[string]int),
		banned:     make(map[string]bool),
		maxConns:   protocol.MaxConnPerIP,
		maxStrikes: protocol.MaxAuthStrikes,
	}
}

// Admit reserves a connection slot for ip. It refuses blacklisted addresses
// and addresses already at the per-IP cap.
func (g *AbuseGuard) Admit(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.banned[ip] {
		return false
	}
	if g.conns[ip] >= g.maxConns {
		return false
	}
	g.conns[ip]++
	return true
}

// Release returns a connection slot taken by Admit.
func (g *AbuseGuard) Release(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if count, ok := g.conns[ip]; ok {
		if count <= 1 {
			delete(g.conns, ip)
			return
		}
		g.conns[ip] = count - 1
	}
}

// Strike records a failed handshake. Once an address accumulates the strike
// limit it is blacklisted and Strike reports true.
func (g *AbuseGuard) Strike(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strikes[ip]++
	if g.strikes[ip] >= g.maxStrikes {
		g.banned[ip] = true
		return true
	}
	return false
}

// ClearStrikes resets the strike count after a successful handshake.
func (g *AbuseGuard) ClearStrikes(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.strikes, ip)
}

// Banned reports whether ip has been blacklisted.
func (g *AbuseGuard) Banned(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.banned[ip]
}

// ActiveConns returns the live connection count for ip.
func (g *AbuseGuard) ActiveConns(ip string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[ip]
}
