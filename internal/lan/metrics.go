package lan

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics counts what the server has done since it started. Exposed as JSON
// on /metrics next to the websocket endpoint.
type Metrics struct {
	messages    atomic.Uint64
	uploads     atomic.Uint64
	downloads   atomic.Uint64
	activeConns atomic.Int64
}

func (m *Metrics) IncMessage() {
	m.messages.Add(1)
}

func (m *Metrics) IncUpload() {
	m.uploads.Add(1)
}

func (m *Metrics) IncDownload() {
	m.downloads.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"messages_total":     m.messages.Load(),
		"uploads_total":      m.uploads.Load(),
		"downloads_total":    m.downloads.Load(),
		"active_connections": m.activeConns.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
