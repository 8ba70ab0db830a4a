package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxConnections caps the hub the same way the teacher's MetricsHub does —
// a dashboard client leak should degrade gracefully, not take the process
// down with it.
const maxConnections = 200

type registration struct {
	conn      *websocket.Conn
	projectID string
}

// Hub pushes a Snapshot to every connected client once per tick, scoped by
// project the way the teacher's hub scopes by tenant. One broadcaster
// avoids spinning up a ticker per connection.
type Hub struct {
	svc      *Service
	interval time.Duration

	mu         sync.RWMutex
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
}

func NewHub(svc *Service, interval time.Duration) *Hub {
	return &Hub{
		svc:        svc,
		interval:   interval,
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives the hub until ctx is canceled. Call it once, from the
// coordinator's main goroutine group.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("dashboard: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[reg.conn] = reg.projectID
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

func (h *Hub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	projects := make(map[string]bool)
	for _, projectID := range h.clients {
		projects[projectID] = true
	}
	h.mu.RUnlock()

	snapshots := make(map[string]Snapshot, len(projects))
	for projectID := range projects {
		snapshots[projectID] = h.svc.Collect(ctx, projectID)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, projectID := range h.clients {
		snap, ok := snapshots[projectID]
		if !ok {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

func (h *Hub) Register(conn *websocket.Conn, projectID string) {
	h.register <- registration{conn: conn, projectID: projectID}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
