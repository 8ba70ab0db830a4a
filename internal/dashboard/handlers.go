package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/swarmctl/internal/auth"
	"github.com/itskum47/swarmctl/internal/middleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSnapshot serves GET /api/dashboard — a one-shot JSON read of the
// current state, for operators who don't want a persistent connection.
func (s *Service) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	snap := s.Collect(r.Context(), projectID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// HandleStream upgrades GET /api/dashboard/stream to a WebSocket and hands
// the connection to hub, which owns its lifecycle from here on.
func (hub *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("dashboard: websocket upgrade failed: %v", err)
		return
	}

	hub.Register(conn, projectID)
	defer hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		pingTicker := time.NewTicker(30 * time.Second)
		defer pingTicker.Stop()
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Router assembles the dashboard's wire surface, restricted to the
// operator role like coordinatorsvc's own /status and /cleanup — a
// dashboard leaks per-task and per-agent detail an ordinary agent token
// has no business seeing.
func Router(svc *Service, hub *Hub) http.Handler {
	mux := http.NewServeMux()
	wrapOperator := func(h http.HandlerFunc) http.Handler {
		return middleware.ProjectMiddleware(middleware.AuthMiddleware(middleware.RequireRole(h, auth.RoleOperator)))
	}

	mux.Handle("/api/dashboard", wrapOperator(svc.HandleSnapshot))
	mux.Handle("/api/dashboard/stream", wrapOperator(hub.HandleStream))

	return middleware.CORSMiddleware(mux)
}
