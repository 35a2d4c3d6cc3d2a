package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// TicketVerifier checks the signed room ticket presented on connect.
// A nil verifier leaves the relay open, which suits local development.
type TicketVerifier interface {
	VerifyTicket(ticket, room string) error
}

// Server upgrades websocket connections and routes them into rooms. The
// room name is the URL path.
type Server struct {
	registry *Registry
	tickets  TicketVerifier
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewServer(registry *Registry, tickets TicketVerifier) *Server {
	s := &Server{
		registry: registry,
		tickets:  tickets,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the blog origin; the ticket
			// is the admission check, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{room...}", s.handleRoom)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"rooms":     s.registry.Len(),
	})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	if name == "" {
		http.Error(w, "room name required", http.StatusBadRequest)
		return
	}
	if s.tickets != nil {
		if err := s.tickets.VerifyTicket(r.URL.Query().Get("ticket"), name); err != nil {
			log.Printf("[Relay] room=%s rejected: %v", name, err)
			http.Error(w, "invalid ticket", http.StatusForbidden)
			return
		}
	}
	room, err := s.registry.GetOrCreate(r.Context(), name)
	if err != nil {
		log.Printf("[Relay] room=%s unavailable: %v", name, err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Relay] upgrade failed: %v", err)
		return
	}
	sess := newSession(room, conn)
	room.attach(sess)
	go sess.writePump()
	go sess.readPump()
}
