package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DocumentStore is the persistence the handlers need; *Store implements it.
type DocumentStore interface {
	GetByToken(ctx context.Context, token string) (*Document, error)
	AddAuthor(ctx context.Context, docID string, a Author) error
}

// TicketIssuer signs relay admission tickets; *TicketService implements it.
type TicketIssuer interface {
	IssueTicket(room, authorID, name string) (string, error)
}

// Server exposes the collaboration surface around the relay: joining a
// document by token, reading room info, and uploading media.
type Server struct {
	store   DocumentStore
	tickets TicketIssuer
	media   *MediaStore
	mux     *http.ServeMux
}

func NewServer(store DocumentStore, tickets TicketIssuer, media *MediaStore) *Server {
	s := &Server{
		store:   store,
		tickets: tickets,
		media:   media,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/collab/{token}/join", s.handleJoin)
	s.mux.HandleFunc("GET /api/collab/{token}", s.handleRoomInfo)
	s.mux.HandleFunc("POST /api/collab/{token}/media", s.handleMediaUpload)
	s.mux.HandleFunc("GET /api/uploads/{doc}/{file}", s.handleMediaServe)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// draftByToken resolves the token and rejects documents that left the
// collaborative phase.
func (s *Server) draftByToken(w http.ResponseWriter, r *http.Request) *Document {
	doc, err := s.store.GetByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "Unknown collaboration token", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return nil
	}
	if doc.Status == StatusPublished {
		http.Error(w, "Document already published", http.StatusForbidden)
		return nil
	}
	return doc
}

type joinRequest struct {
	Name string `json:"name"`
}

type joinResponse struct {
	Author   Author `json:"author"`
	Room     string `json:"room"`
	Ticket   string `json:"ticket"`
	Document struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"document"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	doc := s.draftByToken(w, r)
	if doc == nil {
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.Name)
	if n := len([]rune(name)); n < 1 || n > 50 {
		http.Error(w, "Name must be between 1 and 50 characters", http.StatusBadRequest)
		return
	}

	author := NewAuthor(name)
	if err := s.store.AddAuthor(r.Context(), doc.ID, author); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ticket, err := s.tickets.IssueTicket(doc.ID, author.ID, author.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := joinResponse{Author: author, Room: doc.ID, Ticket: ticket}
	resp.Document.ID = doc.ID
	resp.Document.Title = doc.Title
	log.Printf("[Collab] doc=%s author=%s joined", doc.ID, author.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type roomInfoResponse struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Status  string   `json:"status"`
	Authors []Author `json:"authors"`
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	doc := s.draftByToken(w, r)
	if doc == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(roomInfoResponse{
		ID:      doc.ID,
		Title:   doc.Title,
		Status:  doc.Status,
		Authors: doc.Authors,
	})
}

func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	doc := s.draftByToken(w, r)
	if doc == nil {
		return
	}

	// Cap the body before multipart parsing buffers it; the allowance on
	// top of the media limit covers the multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, s.media.MaxBytes()+64<<10)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	media, err := s.media.Save(doc.ID, header.Header.Get("Content-Type"), header.Filename, file)
	switch {
	case errors.Is(err, ErrMediaType):
		http.Error(w, "Only jpeg, png, webp and gif images are allowed", http.StatusUnsupportedMediaType)
		return
	case errors.Is(err, ErrMediaTooLarge):
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Printf("[Collab] doc=%s media=%s uploaded", doc.ID, media.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(media)
}

func (s *Server) handleMediaServe(w http.ResponseWriter, r *http.Request) {
	path, err := s.media.Open(r.PathValue("doc"), r.PathValue("file"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// NewAuthor builds a fresh participant identity with a palette color.
func NewAuthor(name string) Author {
	return Author{
		ID:       uuid.New().String(),
		Name:     name,
		Color:    cursorPalette[rand.Intn(len(cursorPalette))],
		JoinedAt: time.Now(),
	}
}
