// Package server implements the remote sync endpoint.
//
// The endpoint is the source of truth for every user's conversations and
// messages. It speaks the same delta protocol as the client:
//
//	POST /sync   {lastSyncAt, data:{conversations, messages}}
//	         →   {conversations, messages, syncedAt, accepted}
//	GET  /health {"status":"ok"}
//
// Requests to /sync must carry a bearer token; the Authenticator maps it to
// a user id, which is stamped on every stored record.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lumen-chat/chatsync/internal/schema"
)

// Config holds endpoint settings.
type Config struct {
	// Addr to listen on (default ":8787")
	Addr string

	// CORSOrigins allowed to call the endpoint from a browser or webview
	CORSOrigins []string

	// MaxBodyBytes caps request bodies (default 32 MiB)
	MaxBodyBytes int64

	// Logger for request diagnostics (default: stderr with "[server] " prefix)
	Logger *log.Logger

	// Clock supplies syncedAt (default time.Now)
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8787",
		CORSOrigins:  []string{"http://localhost:*", "tauri://localhost"},
		MaxBodyBytes: 32 << 20,
	}
}

// Server serves the sync endpoint.
type Server struct {
	store  *Store
	auth   Authenticator
	config *Config
	logger *log.Logger
	clock  func() time.Time
	router chi.Router

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
}

// New creates a Server. If config is nil, DefaultConfig() is used.
func New(store *Store, auth Authenticator, config *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Server{
		store:  store,
		auth:   auth,
		config: config,
		logger: logger,
		clock:  clock,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/sync", s.handleSync)
	})
	return r
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync endpoint listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	s.logger.Println("Sync endpoint stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	req, err := schema.DecodeSyncRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	resp, rejected, err := s.store.Sync(r.Context(), user, req, s.clock)
	if err != nil {
		s.logger.Printf("Sync failed for %s: %v", user, err)
		writeError(w, http.StatusInternalServerError, "Sync failed", err.Error())
		return
	}

	for _, rej := range append(req.Rejected, rejected...) {
		s.logger.Printf("WARNING: rejected %s from %s", rej, user)
	}
	s.logger.Printf("Synced %s: received %d/%d, returned %d/%d",
		user,
		len(req.Data.Conversations), len(req.Data.Messages),
		len(resp.Conversations), len(resp.Messages))

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, schema.ErrorBody{Error: code, Message: message})
}
