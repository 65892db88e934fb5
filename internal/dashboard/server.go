// Package dashboard pushes sync status to WebSocket clients.
//
// A desktop UI or a terminal monitor connects to /ws and receives a
// message whenever a round starts, completes or fails, plus periodic sync
// stats and dirty counts. New clients get the latest stats and counts
// immediately on connect.
package dashboard

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

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncStarted indicates a round began
	MessageTypeSyncStarted MessageType = "sync_started"

	// MessageTypeSyncComplete indicates a round finished successfully
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeSyncFailed indicates a round gave up
	MessageTypeSyncFailed MessageType = "sync_failed"

	// MessageTypeStats carries tracker.SyncStats
	MessageTypeStats MessageType = "stats"

	// MessageTypeDirtyCounts carries tracker.DirtyCounts
	MessageTypeDirtyCounts MessageType = "dirty_counts"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// clientQueue bounds the messages waiting for one client. A client whose
// queue is full when a broadcast arrives is disconnected.
const clientQueue = 32

// client is one WebSocket connection with its own send queue, drained by a
// dedicated writer so a slow reader never holds up the others.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	// closeCode and closeReason are set by drop before done is closed.
	closeCode   websocket.StatusCode
	closeReason string
}

// Server accepts dashboard WebSocket clients and fans messages out to them.
type Server struct {
	addr     string
	origins  []string
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	snapshotMu sync.RWMutex
	snapshot   func() []Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8766, 0 picks a free port)
	Port int

	// OriginPatterns accepted for WebSocket upgrades (default: localhost only)
	OriginPatterns []string

	// Logger for server activity (default: stderr with "[dashboard] " prefix)
	Logger *log.Logger
}

// DefaultConfig returns the localhost-only defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:           8766,
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	}
}

// NewServer creates a dashboard server. It serves nothing until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    fmt.Sprintf("127.0.0.1:%d", config.Port),
		origins: config.OriginPatterns,
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// SetSnapshot registers the function producing the messages every new
// client receives on connect.
func (s *Server) SetSnapshot(fn func() []Message) {
	s.snapshotMu.Lock()
	s.snapshot = fn
	s.snapshotMu.Unlock()
}

// Handler returns the HTTP routes, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client, shuts the HTTP server down and waits for
// all connection goroutines to exit.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		s.dropLocked(c, websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return shutdownErr
}

// Broadcast queues msg for every connected client without blocking.
// Clients with a full queue are disconnected.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Printf("WARNING: client fell %d messages behind, disconnecting", clientQueue)
			s.dropLocked(c, websocket.StatusPolicyViolation, "too slow")
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, clientQueue),
		done: make(chan struct{}),
	}
	// The snapshot is queued before the client is registered, so broadcasts
	// always arrive after it.
	for _, msg := range s.snapshotMessages() {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		c.send <- data
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.wg.Add(2)
	s.mu.Unlock()
	s.logger.Printf("Client connected (total: %d)", total)

	go s.readLoop(c)
	s.writeLoop(c)
}

// writeLoop drains the client's queue until the client is dropped, then
// closes the connection with the recorded status.
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.done:
			_ = c.conn.Close(c.closeCode, c.closeReason)
			return
		default:
		}

		select {
		case <-c.done:
			_ = c.conn.Close(c.closeCode, c.closeReason)
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				s.drop(c, websocket.StatusInternalError, "write failed")
			}
		}
	}
}

// readLoop discards client input and notices disconnects.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			s.drop(c, websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (s *Server) drop(c *client, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(c, code, reason)
}

// dropLocked unregisters c and signals its writer. It is a no-op for a
// client that is already gone. s.mu must be held.
func (s *Server) dropLocked(c *client, code websocket.StatusCode, reason string) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.closeCode, c.closeReason = code, reason
	close(c.done)
	s.logger.Printf("Client disconnected (total: %d)", len(s.clients))
}

func (s *Server) snapshotMessages() []Message {
	s.snapshotMu.RLock()
	fn := s.snapshot
	s.snapshotMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStats returns the snapshot messages as a JSON object keyed by type.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[MessageType]json.RawMessage{}
	for _, msg := range s.snapshotMessages() {
		out[msg.Type] = msg.Data
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
