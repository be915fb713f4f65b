// Package dashboard serves local sync status: a WebSocket stream of sync
// notifications, JSON state, a manual-sync endpoint and Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mschirtzinger/outcal/internal/metrics"
	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/schema"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeState carries the current SyncState.
	MessageTypeState MessageType = "state"

	// MessageTypeSyncComplete is sent after every cycle that ran.
	MessageTypeSyncComplete MessageType = "sync_complete"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StateSource reports the orchestrator's state.
type StateSource interface {
	State() schema.SyncState
}

// SyncRequester accepts manual sync requests.
type SyncRequester interface {
	RequestSync()
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7878). Port 0 picks a free port.
	Addr string

	State     StateSource
	Requester SyncRequester

	// Stats, when set, adds replica counts to /state.
	Stats func(ctx context.Context) (replica.Stats, error)

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:7878",
		Logger: log.New(io.Discard, "[dashboard] ", log.LstdFlags),
	}
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	config   *Config
	listener net.Listener
	server   *http.Server

	// ===== WebSocket clients =====
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a new dashboard server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleState)
	r.With(sameOrigin, middleware.AllowContentType("application/json")).Post("/sync", s.handleSync)
	r.Get("/ws", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues a message for all connected clients. It never blocks;
// when the queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The current state goes out before the client is registered, so it
	// always arrives first.
	if msg, err := stateMessage(s.state()); err == nil {
		data, _ := json.Marshal(msg)
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err = conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", clientCount)

	s.readLoop(conn)
}

// readLoop holds the connection open until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", clientCount)
}

func (s *Server) state() schema.SyncState {
	if s.config.State == nil {
		return schema.SyncState{}
	}
	return s.config.State.State()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// StateResponse is the body of GET /state.
type StateResponse struct {
	State   schema.SyncState `json:"state"`
	Replica *ReplicaStats    `json:"replica,omitempty"`
}

type ReplicaStats struct {
	Calendars     int   `json:"calendars"`
	Events        int   `json:"events"`
	SchemaVersion int   `json:"schema_version"`
	SizeBytes     int64 `json:"size_bytes"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := StateResponse{State: s.state()}
	if s.config.Stats != nil {
		st, err := s.config.Stats(r.Context())
		if err != nil {
			s.logger.Printf("Failed to read replica stats: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "replica unavailable"})
			return
		}
		resp.Replica = &ReplicaStats{
			Calendars:     st.Calendars,
			Events:        st.Events,
			SchemaVersion: st.SchemaVersion,
			SizeBytes:     st.SizeBytes,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// sameOrigin refuses browser requests issued by pages served elsewhere.
// Requests without an Origin header (curl, the CLI) pass.
func sameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "cross-origin request refused"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.config.Requester == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sync not available"})
		return
	}
	s.config.Requester.RequestSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>outcal</title>
</head>
<body>
    <h1>outcal sync status</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>State: <a href="/state">/state</a> &middot; Health: <a href="/health">/health</a> &middot; Metrics: <a href="/metrics">/metrics</a></p>
    <p><code>POST /sync</code> requests a sync.</p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
