// Package dashboard provides the operator-facing HTTP surface: mapping
// browsing (paginated, searchable, sortable), manual mapping deletion
// to force resyncs, run metrics, and a WebSocket feed of cycle events.
//
// Everything here is a thin read/write layer over the store and the
// engine's metrics snapshot; no sync logic lives in this package.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/photomirror/photomirror/internal/engine"
	"github.com/photomirror/photomirror/internal/store"
)

// MessageType tags a broadcast message.
type MessageType string

const (
	// MessageTypeCycleComplete is sent after every reconciliation run.
	MessageTypeCycleComplete MessageType = "cycle_complete"

	// MessageTypeMappingDeleted is sent when an operator deletes rows.
	MessageTypeMappingDeleted MessageType = "mapping_deleted"
)

// Message is one WebSocket broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8787".
	Addr string

	// Logger for server activity.
	Logger *log.Logger
}

// Server serves the dashboard API and WebSocket feed.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store  *store.Store
	engine *engine.Engine

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server over the given store and engine.
func NewServer(st *store.Store, eng *engine.Engine, config *Config) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8787"
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		store:     st,
		engine:    eng,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}, nil
}

// Start begins listening. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard listening on %s", s.listener.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("dashboard server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when Addr used port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Printf("dashboard shutdown error: %v", err)
		}
	}

	s.wg.Wait()
	return nil
}

// routes builds the HTTP mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/mappings", s.handleListMappings)
	mux.HandleFunc("DELETE /api/mappings/{sourceId}", s.handleDeleteMapping)
	mux.HandleFunc("POST /api/mappings/delete", s.handleBulkDelete)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// BroadcastCycle pushes a cycle-complete event to all clients. Wired
// as the daemon's OnCycleComplete hook.
func (s *Server) BroadcastCycle(snapshot engine.Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Printf("failed to marshal cycle snapshot: %v", err)
		return
	}
	s.send(Message{Type: MessageTypeCycleComplete, Timestamp: time.Now(), Data: data})
}

// send queues a broadcast, dropping it if the queue is full.
func (s *Server) send(msg Message) {
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Printf("broadcast queue full, dropping %s", msg.Type)
	}
}

// broadcastLoop fans queued messages out to connected clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			payload, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to marshal broadcast: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				writeCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
					s.removeClient(conn)
				}
				cancel()
			}
		}
	}
}

// handleWebSocket upgrades the connection and keeps it registered until
// the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket accept failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	// Reads are discarded; the feed is one-way. Read failure is our
	// disconnect signal.
	go func() {
		defer s.removeClient(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if s.clients[conn] {
		delete(s.clients, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	s.clientsMu.Unlock()
}
