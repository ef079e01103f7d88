// Package statusd is the surface the desktop UI talks to: a small HTTP
// server with a WebSocket feed of cycle events and JSON endpoints for
// sync status, conflicts, and manual triggers.
//
// Transient retries never show up here; the feed carries only what the
// UI can act on: cycle outcomes, pending conflict counts, and terminal
// journal failures.
package statusd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tododesk/syncd/internal/sched"
	"github.com/tododesk/syncd/internal/store"
)

// MessageType defines the type of a status feed message.
type MessageType string

const (
	// MessageTypeCycleCompleted reports a finished sync cycle.
	MessageTypeCycleCompleted MessageType = "cycle_completed"

	// MessageTypeCycleFailed reports a cycle that aborted.
	MessageTypeCycleFailed MessageType = "cycle_failed"

	// MessageTypeStatus carries a full status snapshot, sent on connect.
	MessageTypeStatus MessageType = "status"
)

// Message is one status feed broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CycleData summarizes a cycle outcome for the feed.
type CycleData struct {
	Applied   int               `json:"applied"`
	Pushed    int               `json:"pushed"`
	Conflicts int               `json:"conflicts"`
	Terminal  int               `json:"terminal"`
	Errors    map[string]string `json:"errors,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// StatusData is the full snapshot served on /status and on connect.
type StatusData struct {
	State            string    `json:"state"`
	LastSynced       time.Time `json:"last_synced,omitzero"`
	PendingChanges   int       `json:"pending_changes"`
	PendingConflicts int       `json:"pending_conflicts"`
	TerminalFailures int       `json:"terminal_failures"`
}

// Trigger requests sync cycles. Satisfied by *sched.Scheduler.
type Trigger interface {
	State() sched.State
	LastSynced() time.Time
	TriggerSync()
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. Zero picks a random available port.
	Port int

	// Store answers the status queries. Required.
	Store *store.DB

	// Sched reports state and accepts triggers. Required.
	Sched Trigger

	// Logger defaults to a stderr logger.
	Logger *log.Logger
}

// Server owns the HTTP listener and WebSocket clients.
type Server struct {
	addr     string
	db       *store.DB
	sched    Trigger
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a status server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[statusd] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		db:        cfg.Store,
		sched:     cfg.Sched,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}, nil
}

// Start begins listening and broadcasting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/conflicts", s.handleConflicts)
	mux.HandleFunc("/sync", s.handleSync)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("status server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Forward consumes scheduler events and broadcasts them until the
// channel closes. Run it in its own goroutine.
func (s *Server) Forward(events <-chan sched.Event) {
	for ev := range events {
		data := CycleData{}
		if ev.Result != nil {
			data.Applied = ev.Result.Applied
			data.Pushed = ev.Result.Pushed
			data.Conflicts = ev.Result.Conflicts
			data.Terminal = ev.Result.Terminal
			for p, err := range ev.Result.ProviderErrors {
				if data.Errors == nil {
					data.Errors = make(map[string]string)
				}
				data.Errors[string(p)] = err.Error()
			}
		}

		msgType := MessageTypeCycleCompleted
		if ev.Type == sched.EventCycleFailed {
			msgType = MessageTypeCycleFailed
			if ev.Err != nil {
				data.Reason = ev.Err.Error()
			}
		}

		payload, err := json.Marshal(data)
		if err != nil {
			s.logger.Printf("failed to marshal cycle data: %v", err)
			continue
		}
		s.Broadcast(Message{Type: msgType, Data: payload})
	}
}

// Broadcast sends a message to all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("broadcast channel full, dropping message")
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
				s.logger.Printf("failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total: %d)", count)

	// New clients get a status snapshot right away.
	if snapshot, err := s.statusSnapshot(r.Context()); err == nil {
		if payload, err := json.Marshal(snapshot); err == nil {
			data, _ := json.Marshal(Message{
				Type:      MessageTypeStatus,
				Timestamp: time.Now(),
				Data:      payload,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive; client messages are ignored.
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
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", count)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) statusSnapshot(ctx context.Context) (*StatusData, error) {
	pending, err := s.db.PendingJournalCount(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.db.PendingConflictCount(ctx)
	if err != nil {
		return nil, err
	}
	terminal, err := s.db.TerminalJournalEntries(ctx)
	if err != nil {
		return nil, err
	}

	return &StatusData{
		State:            string(s.sched.State()),
		LastSynced:       s.sched.LastSynced(),
		PendingChanges:   pending,
		PendingConflicts: conflicts,
		TerminalFailures: len(terminal),
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	count := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": count,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.statusSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("all") == ""
	records, err := s.db.ListConflicts(r.Context(), unresolvedOnly)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sched.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
