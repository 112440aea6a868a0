// Package dashboard exposes the engine to operators: a health endpoint,
// a stats snapshot, and a WebSocket feed of sync events for live
// monitoring.
package dashboard

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// MessageType tags a broadcast message.
type MessageType string

const (
	// MessageTypeSync reports one processed change event.
	MessageTypeSync MessageType = "sync"

	// MessageTypeSweep reports a completed reconciliation sweep.
	MessageTypeSweep MessageType = "sweep"

	// MessageTypeHealth reports a listener health transition.
	MessageTypeHealth MessageType = "health"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsFunc supplies the /stats payload on demand.
type StatsFunc func() any

// HealthFunc reports whether the engine's change subscription is live.
type HealthFunc func() bool

// Server serves the operator endpoints and fans broadcast messages out
// to connected WebSocket clients.
type Server struct {
	addr    string
	stats   StatsFunc
	healthy HealthFunc
	log     zerolog.Logger

	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server. stats and healthy must not be
// nil.
func NewServer(addr string, stats StatsFunc, healthy HealthFunc, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		stats:     stats,
		healthy:   healthy,
		log:       log.With().Str("component", "dashboard").Logger(),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("dashboard listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("dashboard server error")
		}
	}()
	return nil
}

// Stop shuts the server down, closing client connections.
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
	err := s.server.Shutdown(ctx)

	s.wg.Wait()
	return err
}

// Broadcast queues a message for all connected clients. Monitoring is
// best-effort: when the queue is full the message is dropped rather
// than blocking the sync path.
func (s *Server) Broadcast(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	msg := Message{Type: typ, Timestamp: time.Now().UTC(), Data: raw}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Debug().Str("type", string(typ)).Msg("broadcast queue full, message dropped")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
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
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	total := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info().Int("clients", total).Msg("dashboard client connected")

	go s.readLoop(conn)
}

// readLoop drains client frames so pings work; client messages are
// otherwise ignored.
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
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := s.healthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          statusWord(healthy),
		"change_listener": statusWord(healthy),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats())
}

// ClientCount reports connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
