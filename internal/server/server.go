// Package server exposes the receiver over HTTP: Prometheus metrics, a
// health probe, a JSON diagnostics snapshot and a websocket that pushes
// snapshots and detection events as they happen.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ColonelBlimp/tonelink/internal/detect"
)

const (
	eventQueueSize = 64
	writeTimeout   = 5 * time.Second
	readTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	shutdownGrace  = 5 * time.Second
)

// Event types pushed to websocket clients.
const (
	EventHello    = "hello"
	EventSnapshot = "snapshot"
	EventDetected = "detected"
	EventNoSignal = "no_signal"
	EventEffect   = "effect"
)

// Event is one websocket message.
type Event struct {
	Type      string    `json:"type"`
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// DiagnosticsFunc returns the current diagnostics snapshot.
type DiagnosticsFunc func() detect.Snapshot

// ClientGauge records the number of connected websocket clients.
type ClientGauge interface {
	SetWebSocketClients(n int)
}

// Option configures a Server.
type Option func(*Server)

// WithSession sets the session id stamped on every event.
func WithSession(id string) Option {
	return func(s *Server) { s.session = id }
}

// WithClientGauge reports websocket client counts to g.
func WithClientGauge(g ClientGauge) Option {
	return func(s *Server) { s.gauge = g }
}

// WithLogger sets the logger for connection messages.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server serves /metrics, /healthz, /diagnostics and /ws.
type Server struct {
	addr     string
	session  string
	diag     DiagnosticsFunc
	gauge    ClientGauge
	logger   *log.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	events   chan Event

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*sync.Mutex // each connection has its own write mutex

	dropped uint64
}

// New builds a Server. gatherer backs /metrics and diag backs /diagnostics,
// /healthz and the websocket hello.
func New(addr string, gatherer prometheus.Gatherer, diag DiagnosticsFunc, opts ...Option) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		addr:    addr,
		session: uuid.NewString(),
		diag:    diag,
		logger:  log.Default(),
		events:  make(chan Event, eventQueueSize),
		clients: make(map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // diagnostics are read-only
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux = http.NewServeMux()
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Session returns the session id stamped on events.
func (s *Server) Session() string {
	return s.session
}

// Broadcast queues an event for every websocket client. It never blocks:
// when the queue is full the event is dropped.
func (s *Server) Broadcast(e Event) {
	if e.Session == "" {
		e.Session = s.session
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case s.events <- e:
	default:
		s.clientsMu.Lock()
		s.dropped++
		s.clientsMu.Unlock()
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully and
// closes every websocket.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go s.pump(pumpCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("http: serving on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.diag == nil || !s.diag().Running {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stopped\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.diag == nil {
		http.Error(w, "diagnostics unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.diag()); err != nil {
		s.logger.Printf("http: encode diagnostics: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("http: websocket upgrade failed: %v", err)
		return
	}

	hello := Event{Type: EventHello, Session: s.session, Timestamp: time.Now()}
	if s.diag != nil {
		hello.Data = s.diag()
	}

	// hold the write mutex so broadcasts queue behind the hello
	writeMu := &sync.Mutex{}
	writeMu.Lock()
	s.clientsMu.Lock()
	s.clients[conn] = writeMu
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(hello)
	writeMu.Unlock()
	if err != nil {
		s.removeClient(conn)
		return
	}
	s.reportClients(count)
	s.logger.Printf("http: websocket client connected from %s (total: %d)", r.RemoteAddr, count)

	go s.handleClient(conn, writeMu)
}

// handleClient reads until the client goes away, answering pings.
func (s *Server) handleClient(conn *websocket.Conn, writeMu *sync.Mutex) {
	defer s.removeClient(conn)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("http: websocket read error: %v", err)
			}
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	conn.Close()
	if exists {
		s.reportClients(count)
		s.logger.Printf("http: websocket client disconnected (remaining: %d)", count)
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.clientsMu.Unlock()

	for _, conn := range conns {
		s.removeClient(conn)
	}
}

// pump fans queued events out to every client.
func (s *Server) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.events:
			s.send(e)
		}
	}
}

func (s *Server) send(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Printf("http: marshal %s event: %v", e.Type, err)
		return
	}

	s.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	mus := make([]*sync.Mutex, 0, len(s.clients))
	for conn, mu := range s.clients {
		conns = append(conns, conn)
		mus = append(mus, mu)
	}
	s.clientsMu.RUnlock()

	// write without holding clientsMu
	var failed []*websocket.Conn
	for i, conn := range conns {
		mus[i].Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mus[i].Unlock()
		if err != nil {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		s.removeClient(conn)
	}
}

func (s *Server) reportClients(n int) {
	if s.gauge != nil {
		s.gauge.SetWebSocketClients(n)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (s *Server) Dropped() uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return s.dropped
}
