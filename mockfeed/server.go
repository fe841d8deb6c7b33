// Package mockfeed is a stand-in for the InsureOps event stream. It accepts
// feed connections on /ws, broadcasts frames to them and can drop every
// connection at once to exercise client reconnects.
//
// Example:
//
//	srv := mockfeed.New(mockfeed.WithSecret("dev-secret"))
//	go http.ListenAndServe(":8000", srv)
//
//	srv.Publish(mockfeed.Frame{Type: "new_alert", Channel: "alerts", Data: alert})
//	srv.DropAll()
package mockfeed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Frame is one outbound event. It is written as
// {"type": ..., "channel": ..., "data": ...}.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Server is an http.Handler serving /ws, /publish and /healthz.
type Server struct {
	logger   *slog.Logger
	secret   string
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu     sync.Mutex
	conns  map[string]*feedConn
	closed bool
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSecret enables POST /publish. Requests must carry
// X-InsureOps-Signature: sha256=<hex HMAC of the body>.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// New creates a server with no connections.
func New(opts ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*feedConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mockfeed")

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/publish", s.handlePublish)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connections": s.ConnCount()})
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// feedConn is one client connection. The read goroutine only watches for
// the peer going away; the write goroutine drains send.
type feedConn struct {
	id       string
	ws       *websocket.Conn
	channels map[string]bool // nil means every channel
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *feedConn) close() {
	c.once.Do(func() {
		close(c.done)
		// No close frame: the peer sees an abrupt network failure.
		c.ws.Close()
	})
}

func (c *feedConn) wants(channel string) bool {
	return channel == "" || c.channels == nil || c.channels[channel]
}

func parseChannels(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, ch := range strings.Split(raw, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			set[ch] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &feedConn{
		id:       uuid.NewString(),
		ws:       ws,
		channels: parseChannels(r.URL.Query().Get("channels")),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conns[c.id] = c
	count := len(s.conns)
	s.mu.Unlock()

	s.logger.Info("feed client connected", "conn", c.id, "channels", r.URL.Query().Get("channels"), "connections", count)

	go s.write(c)
	go s.read(c)
}

func (s *Server) read(c *feedConn) {
	defer s.remove(c)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) write(c *feedConn) {
	defer s.remove(c)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("write failed", "conn", c.id, "error", err)
				return
			}
		}
	}
}

func (s *Server) remove(c *feedConn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	c.close()
	if ok {
		s.logger.Info("feed client disconnected", "conn", c.id)
	}
}

// Publish broadcasts f to every connection subscribed to f.Channel and
// returns how many connections it was queued for. A connection whose send
// buffer is full is dropped.
func (s *Server) Publish(f Frame) (int, error) {
	if f.Type == "" {
		return 0, fmt.Errorf("frame type is required")
	}
	msg, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("marshal frame: %w", err)
	}
	return s.broadcast(f.Channel, msg), nil
}

func (s *Server) broadcast(channel string, msg []byte) int {
	s.mu.Lock()
	targets := make([]*feedConn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.wants(channel) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		select {
		case c.send <- msg:
			delivered++
		case <-c.done:
		default:
			s.logger.Warn("dropping slow feed client", "conn", c.id)
			s.remove(c)
		}
	}
	return delivered
}

// DropAll closes every connection without a close handshake and returns how
// many were dropped.
func (s *Server) DropAll() int {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*feedConn)
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if len(conns) > 0 {
		s.logger.Info("dropped feed clients", "count", len(conns))
	}
	return len(conns)
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every connection and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.DropAll()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
