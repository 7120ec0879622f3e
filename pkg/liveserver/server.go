package liveserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

var (
	wsActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exit_tracker_ws_active_connections",
		Help: "Current number of live record subscribers",
	})

	wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exit_tracker_ws_rejected_total",
		Help: "Subscriber connections rejected before upgrade",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(wsActiveConnections)
	prometheus.MustRegister(wsRejectedTotal)
}

// ServerConfig controls admission of subscribers
type ServerConfig struct {
	AllowedOrigins []string
	// Production rejects the "*" origin
	Production     bool
	MaxConnections int
	// RateLimit is new connections per second per remote IP; zero disables it
	RateLimit float64
	RateBurst int
	StaticDir string
}

// DefaultServerConfig returns the admission defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 1000,
		RateLimit:      10,
		RateBurst:      20,
	}
}

// SnapshotFunc produces the payload sent to a subscriber right after it connects
type SnapshotFunc func() interface{}

// Server streams records to websocket subscribers
type Server struct {
	hub      *Hub
	cfg      ServerConfig
	logger   Logger
	upgrader websocket.Upgrader
	snapshot SnapshotFunc

	connSemaphore chan struct{}
	ipLimiters    sync.Map // remote ip -> *rate.Limiter

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer creates a Server over hub
func NewServer(hub *Hub, logger Logger, cfg ServerConfig) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultServerConfig().MaxConnections
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	s := &Server{
		hub:           hub,
		cfg:           cfg,
		logger:        logger,
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetSnapshotFunc installs the on-connect snapshot; call before Start
func (s *Server) SetSnapshotFunc(fn SnapshotFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = fn
}

// Handler returns the routes served by the live server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return mux
}

// Start serves on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.info("Starting live server", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	s.info("Stopping live server")
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	return err
}

// Addr returns the bound listen address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// ClientCount returns the number of connected subscribers
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.warn("Rejected subscriber with missing Origin header", "remote_addr", r.RemoteAddr)
		wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.warn("Rejected subscriber with invalid Origin", "origin", origin, "error", err)
		wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	normalized := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			if s.cfg.Production {
				s.warn("Rejected wildcard origin in production mode", "origin", origin)
				wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if normalized == allowed {
			return true
		}
	}

	s.warn("Rejected subscriber from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// handleWebSocket applies the rate and connection limits before paying for an upgrade
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RateLimit > 0 {
		ip := remoteIP(r)
		if !s.ipLimiter(ip).Allow() {
			s.warn("IP rate limit exceeded", "ip", ip)
			wsRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		wsActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			wsActiveConnections.Dec()
		}()
	default:
		s.warn("Max connections reached", "limit", s.cfg.MaxConnections)
		wsRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.New().String())
	if !s.hub.Register(client) {
		return
	}
	s.info("Subscriber connected", "client_id", client.id, "remote_addr", r.RemoteAddr)

	s.mu.Lock()
	snapshot := s.snapshot
	s.mu.Unlock()
	if snapshot != nil {
		client.Send(NewMessage(TypePositions, snapshot()))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	s.info("Subscriber disconnected", "client_id", client.id)
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.warn("Write error", "client_id", client.id, "error", err)
				// Unblock the read pump
				_ = conn.Close()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// readPump only services pongs and close frames; subscribers never send data
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.warn("Read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst))
	return actual.(*rate.Limiter)
}

func (s *Server) info(msg string, kv ...interface{}) {
	if s.logger != nil {
		s.logger.Info(msg, kv...)
	}
}

func (s *Server) warn(msg string, kv ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, kv...)
	}
}
