package liveview

import (
	"context"
	"encoding/json"
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

var (
	liveviewActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "liveview_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	liveviewRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(liveviewActiveConnections)
	prometheus.MustRegister(liveviewRejectedTotal)
}

// Server exposes the hub over HTTP: /ws for subscribers, /healthz for
// checks, /metrics for scrapes.
type Server struct {
	hub            *Hub
	srv            *http.Server
	logger         Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	mu             sync.Mutex

	// Connection limits
	connSemaphore chan struct{}

	// Per-IP connection rate limiting
	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// NewServer creates a new Server
func NewServer(hub *Hub, logger Logger, allowedOrigins []string) *Server {
	s := &Server{
		hub:            hub,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		connSemaphore:  make(chan struct{}, 256),
		rateLimit:      5.0, // connections per second per IP
		rateBurst:      10,
	}

	// Configure WebSocket upgrader with origin validation
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// checkOrigin validates the WebSocket connection origin against the whitelist
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Reject connections without origin header
	if origin == "" {
		if s.logger != nil {
			s.logger.Warn("Rejected WebSocket connection with missing Origin header",
				"remote_addr", r.RemoteAddr)
		}
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Rejected WebSocket connection with invalid Origin",
				"origin", origin,
				"error", err)
		}
		return false
	}

	// Reconstruct origin as scheme://host for comparison
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		// Wildcard is tolerated because this server watches an offline
		// replay, but it is still worth a warning.
		if allowed == "*" {
			if s.logger != nil {
				s.logger.Warn("WebSocket connection allowed via wildcard origin",
					"origin", origin,
					"remote_addr", r.RemoteAddr)
			}
			return true
		}

		if originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", s.allowedOrigins)
	}
	liveviewRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Starting live view server", "addr", addr)
	}

	// Run server in background
	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	if s.logger != nil {
		s.logger.Info("Stopping live view server")
	}

	return s.srv.Shutdown(ctx)
}

// handleWebSocket handles WebSocket upgrade and client management
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Rate limits apply before the upgrade consumes resources.
	ip := s.getRemoteIP(r)
	if !s.getIPLimiter(ip).Allow() {
		if s.logger != nil {
			s.logger.Warn("IP rate limit exceeded", "ip", ip)
		}
		liveviewRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		liveviewActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			liveviewActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		if s.logger != nil {
			s.logger.Warn("Max connections reached")
		}
		liveviewRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("WebSocket upgrade failed", "error", err)
		}
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID)
	s.hub.Register(client)

	if s.logger != nil {
		s.logger.Info("Subscriber connected", "client_id", clientID, "remote_addr", r.RemoteAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Write pump: send messages from hub to WebSocket
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()

	// Read pump: read messages from WebSocket (mostly for ping/pong)
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()

	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()

	if s.logger != nil {
		s.logger.Info("Subscriber disconnected", "client_id", clientID)
	}
}

// writePump sends messages from hub to WebSocket connection
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Outbox():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			if !ok {
				// Channel closed
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteJSON(msg); err != nil {
				if s.logger != nil {
					s.logger.Warn("Write error", "client_id", client.id, "error", err)
				}
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from WebSocket connection (handles pong responses)
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		s.hub.Unregister(client)
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if s.logger != nil {
					s.logger.Warn("Read error", "client_id", client.id, "error", err)
				}
			}
			break
		}
		// Subscribers only listen; inbound frames just keep the
		// connection alive.
	}
}

// handleHealth handles health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(response)
}

// BroadcastMessage is a convenience method to broadcast messages
func (s *Server) BroadcastMessage(msgType string, data interface{}) {
	s.hub.Broadcast(NewMessage(msgType, data))
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Address returns the server address (for testing)
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return ""
	}
	return s.srv.Addr
}

// getRemoteIP extracts the client IP address
func (s *Server) getRemoteIP(r *http.Request) string {
	// RemoteAddr rather than X-Forwarded-For; this server is not expected
	// to sit behind a proxy.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates a rate limiter for the given IP
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}

	// LoadOrStore handles the race when multiple requests arrive at once
	newLimiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, newLimiter)
	return actual.(*rate.Limiter)
}
