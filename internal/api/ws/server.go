// Package ws serves the client-facing websocket endpoint of the relay.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/service/relay"
	"transcript-relay-service/internal/service/stt"
	"transcript-relay-service/internal/service/upstream"
)

// HealthResponse is the body returned by the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Config holds the settings applied to every accepted connection.
type Config struct {
	Provider        stt.Provider
	Options         stt.Options
	Publisher       upstream.TranscriptPublisher
	Metrics         *metrics.Metrics
	AllowedOrigins  []string
	MaxMessageBytes int64
	EventBuffer     int
	WriteTimeout    time.Duration
	FinishTimeout   time.Duration
}

// Server accepts client connections and runs one relay session per
// connection.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*relay.Session
	closing  bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	s := &Server{
		cfg:      cfg,
		logger:   logging.WithComponent("ws"),
		sessions: make(map[string]*relay.Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows any origin unless an allow-list is configured.
// Requests without an Origin header are not from a browser and are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// HandleListen upgrades the request and serves the session until the client
// disconnects.
func (s *Server) HandleListen(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	id := uuid.NewString()
	session := relay.NewSession(conn, relay.Config{
		ID:            id,
		Provider:      s.cfg.Provider,
		Options:       s.cfg.Options,
		Publisher:     s.cfg.Publisher,
		Metrics:       s.cfg.Metrics,
		EventBuffer:   s.cfg.EventBuffer,
		WriteTimeout:  s.cfg.WriteTimeout,
		FinishTimeout: s.cfg.FinishTimeout,
	})

	if closing := s.track(id, session); closing {
		_ = session.Close()
	}

	s.logger.Info().
		Str("sessionId", id).
		Str("remoteAddr", r.RemoteAddr).
		Msg("Client session accepted")

	// The request context ends with the handler, so it cannot bound the session.
	err = session.Run(context.Background())
	s.untrack(id)
	if err != nil {
		s.logger.Debug().Err(err).Str("sessionId", id).Msg("Client session ended with error")
	}

	// Upstream sessions may still be inside their finish window, publishing
	// trailing transcripts. Shutdown waits for them through wg.
	session.Wait()
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:  "ok",
		Message: "transcript relay is running",
	})
}

// ActiveSessions returns the number of connected clients.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting connections, closes every live one with a
// going-away frame and waits until their sessions are torn down, including
// every upstream session they started, or ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*relay.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		live = append(live, session)
	}
	s.mu.Unlock()

	s.logger.Info().Int("sessions", len(live)).Msg("Closing client sessions")
	for _, session := range live {
		_ = session.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a live session and reports whether Shutdown has begun.
func (s *Server) track(id string, session *relay.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = session
	return s.closing
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
