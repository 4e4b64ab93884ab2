// Package relay translates the client wire protocol into router operations
// for one client connection.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/service/router"
	"transcript-relay-service/internal/service/stt"
	"transcript-relay-service/internal/service/upstream"
)

// Client-visible error messages.
const (
	MsgMisconfigured   = "Server misconfigured: speech backend credential is not set"
	MsgConnectFailed   = "Failed to connect to speech backend"
	MsgAudioProcessing = "Error processing audio"
)

// Error kinds recorded in metrics.
const (
	errKindConfig   = "config"
	errKindConnect  = "connect"
	errKindAudio    = "audio"
	errKindInternal = "internal"
)

// State is the connection-level state of a client session.
type State int

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Conn is the part of a websocket connection a session uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config holds the per-connection settings.
type Config struct {
	ID            string
	Provider      stt.Provider
	Options       stt.Options
	Publisher     upstream.TranscriptPublisher
	Metrics       *metrics.Metrics
	EventBuffer   int
	WriteTimeout  time.Duration
	FinishTimeout time.Duration
}

// Session handles one client connection. Inbound frames are processed in
// order by Run; outbound events go through a single writer goroutine in the
// order they were produced.
type Session struct {
	cfg     Config
	conn    Conn
	router  *router.Router
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State

	out       chan models.Event
	stop      chan struct{}
	stopOnce  sync.Once
	writerEnd chan struct{}
}

// NewSession binds a session to conn. Nothing is read until Run.
func NewSession(conn Conn, cfg Config) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Session{
		cfg:       cfg,
		conn:      conn,
		logger:    logging.WithSession(cfg.ID),
		metrics:   cfg.Metrics,
		out:       make(chan models.Event, cfg.EventBuffer),
		stop:      make(chan struct{}),
		writerEnd: make(chan struct{}),
	}
	s.router = router.New(router.Config{
		SessionID:     cfg.ID,
		Provider:      cfg.Provider,
		Options:       cfg.Options,
		Emitter:       s,
		Publisher:     cfg.Publisher,
		Metrics:       cfg.Metrics,
		FinishTimeout: cfg.FinishTimeout,
	})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// State returns the connection-level state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run reads frames until the connection closes or ctx is cancelled, then
// tears down every upstream session before returning.
func (s *Session) Run(ctx context.Context) error {
	started := time.Now()
	s.metrics.RecordClientConnected()
	s.logger.Info().Msg("Client connected")

	go s.writeLoop()

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-stopWatch:
		}
	}()

	var readErr error
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		s.HandleMessage(messageType, data)
	}
	close(stopWatch)

	s.router.Teardown()
	s.setState(StateStopped)
	s.stopWriter()
	<-s.writerEnd
	_ = s.conn.Close()

	duration := time.Since(started)
	s.metrics.RecordClientDisconnected(duration.Seconds())

	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		s.logger.Warn().Err(readErr).Dur("duration", duration).Msg("Client connection lost")
		return readErr
	}
	s.logger.Info().Dur("duration", duration).Msg("Client disconnected")
	return nil
}

// HandleMessage processes one inbound frame. Failures are reported to the
// client as error events and never end the connection.
func (s *Session) HandleMessage(messageType int, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Recovered while handling client message")
			s.fail(errKindInternal, fmt.Sprintf("%v", r))
		}
	}()

	if messageType == websocket.BinaryMessage {
		s.handleLegacyAudio(data)
		return
	}

	// Only frames that are not JSON at all are legacy audio. A well-formed
	// frame with a mistyped field is still a control frame.
	if !json.Valid(data) {
		s.handleLegacyAudio(data)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		s.logger.Debug().Msg("Ignoring JSON frame that is not an object")
		return
	}

	msgType, _ := stringField(fields, "type")
	switch msgType {
	case models.MessageStart:
		s.handleStart()
	case models.MessageAudio:
		source, _ := stringField(fields, "source")
		audio, ok := stringField(fields, "audio")
		s.handleAudio(models.ParseSource(source), audio, ok)
	case models.MessageStop:
		s.handleStop()
	default:
		s.logger.Debug().Str("type", msgType).Msg("Ignoring unknown message type")
	}
}

// stringField reads fields[key] as a JSON string. A missing or non-string
// value yields ok=false.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, found := fields[key]
	if !found {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

func (s *Session) handleStart() {
	if !s.cfg.Provider.Configured() {
		s.logger.Error().Str("sttProvider", s.cfg.Provider.Name()).Msg("Speech backend credential is not set")
		s.fail(errKindConfig, MsgMisconfigured)
		return
	}

	if err := s.router.StartAll(); err != nil {
		s.fail(errKindConnect, fmt.Sprintf("%s: %v", MsgConnectFailed, err))
		return
	}
	s.setState(StateActive)
	s.logger.Info().Msg("Transcription started")
}

// handleAudio decodes a base64 payload for source. hasAudio is false when
// the audio field is missing or not a string.
func (s *Session) handleAudio(source models.Source, audio string, hasAudio bool) {
	if !hasAudio {
		s.logger.Warn().Str("source", source.String()).Msg("Audio frame without a string payload")
		s.fail(errKindAudio, MsgAudioProcessing)
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		s.logger.Warn().Err(err).Str("source", source.String()).Msg("Invalid audio payload")
		s.fail(errKindAudio, MsgAudioProcessing)
		return
	}
	s.route(source, chunk)
}

// handleLegacyAudio forwards an unstructured frame as raw microphone audio.
func (s *Session) handleLegacyAudio(data []byte) {
	s.route(models.SourceMic, data)
}

func (s *Session) route(source models.Source, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if err := s.router.RouteAudio(source, chunk); err != nil {
		s.logger.Debug().Err(err).Str("source", source.String()).Msg("Audio frame not forwarded")
	}
}

func (s *Session) handleStop() {
	s.router.StopAll()
	s.setState(StateStopped)
	s.Emit(models.NewStatus(models.StatusStopped))
	s.logger.Info().Msg("Transcription stopped")
}

func (s *Session) fail(kind, message string) {
	s.metrics.RecordClientError(kind)
	s.Emit(models.NewError(message))
}

// Wait blocks until every upstream session of this connection has closed.
// It is meant to be called after Run returned.
func (s *Session) Wait() {
	s.router.Wait()
}

// Emit queues ev for the client. It blocks until the event is queued or the
// session has shut down, in which case the event is dropped.
func (s *Session) Emit(ev models.Event) {
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.out <- ev:
	case <-s.stop:
	}
}

// Close sends a going-away close frame and closes the connection, which
// makes Run tear the session down.
func (s *Session) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *Session) stopWriter() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) writeLoop() {
	defer close(s.writerEnd)

	failed := false
	for {
		select {
		case ev := <-s.out:
			if failed {
				continue
			}
			if err := s.write(ev); err != nil {
				s.logger.Warn().Err(err).Str("type", ev.EventType()).Msg("Failed to write to client")
				failed = true
				_ = s.conn.Close()
			}
		case <-s.stop:
			s.flush(failed)
			return
		}
	}
}

// flush writes events that were queued before the writer was stopped.
func (s *Session) flush(failed bool) {
	for {
		select {
		case ev := <-s.out:
			if failed {
				continue
			}
			if err := s.write(ev); err != nil {
				failed = true
			}
		default:
			return
		}
	}
}

func (s *Session) write(ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
