package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/service/stt"
)

// DefaultFinishTimeout bounds how long a finishing session waits for the
// backend to close the stream before it is torn down locally.
const DefaultFinishTimeout = 5 * time.Second

const (
	// publishQueueSize bounds the transcript records waiting for the publisher.
	publishQueueSize = 64
	// publishTimeout bounds a single PublishTranscript call.
	publishTimeout = 10 * time.Second
)

var (
	// ErrNotReady is returned by SendAudio before the handshake completed.
	ErrNotReady = errors.New("upstream session not ready")
	// ErrSessionClosed is returned by SendAudio once the session is closing or closed.
	ErrSessionClosed = errors.New("upstream session closed")
)

// Emitter receives the events destined for the client.
type Emitter interface {
	Emit(ev models.Event)
}

// TranscriptPublisher receives every non-empty transcript for downstream consumers.
type TranscriptPublisher interface {
	PublishTranscript(ctx context.Context, rec models.TranscriptRecord) error
}

// Config describes one upstream session.
type Config struct {
	SessionID     string // owning client session
	ID            string // upstream session id
	Source        models.Source
	Provider      stt.Provider
	Options       stt.Options
	Emitter       Emitter
	Publisher     TranscriptPublisher // optional
	Metrics       *metrics.Metrics
	FinishTimeout time.Duration
	// OnClosed is called exactly once when the session reaches CLOSED.
	OnClosed func(*Session)
}

// Session wraps one streaming connection to the speech backend for one
// audio source. Backend events are consumed in order by a single dispatch
// goroutine.
type Session struct {
	cfg       Config
	adapter   stt.Adapter
	lifecycle *Lifecycle
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	created   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	finishTimer *time.Timer
	opened      bool

	// pubQueue is fed only by the dispatch goroutine and drained by
	// publishLoop, so a slow publisher never delays client delivery.
	pubQueue chan models.TranscriptRecord
	pubDone  chan struct{}

	finishOnce  sync.Once
	releaseOnce sync.Once
	done        chan struct{}
}

// New constructs a session in CONNECTING state. No network activity happens
// until Open.
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("upstream: provider is required")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("upstream: emitter is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = DefaultFinishTimeout
	}

	if cfg.Options.Tag == "" {
		cfg.Options.Tag = cfg.Source.String()
	}

	adapter, err := cfg.Provider.NewAdapter(cfg.Options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		adapter:   adapter,
		lifecycle: NewLifecycle(),
		logger:    logging.WithUpstream(cfg.SessionID, cfg.ID, cfg.Source.String(), cfg.Provider.Name()),
		metrics:   cfg.Metrics,
		created:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if cfg.Publisher != nil {
		s.pubQueue = make(chan models.TranscriptRecord, publishQueueSize)
		s.pubDone = make(chan struct{})
		go s.publishLoop()
	}
	return s, nil
}

// ID returns the upstream session id.
func (s *Session) ID() string { return s.cfg.ID }

// Source returns the audio source this session serves.
func (s *Session) Source() models.Source { return s.cfg.Source }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.lifecycle.State() }

// Done is closed once the session reached CLOSED, released its slot and
// handed every queued transcript record to the publisher.
func (s *Session) Done() <-chan struct{} { return s.done }

// Open performs the backend handshake and blocks until it succeeds or fails.
// On failure the session is CLOSED and the client is told which source
// could not connect.
func (s *Session) Open() error {
	s.logger.Info().Msg("Opening upstream session")

	if err := s.adapter.Start(s.ctx); err != nil {
		prev := s.lifecycle.Close()
		s.metrics.RecordUpstreamFailed(s.cfg.Source.String())
		s.logger.Error().Err(err).Str("state", prev.String()).Msg("Upstream handshake failed")
		if prev == StateConnecting {
			s.cfg.Emitter.Emit(models.NewError(
				fmt.Sprintf("Failed to connect to speech backend (%s): %v", s.cfg.Source, err)))
		}
		_ = s.adapter.Close()
		s.release()
		return err
	}

	go s.dispatch()
	return nil
}

// SendAudio forwards one raw chunk upstream without blocking. Chunks sent
// outside READY/STREAMING are dropped.
func (s *Session) SendAudio(chunk []byte) error {
	source := s.cfg.Source.String()

	state := s.lifecycle.State()
	if !state.CanSend() {
		if state == StateConnecting {
			s.metrics.RecordAudioDropped(source, metrics.DropNotReady)
			return ErrNotReady
		}
		s.metrics.RecordAudioDropped(source, metrics.DropClosed)
		return ErrSessionClosed
	}

	if err := s.adapter.SendAudio(chunk); err != nil {
		switch {
		case errors.Is(err, stt.ErrBackpressure):
			s.metrics.RecordAudioDropped(source, metrics.DropBackpressure)
			s.logger.Warn().Int("bytes", len(chunk)).Msg("Upstream send queue full, dropping audio")
		case errors.Is(err, stt.ErrClosed):
			s.metrics.RecordAudioDropped(source, metrics.DropClosed)
			return ErrSessionClosed
		}
		return err
	}

	if s.lifecycle.MarkStreaming() {
		s.logger.Debug().Msg("Upstream session streaming")
	}
	s.metrics.RecordAudioReceived(source, len(chunk))
	return nil
}

// Finish requests a graceful shutdown. The backend is asked to flush and
// close exactly once; if it has not closed after the finish timeout the
// session is torn down locally. Calling Finish on a closed session is a no-op.
func (s *Session) Finish() {
	s.finishOnce.Do(func() {
		if !s.lifecycle.BeginClosing() {
			return
		}
		s.logger.Info().Msg("Finishing upstream session")

		if err := s.adapter.Finish(); err != nil {
			s.logger.Warn().Err(err).Msg("Upstream finish failed, closing")
			_ = s.adapter.Close()
		}

		s.mu.Lock()
		s.finishTimer = time.AfterFunc(s.cfg.FinishTimeout, s.forceClose)
		s.mu.Unlock()
	})
}

func (s *Session) forceClose() {
	select {
	case <-s.done:
		return
	default:
	}
	s.logger.Warn().Dur("timeout", s.cfg.FinishTimeout).Msg("Backend did not close in time, forcing close")
	_ = s.adapter.Close()
}

func (s *Session) dispatch() {
	defer s.release()

	for ev := range s.adapter.Events() {
		switch ev.Kind {
		case stt.EventOpen:
			s.handleOpen()
		case stt.EventTranscript:
			s.handleTranscript(ev.Result)
		case stt.EventError:
			s.handleError(ev.Err)
		case stt.EventClose:
			prev := s.lifecycle.Close()
			s.logger.Info().Str("previousState", prev.String()).Msg("Upstream session closed")
		}
	}
}

func (s *Session) handleOpen() {
	if !s.lifecycle.MarkReady() {
		return
	}
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()

	latency := time.Since(s.created)
	s.metrics.RecordUpstreamOpened(s.cfg.Source.String(), latency.Seconds())
	s.logger.Info().Dur("handshake", latency).Msg("Upstream session ready")
	s.cfg.Emitter.Emit(models.ReadyStatus(s.cfg.Source))
}

func (s *Session) handleTranscript(result stt.Result) {
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return
	}

	if s.lifecycle.Delivering() {
		s.metrics.RecordTranscript(s.cfg.Source.String(), result.IsFinal)
		s.cfg.Emitter.Emit(models.NewTranscript(s.cfg.Source, result.Text, result.IsFinal, result.Confidence))
	}

	// Trailing results after finish still reach downstream consumers.
	s.enqueuePublish(result)
}

func (s *Session) handleError(err error) {
	s.metrics.RecordUpstreamError(s.cfg.Source.String())
	s.logger.Warn().Err(err).Msg("Upstream error")

	if !s.lifecycle.Delivering() {
		return
	}
	message := fmt.Sprintf("Speech backend error (%s)", s.cfg.Source)
	if err != nil && strings.TrimSpace(err.Error()) != "" {
		message = err.Error()
	}
	s.cfg.Emitter.Emit(models.NewError(message))
}

func (s *Session) enqueuePublish(result stt.Result) {
	if s.pubQueue == nil {
		return
	}
	eventType := models.EventTypePartial
	if result.IsFinal {
		eventType = models.EventTypeFinal
	}
	rec := models.TranscriptRecord{
		EventType:  eventType,
		SessionID:  s.cfg.SessionID,
		UpstreamID: s.cfg.ID,
		Source:     s.cfg.Source,
		Text:       result.Text,
		IsFinal:    result.IsFinal,
		Confidence: result.Confidence,
		Timestamp:  time.Now().UnixMilli(),
	}
	select {
	case s.pubQueue <- rec:
	default:
		s.logger.Warn().Str("eventType", eventType).Msg("Publish queue full, dropping transcript record")
	}
}

// publishLoop hands queued records to the publisher until the queue is
// closed by release. Each record gets its own deadline so records queued
// before a close are still written.
func (s *Session) publishLoop() {
	defer close(s.pubDone)
	for rec := range s.pubQueue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := s.cfg.Publisher.PublishTranscript(ctx, rec); err != nil {
			s.logger.Debug().Err(err).Msg("Transcript not published")
		}
		cancel()
	}
}

// release moves the session to CLOSED, frees its resources and hands the
// slot back to the owner.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.lifecycle.Close()

		s.mu.Lock()
		if s.finishTimer != nil {
			s.finishTimer.Stop()
		}
		opened := s.opened
		s.mu.Unlock()

		if opened {
			s.metrics.RecordUpstreamClosed(s.cfg.Source.String())
		}
		s.cancel()

		if s.cfg.OnClosed != nil {
			s.cfg.OnClosed(s)
		}
		if s.pubQueue != nil {
			close(s.pubQueue)
			<-s.pubDone
		}
		close(s.done)
	})
}

// Discard releases a session that was constructed but never opened.
func (s *Session) Discard() {
	s.lifecycle.Close()
	_ = s.adapter.Close()
	s.release()
}
