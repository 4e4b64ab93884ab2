// Package deepgram provides a Deepgram live-transcription adapter over websockets.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"transcript-relay-service/internal/service/stt"
)

const (
	defaultBaseURL   = "https://api.deepgram.com/v1"
	defaultQueueSize = 256
	writeTimeout     = 10 * time.Second

	closeStreamMessage = `{"type":"CloseStream"}`
	keepAliveMessage   = `{"type":"KeepAlive"}`
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey            string
	APIBaseURL        string
	KeepAliveInterval time.Duration
	HandshakeTimeout  time.Duration
	QueueSize         int
}

// Provider implements stt.Provider for Deepgram.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewProvider(cfg Config) *Provider {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	return &Provider{cfg: cfg, dialer: &dialer}
}

func (p *Provider) Name() string { return "deepgram" }

func (p *Provider) Configured() bool {
	return strings.TrimSpace(p.cfg.APIKey) != ""
}

func (p *Provider) NewAdapter(opts stt.Options) (stt.Adapter, error) {
	if !p.Configured() {
		return nil, fmt.Errorf("deepgram: %w", stt.ErrNotConfigured)
	}

	wsURL, err := buildListenURL(p.cfg.APIBaseURL, opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+strings.TrimSpace(p.cfg.APIKey))

	return newStreamingSession(p.dialer, wsURL, headers, p.cfg.KeepAliveInterval, p.cfg.QueueSize), nil
}

type streamingSession struct {
	dialer    *websocket.Dialer
	url       string
	headers   http.Header
	keepAlive time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	events   chan stt.Event
	audio    chan []byte
	readDone chan struct{}
	closing  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	// quiet is set once we asked for the stream to end, or already reported
	// a failure, so later read errors are not surfaced as backend errors.
	quiet atomic.Bool

	sendMu     sync.RWMutex
	sendClosed bool

	finishOnce sync.Once
	closeOnce  sync.Once
}

func newStreamingSession(dialer *websocket.Dialer, wsURL string, headers http.Header, keepAlive time.Duration, queue int) *streamingSession {
	return &streamingSession{
		dialer:    dialer,
		url:       wsURL,
		headers:   headers,
		keepAlive: keepAlive,
		events:    make(chan stt.Event, 64),
		audio:     make(chan []byte, queue),
		readDone:  make(chan struct{}),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *streamingSession) Start(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("deepgram rejected the connection: %s", resp.Status)
		}
		return fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	s.connMu.Lock()
	select {
	case <-s.closing:
		s.connMu.Unlock()
		_ = conn.Close()
		return stt.ErrClosed
	default:
	}
	s.conn = conn
	s.connMu.Unlock()

	s.events <- stt.Event{Kind: stt.EventOpen}

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.writeLoop(conn)
	go func() {
		s.wg.Wait()
		_ = conn.Close()
		s.events <- stt.Event{Kind: stt.EventClose}
		close(s.events)
		close(s.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return nil
}

func (s *streamingSession) Events() <-chan stt.Event {
	return s.events
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return stt.ErrClosed
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	default:
		return stt.ErrBackpressure
	}
}

func (s *streamingSession) Finish() error {
	s.finishOnce.Do(func() {
		s.quiet.Store(true)
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.Finish()
		s.connMu.Lock()
		close(s.closing)
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

func (s *streamingSession) emit(event stt.Event) {
	select {
	case s.events <- event:
	case <-s.closing:
	}
}

// fail reports err once and stops further error reporting.
func (s *streamingSession) fail(err error) {
	if s.quiet.Swap(true) {
		return
	}
	s.emit(stt.Event{Kind: stt.EventError, Err: err})
}

func (s *streamingSession) writeLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}
	lastWrite := time.Now()

	write := func(messageType int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		lastWrite = time.Now()
		return conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				if err := write(websocket.TextMessage, []byte(closeStreamMessage)); err != nil {
					_ = conn.Close()
				}
				return
			}
			if err := write(websocket.BinaryMessage, chunk); err != nil {
				s.fail(fmt.Errorf("failed to send audio: %w", err))
				_ = conn.Close()
				return
			}
		case <-tick:
			if time.Since(lastWrite) < s.keepAlive {
				continue
			}
			if err := write(websocket.TextMessage, []byte(keepAliveMessage)); err != nil {
				s.fail(fmt.Errorf("failed to send keep-alive: %w", err))
				_ = conn.Close()
				return
			}
		case <-s.readDone:
			return
		case <-s.closing:
			return
		}
	}
}

func (s *streamingSession) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer close(s.readDone)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if readErr := describeReadError(err); readErr != nil {
				s.fail(readErr)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		switch {
		case strings.EqualFold(response.Type, "Error"):
			s.emit(stt.Event{Kind: stt.EventError, Err: response.err()})
		case response.Type == "" || strings.EqualFold(response.Type, "Results"):
			if result, ok := extractResult(response); ok {
				s.emit(stt.Event{Kind: stt.EventTranscript, Result: result})
			}
		}
	}
}

// describeReadError returns nil for orderly closes.
func describeReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return nil
		}
		if reason := strings.TrimSpace(closeErr.Text); reason != "" {
			return errors.New(reason)
		}
		return fmt.Errorf("deepgram closed the stream (code %d)", closeErr.Code)
	}
	return fmt.Errorf("lost connection to Deepgram: %w", err)
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`

	Description string `json:"description"`
	Message     string `json:"message"`
	ErrMsg      string `json:"err_msg"`
}

// err returns the backend's message, or nil when it supplied none.
func (r deepgramResponse) err() error {
	for _, msg := range []string{r.Description, r.Message, r.ErrMsg} {
		if msg = strings.TrimSpace(msg); msg != "" {
			return errors.New(msg)
		}
	}
	return nil
}

func extractResult(response deepgramResponse) (stt.Result, bool) {
	if len(response.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}
	alt := response.Channel.Alternatives[0]
	return stt.Result{
		Text:       alt.Transcript,
		IsFinal:    response.IsFinal,
		Confidence: alt.Confidence,
	}, true
}

func buildListenURL(base string, opts stt.Options) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultBaseURL
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	defaults := stt.DefaultOptions()
	if opts.Model == "" {
		opts.Model = defaults.Model
	}
	if opts.Encoding == "" {
		opts.Encoding = defaults.Encoding
	}
	if opts.SampleRateHz <= 0 {
		opts.SampleRateHz = defaults.SampleRateHz
	}
	if opts.Channels <= 0 {
		opts.Channels = defaults.Channels
	}

	query := listenURL.Query()
	query.Set("model", opts.Model)
	query.Set("encoding", opts.Encoding)
	query.Set("sample_rate", strconv.Itoa(opts.SampleRateHz))
	query.Set("channels", strconv.Itoa(opts.Channels))
	query.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	query.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	query.Set("punctuate", strconv.FormatBool(opts.Punctuate))
	if opts.Language != "" {
		query.Set("language", opts.Language)
	}
	if opts.Tag != "" {
		query.Set("tag", opts.Tag)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
