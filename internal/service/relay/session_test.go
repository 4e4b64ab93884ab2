package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/service/stt"
	"transcript-relay-service/internal/service/stt/stttest"
)

type frame struct {
	messageType int
	data        []byte
}

// fakeConn implements Conn for testing
type fakeConn struct {
	in        chan frame
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeFrames int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed network connection")
	default:
	}
	c.out <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage {
		c.mu.Lock()
		c.closeFrames++
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type harness struct {
	t        *testing.T
	conn     *fakeConn
	provider *stttest.Provider
	metrics  *metrics.Metrics
	session  *Session
	done     chan error
}

func newHarness(t *testing.T, provider stt.Provider, fake *stttest.Provider) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		conn:     newFakeConn(),
		provider: fake,
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		done:     make(chan error, 1),
	}
	h.session = NewSession(h.conn, Config{
		ID:            "sess-test",
		Provider:      provider,
		Options:       stt.DefaultOptions(),
		Metrics:       h.metrics,
		FinishTimeout: 100 * time.Millisecond,
	})
	go func() { h.done <- h.session.Run(context.Background()) }()
	return h
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	p := stttest.NewProvider()
	return newHarness(t, p, p)
}

func (h *harness) sendJSON(v any) {
	h.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	h.conn.in <- frame{websocket.TextMessage, data}
}

func (h *harness) sendRaw(text string) {
	h.conn.in <- frame{websocket.TextMessage, []byte(text)}
}

func (h *harness) sendAudio(source string, chunk []byte) {
	h.sendJSON(map[string]string{"type": "audio", "source": source, "audio": base64.StdEncoding.EncodeToString(chunk)})
}

func (h *harness) nextRaw() string {
	h.t.Helper()
	select {
	case data := <-h.conn.out:
		return string(data)
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for outbound event")
		return ""
	}
}

type outbound struct {
	Type       string  `json:"type"`
	Message    string  `json:"message"`
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	IsInterim  bool    `json:"is_interim"`
	Confidence float64 `json:"confidence"`
}

func (h *harness) next() outbound {
	h.t.Helper()
	var ev outbound
	if err := json.Unmarshal([]byte(h.nextRaw()), &ev); err != nil {
		h.t.Fatalf("unmarshal outbound: %v", err)
	}
	return ev
}

// start sends start and consumes both ready statuses.
func (h *harness) start() {
	h.t.Helper()
	h.sendJSON(map[string]string{"type": "start"})
	h.awaitReady()
}

func (h *harness) awaitReady() {
	h.t.Helper()
	ready := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := h.next()
		if ev.Type != "status" {
			h.t.Fatalf("expected ready status, got %+v", ev)
		}
		ready[ev.Message] = true
	}
	if !ready["ready:mic"] || !ready["ready:system"] {
		h.t.Fatalf("expected ready for both sources, got %v", ready)
	}
}

func (h *harness) disconnect() {
	h.t.Helper()
	close(h.conn.in)
	select {
	case err := <-h.done:
		if err != nil {
			h.t.Errorf("expected clean disconnect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not shut down")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_EndToEndFinalTranscript(t *testing.T) {
	h := startHarness(t)
	h.start()

	h.provider.AdaptersFor("mic")[0].Transcript("hello", true, 0.92)

	want := `{"type":"transcript","source":"mic","text":"hello","is_final":true,"is_interim":false,"confidence":0.92}`
	if got := h.nextRaw(); got != want {
		t.Errorf("unexpected transcript frame:\n got %s\nwant %s", got, want)
	}
	if h.session.State() != StateActive {
		t.Errorf("expected ACTIVE, got %v", h.session.State())
	}
	h.disconnect()
}

func TestSession_AudioRoutedBySource(t *testing.T) {
	h := startHarness(t)
	h.start()

	h.sendAudio("mic", []byte("mic-1"))
	h.sendAudio("system", []byte("sys-1"))
	h.sendAudio("", []byte("mic-2"))
	h.sendAudio("camera", []byte("mic-3"))

	mic := h.provider.AdaptersFor("mic")[0]
	sys := h.provider.AdaptersFor("system")[0]
	waitFor(t, "audio delivery", func() bool { return len(mic.Audio()) == 3 && len(sys.Audio()) == 1 })

	if got := string(sys.Audio()[0]); got != "sys-1" {
		t.Errorf("unexpected system audio %q", got)
	}
	for i, want := range []string{"mic-1", "mic-2", "mic-3"} {
		if got := string(mic.Audio()[i]); got != want {
			t.Errorf("mic chunk %d: got %q want %q", i, got, want)
		}
	}

	sys.Transcript("from the call", false, 0)
	ev := h.next()
	if ev.Source != "system" || ev.Text != "from the call" || ev.IsFinal || !ev.IsInterim {
		t.Errorf("unexpected system transcript: %+v", ev)
	}
	h.disconnect()
}

func TestSession_MissingCredential(t *testing.T) {
	p := stttest.NewProvider()
	p.Unconfigured = true
	h := newHarness(t, p, p)

	h.sendJSON(map[string]string{"type": "start"})
	ev := h.next()
	if ev.Type != "error" || ev.Message != MsgMisconfigured {
		t.Fatalf("expected misconfigured error, got %+v", ev)
	}
	if n := len(p.Adapters()); n != 0 {
		t.Errorf("expected backend never contacted, got %d adapters", n)
	}
	if got := testutil.ToFloat64(h.metrics.ClientErrors.WithLabelValues(errKindConfig)); got != 1 {
		t.Errorf("expected 1 config error, got %v", got)
	}
	if h.session.State() != StateIdle {
		t.Errorf("expected IDLE, got %v", h.session.State())
	}
	h.disconnect()
}

func TestSession_BadBase64KeepsConnection(t *testing.T) {
	h := startHarness(t)
	h.start()

	h.sendJSON(map[string]string{"type": "audio", "source": "mic", "audio": "%%% not base64 %%%"})
	ev := h.next()
	if ev.Type != "error" || ev.Message != MsgAudioProcessing {
		t.Fatalf("expected audio processing error, got %+v", ev)
	}

	h.sendAudio("mic", []byte("still here"))
	mic := h.provider.AdaptersFor("mic")[0]
	waitFor(t, "valid audio after bad frame", func() bool { return len(mic.Audio()) == 1 })
	h.disconnect()
}

func TestSession_StopYieldsExactlyOneStopped(t *testing.T) {
	tests := []struct {
		name  string
		start bool
	}{
		{"without sessions", false},
		{"with sessions", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHarness(t)
			if tt.start {
				h.start()
			}

			h.sendJSON(map[string]string{"type": "stop"})
			h.sendJSON(map[string]string{"type": "ping"})
			// A bad frame marks the end of the stop's output.
			h.sendJSON(map[string]string{"type": "audio", "audio": "!"})

			if ev := h.next(); ev.Type != "status" || ev.Message != "stopped" {
				t.Fatalf("expected stopped status, got %+v", ev)
			}
			if ev := h.next(); ev.Type != "error" {
				t.Fatalf("expected only one stopped status, got %+v", ev)
			}

			for _, src := range models.Sources {
				if h.session.router.Session(src) != nil {
					t.Errorf("expected %s slot empty after stop", src)
				}
			}
			if h.session.State() != StateStopped {
				t.Errorf("expected STOPPED, got %v", h.session.State())
			}
			h.disconnect()
		})
	}
}

func TestSession_RestartNeverOverlaps(t *testing.T) {
	h := startHarness(t)
	h.start()
	h.start()

	for _, tag := range []string{"mic", "system"} {
		adapters := h.provider.AdaptersFor(tag)
		if len(adapters) != 2 {
			t.Fatalf("expected 2 %s adapters, got %d", tag, len(adapters))
		}
		if adapters[0].FinishCalls() != 1 {
			t.Errorf("expected first %s session finished", tag)
		}
		if n := h.provider.MaxLive(tag); n != 1 {
			t.Errorf("expected at most one live %s session, saw %d", tag, n)
		}
	}
	h.disconnect()
}

func TestSession_DisconnectFinishesEachSessionOnce(t *testing.T) {
	h := startHarness(t)
	h.start()

	h.sendAudio("mic", []byte{1})
	h.sendAudio("system", []byte{2})
	waitFor(t, "both sessions streaming", func() bool {
		return len(h.provider.AdaptersFor("mic")[0].Audio()) == 1 &&
			len(h.provider.AdaptersFor("system")[0].Audio()) == 1
	})

	h.disconnect()

	for _, a := range h.provider.Adapters() {
		if n := a.FinishCalls(); n != 1 {
			t.Errorf("expected %s finished exactly once, got %d", a.Tag, n)
		}
	}
	for _, tag := range []string{"mic", "system"} {
		if n := h.provider.Live(tag); n != 0 {
			t.Errorf("expected no live %s session after disconnect, got %d", tag, n)
		}
	}
	if got := testutil.ToFloat64(h.metrics.ClientSessionsActive); got != 0 {
		t.Errorf("expected 0 active client sessions, got %v", got)
	}
	if h.session.State() != StateStopped {
		t.Errorf("expected STOPPED after disconnect, got %v", h.session.State())
	}
}

func TestSession_LegacyFramesRouteToMic(t *testing.T) {
	h := startHarness(t)
	h.start()

	h.conn.in <- frame{websocket.BinaryMessage, []byte{0xde, 0xad}}
	h.conn.in <- frame{websocket.TextMessage, []byte("not json")}

	mic := h.provider.AdaptersFor("mic")[0]
	waitFor(t, "legacy audio", func() bool { return len(mic.Audio()) == 2 })
	if len(h.provider.AdaptersFor("system")[0].Audio()) != 0 {
		t.Error("expected no legacy audio on system")
	}
	h.disconnect()
}

func TestSession_MistypedSourceDefaultsToMic(t *testing.T) {
	h := startHarness(t)
	h.start()

	h.sendRaw(`{"type":"audio","source":7,"audio":"cGNt"}`)

	mic := h.provider.AdaptersFor("mic")[0]
	waitFor(t, "decoded mic audio", func() bool { return len(mic.Audio()) == 1 })
	if got := string(mic.Audio()[0]); got != "pcm" {
		t.Errorf("expected decoded payload %q, got %q", "pcm", got)
	}
	if n := len(h.provider.AdaptersFor("system")[0].Audio()); n != 0 {
		t.Errorf("expected no system audio, got %d chunks", n)
	}
	h.disconnect()
}

func TestSession_MistypedStartStillStarts(t *testing.T) {
	h := startHarness(t)

	h.sendRaw(`{"type":"start","source":1}`)
	h.awaitReady()

	if h.session.State() != StateActive {
		t.Errorf("expected ACTIVE, got %v", h.session.State())
	}
	if n := len(h.provider.AdaptersFor("mic")[0].Audio()); n != 0 {
		t.Errorf("expected start frame not forwarded as audio, got %d chunks", n)
	}
	h.disconnect()
}

func TestSession_NonStringAudioIsAnError(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"number", `{"type":"audio","source":"mic","audio":42}`},
		{"object", `{"type":"audio","source":"system","audio":{"data":"cGNt"}}`},
		{"missing", `{"type":"audio","source":"mic"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHarness(t)
			h.start()

			h.sendRaw(tt.frame)
			if ev := h.next(); ev.Type != "error" || ev.Message != MsgAudioProcessing {
				t.Fatalf("expected audio processing error, got %+v", ev)
			}
			for _, a := range h.provider.Adapters() {
				if n := len(a.Audio()); n != 0 {
					t.Errorf("expected nothing forwarded to %s, got %d chunks", a.Tag, n)
				}
			}
			h.disconnect()
		})
	}
}

func TestSession_NonObjectJSONIsIgnored(t *testing.T) {
	h := startHarness(t)
	h.start()

	h.sendRaw(`[1,2,3]`)
	h.sendRaw(`"cGNt"`)
	h.sendRaw(`null`)
	// A bad frame marks the end of the ignored frames' output.
	h.sendRaw(`{"type":"audio","audio":42}`)

	if ev := h.next(); ev.Type != "error" || ev.Message != MsgAudioProcessing {
		t.Fatalf("expected only the marker error, got %+v", ev)
	}
	if n := len(h.provider.AdaptersFor("mic")[0].Audio()); n != 0 {
		t.Errorf("expected valid JSON never forwarded as legacy audio, got %d chunks", n)
	}
	h.disconnect()
}

func TestSession_ConstructionFailure(t *testing.T) {
	p := stttest.NewProvider()
	p.NewAdapterErr = errors.New("no capacity")
	h := newHarness(t, p, p)

	h.sendJSON(map[string]string{"type": "start"})
	ev := h.next()
	if ev.Type != "error" || ev.Message != "Failed to connect to speech backend: create mic session: no capacity" {
		t.Fatalf("unexpected error: %+v", ev)
	}
	for _, src := range models.Sources {
		if h.session.router.Session(src) != nil {
			t.Errorf("expected %s slot empty", src)
		}
	}
	h.disconnect()
}

func TestSession_HandshakeFailureOnOneSource(t *testing.T) {
	p := stttest.NewProvider()
	p.StartErr["system"] = stttest.ErrRejected
	h := newHarness(t, p, p)

	h.sendJSON(map[string]string{"type": "start"})
	var sawReady, sawError bool
	for i := 0; i < 2; i++ {
		ev := h.next()
		switch {
		case ev.Type == "status" && ev.Message == "ready:mic":
			sawReady = true
		case ev.Type == "error" && ev.Message == "Failed to connect to speech backend (system): "+stttest.ErrRejected.Error():
			sawError = true
		default:
			t.Errorf("unexpected event %+v", ev)
		}
	}
	if !sawReady || !sawError {
		t.Fatalf("expected mic ready and system error, ready=%v error=%v", sawReady, sawError)
	}

	h.sendAudio("mic", []byte{1})
	mic := p.AdaptersFor("mic")[0]
	waitFor(t, "mic unaffected", func() bool { return len(mic.Audio()) == 1 })
	h.disconnect()
}

// panickyProvider panics while checking its credential.
type panickyProvider struct {
	*stttest.Provider
}

func (panickyProvider) Configured() bool { panic("credential store unavailable") }

func TestSession_RecoversFromPanics(t *testing.T) {
	p := stttest.NewProvider()
	h := newHarness(t, panickyProvider{p}, p)

	h.sendJSON(map[string]string{"type": "start"})
	ev := h.next()
	if ev.Type != "error" || ev.Message != "credential store unavailable" {
		t.Fatalf("expected recovered panic as error, got %+v", ev)
	}

	h.sendJSON(map[string]string{"type": "stop"})
	if ev := h.next(); ev.Type != "status" || ev.Message != "stopped" {
		t.Fatalf("expected connection to keep working, got %+v", ev)
	}
	h.disconnect()
}

func TestSession_ContextCancelEndsRun(t *testing.T) {
	p := stttest.NewProvider()
	conn := newFakeConn()
	s := NewSession(conn, Config{ID: "ctx", Provider: p, Metrics: metrics.NewMetrics(prometheus.NewRegistry())})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSession_CloseSendsGoingAway(t *testing.T) {
	h := startHarness(t)

	if err := h.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	if h.conn.closeFrames != 1 {
		t.Errorf("expected one close frame, got %d", h.conn.closeFrames)
	}
}
