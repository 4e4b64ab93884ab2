// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"transcript-relay-service/internal/service/stt"
)

// Config holds Google STT configuration.
type Config struct {
	CredentialsFile string
	LanguageCode    string
	SampleRateHz    int
	InterimResults  bool
	AudioEncoding   string // LINEAR16, MULAW, FLAC, etc.
	QueueSize       int
}

// DefaultConfig returns sensible defaults for meeting audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
		QueueSize:      256,
	}
}

// recognizeStream is the subset of the streaming RPC the adapter uses.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type streamOpener func(ctx context.Context) (recognizeStream, error)

// Provider implements stt.Provider using Google Cloud Speech-to-Text.
// The gRPC client is created on first use and shared by all adapters.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	client *speech.Client
	open   streamOpener
}

// NewProvider creates a Google provider. Credentials come from cfg.CredentialsFile.
func NewProvider(cfg Config) *Provider {
	defaults := DefaultConfig()
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = defaults.LanguageCode
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = defaults.SampleRateHz
	}
	if cfg.AudioEncoding == "" {
		cfg.AudioEncoding = defaults.AudioEncoding
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	p := &Provider{cfg: cfg}
	p.open = p.openStream
	return p
}

func (p *Provider) Name() string { return "google" }

func (p *Provider) Configured() bool {
	return strings.TrimSpace(p.cfg.CredentialsFile) != ""
}

// NewAdapter creates an adapter. Language and sample rate in opts override
// the provider config when set.
func (p *Provider) NewAdapter(opts stt.Options) (stt.Adapter, error) {
	if !p.Configured() {
		return nil, fmt.Errorf("google: %w", stt.ErrNotConfigured)
	}
	return newAdapter(p.open, p.recognitionConfig(opts), p.cfg.InterimResults, p.cfg.QueueSize), nil
}

// Close releases the shared gRPC client.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *Provider) recognitionConfig(opts stt.Options) *speechpb.RecognitionConfig {
	language := p.cfg.LanguageCode
	if opts.Language != "" && strings.Contains(opts.Language, "-") {
		language = opts.Language
	}
	rate := p.cfg.SampleRateHz
	if opts.SampleRateHz > 0 {
		rate = opts.SampleRateHz
	}
	encoding := p.cfg.AudioEncoding
	if opts.Encoding != "" {
		encoding = strings.ToUpper(opts.Encoding)
	}
	channels := opts.Channels
	if channels <= 0 {
		channels = 1
	}
	return &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(encoding),
		SampleRateHertz:            int32(rate),
		AudioChannelCount:          int32(channels),
		LanguageCode:               language,
		EnableAutomaticPunctuation: opts.Punctuate,
	}
}

func (p *Provider) openStream(ctx context.Context) (recognizeStream, error) {
	p.mu.Lock()
	if p.client == nil {
		client, err := speech.NewClient(ctx, option.WithCredentialsFile(p.cfg.CredentialsFile))
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("create speech client: %w", err)
		}
		p.client = client
	}
	client := p.client
	p.mu.Unlock()

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// parseAudioEncoding converts string encoding to protobuf enum.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Adapter implements stt.Adapter over one StreamingRecognize call.
type Adapter struct {
	open     streamOpener
	config   *speechpb.RecognitionConfig
	interim  bool
	audio    chan []byte
	events   chan stt.Event
	closing  chan struct{}
	cancel   context.CancelFunc
	cancelMu sync.Mutex

	quiet      atomic.Bool
	sendMu     sync.RWMutex
	sendClosed bool
	finishOnce sync.Once
	closeOnce  sync.Once
}

func newAdapter(open streamOpener, config *speechpb.RecognitionConfig, interim bool, queue int) *Adapter {
	return &Adapter{
		open:    open,
		config:  config,
		interim: interim,
		audio:   make(chan []byte, queue),
		events:  make(chan stt.Event, 64),
		closing: make(chan struct{}),
	}
}

// Start opens the stream and sends the streaming config as the first message.
func (a *Adapter) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)

	a.cancelMu.Lock()
	select {
	case <-a.closing:
		a.cancelMu.Unlock()
		cancel()
		return stt.ErrClosed
	default:
	}
	a.cancel = cancel
	a.cancelMu.Unlock()

	stream, err := a.open(streamCtx)
	if err != nil {
		cancel()
		return err
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         a.config,
				InterimResults: a.interim,
			},
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("send streaming config: %w", err)
	}

	a.events <- stt.Event{Kind: stt.EventOpen}

	sendDone := make(chan struct{})
	go a.sendLoop(streamCtx, stream, sendDone)
	go func() {
		a.recvLoop(stream)
		cancel()
		<-sendDone
		a.events <- stt.Event{Kind: stt.EventClose}
		close(a.events)
	}()
	return nil
}

func (a *Adapter) Events() <-chan stt.Event {
	return a.events
}

func (a *Adapter) SendAudio(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.sendClosed {
		return stt.ErrClosed
	}
	select {
	case a.audio <- append([]byte(nil), audio...):
		return nil
	default:
		return stt.ErrBackpressure
	}
}

// Finish half-closes the stream once queued audio has been sent. Google then
// returns the remaining results and ends the stream with io.EOF.
func (a *Adapter) Finish() error {
	a.finishOnce.Do(func() {
		a.quiet.Store(true)
		a.sendMu.Lock()
		a.sendClosed = true
		close(a.audio)
		a.sendMu.Unlock()
	})
	return nil
}

// Close cancels the stream immediately.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		_ = a.Finish()
		a.cancelMu.Lock()
		close(a.closing)
		cancel := a.cancel
		a.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}

func (a *Adapter) sendLoop(ctx context.Context, stream recognizeStream, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case chunk, ok := <-a.audio:
			if !ok {
				_ = stream.CloseSend()
				return
			}
			err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: chunk,
				},
			})
			if err != nil {
				// Recv reports the underlying stream error.
				return
			}
		case <-a.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

// recvLoop receives transcript responses from Google and emits events.
func (a *Adapter) recvLoop(stream recognizeStream) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
				return
			}
			if !a.quiet.Swap(true) {
				a.emit(stt.Event{Kind: stt.EventError, Err: err})
			}
			return
		}
		if resp.Error != nil && resp.Error.Code != 0 {
			a.emit(stt.Event{Kind: stt.EventError, Err: errors.New(resp.Error.Message)})
			continue
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			a.emit(stt.Event{Kind: stt.EventTranscript, Result: stt.Result{
				Text:       alt.Transcript,
				IsFinal:    r.IsFinal,
				Confidence: float64(alt.Confidence),
			}})
		}
	}
}

func (a *Adapter) emit(ev stt.Event) {
	select {
	case a.events <- ev:
	case <-a.closing:
	}
}
