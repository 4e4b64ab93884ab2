// Package mock provides a mock STT backend for running the relay without cloud credentials.
// It simulates realistic speech-to-text behavior with progressive partial transcripts
// and exactly one final transcript per utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"transcript-relay-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample meeting utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"Let's", "Let's get", "Let's get started"},
		Final:      "Let's get started with the agenda",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Can everyone", "Can everyone hear"},
		Final:      "Can everyone hear me okay",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"I'll share", "I'll share my", "I'll share my screen"},
		Final:      "I'll share my screen now",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"Thanks"},
		Final:      "Thanks everyone",
		Confidence: 0.98,
	},
}

// Provider creates mock adapters. It is always configured.
type Provider struct {
	// Delay is applied before each simulated result.
	Delay      time.Duration
	Utterances []SimulatedUtterance
	QueueSize  int

	mu      sync.Mutex
	counter int
}

// NewProvider returns a provider cycling through DefaultUtterances.
func NewProvider() *Provider {
	return &Provider{
		Delay:      50 * time.Millisecond,
		Utterances: DefaultUtterances,
		QueueSize:  256,
	}
}

func (p *Provider) Name() string     { return "mock" }
func (p *Provider) Configured() bool { return true }

// NewAdapter creates an adapter starting at the next utterance in rotation.
func (p *Provider) NewAdapter(stt.Options) (stt.Adapter, error) {
	utterances := p.Utterances
	if len(utterances) == 0 {
		utterances = DefaultUtterances
	}
	queue := p.QueueSize
	if queue <= 0 {
		queue = 256
	}

	p.mu.Lock()
	start := p.counter
	p.counter++
	p.mu.Unlock()

	return &Adapter{
		delay:      p.Delay,
		utterances: utterances,
		index:      start % len(utterances),
		audio:      make(chan []byte, queue),
		events:     make(chan stt.Event, 64),
		closing:    make(chan struct{}),
	}, nil
}

// Adapter implements stt.Adapter with mock responses.
// Each audio frame yields the next partial of the current utterance. Once
// all partials are out, the next frame yields the final and the adapter moves
// on to the next utterance. Finish flushes an utterance that has partials but
// no final yet.
type Adapter struct {
	delay        time.Duration
	utterances   []SimulatedUtterance
	index        int
	partialIndex int

	audio   chan []byte
	events  chan stt.Event
	closing chan struct{}

	mu         sync.RWMutex
	sendClosed bool
	started    bool

	finishOnce sync.Once
	closeOnce  sync.Once
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	select {
	case <-a.closing:
		return stt.ErrClosed
	default:
	}

	a.events <- stt.Event{Kind: stt.EventOpen}
	go a.run(ctx)
	return nil
}

func (a *Adapter) Events() <-chan stt.Event {
	return a.events
}

// SendAudio queues one frame without blocking.
func (a *Adapter) SendAudio(audio []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sendClosed {
		return stt.ErrClosed
	}
	select {
	case a.audio <- audio:
		return nil
	default:
		return stt.ErrBackpressure
	}
}

// Finish ends the stream after pending frames are processed.
func (a *Adapter) Finish() error {
	a.finishOnce.Do(func() {
		a.mu.Lock()
		a.sendClosed = true
		close(a.audio)
		a.mu.Unlock()
	})
	return nil
}

// Close ends the session immediately.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		_ = a.Finish()
		close(a.closing)
	})
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	defer func() {
		a.events <- stt.Event{Kind: stt.EventClose}
		close(a.events)
	}()

	for {
		select {
		case _, ok := <-a.audio:
			if !ok {
				if a.partialIndex > 0 {
					a.emitFinal()
				}
				return
			}
			a.next()
		case <-a.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) next() {
	utt := a.utterances[a.index]
	if a.partialIndex < len(utt.Partials) {
		text := utt.Partials[a.partialIndex]
		a.partialIndex++
		a.emit(stt.Result{Text: text})
		return
	}
	a.emitFinal()
}

func (a *Adapter) emitFinal() {
	utt := a.utterances[a.index]
	a.index = (a.index + 1) % len(a.utterances)
	a.partialIndex = 0
	a.emit(stt.Result{Text: utt.Final, IsFinal: true, Confidence: utt.Confidence})
}

func (a *Adapter) emit(result stt.Result) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-a.closing:
			return
		}
	}
	select {
	case a.events <- stt.Event{Kind: stt.EventTranscript, Result: result}:
	case <-a.closing:
	}
}
