// Package stttest provides an in-memory speech backend for tests.
package stttest

import (
	"context"
	"errors"
	"sync"

	"transcript-relay-service/internal/service/stt"
)

// Provider is a scriptable stt.Provider. It tracks how many sessions are
// live per tag so tests can assert that a tag never has two at once.
type Provider struct {
	// Unconfigured makes Configured report false.
	Unconfigured bool
	// NewAdapterErr is returned by NewAdapter when set.
	NewAdapterErr error
	// StartErr is returned by Start for the given tag.
	StartErr map[string]error
	// IgnoreFinish keeps the stream open after Finish, like a backend
	// that never sends its close frame.
	IgnoreFinish bool

	mu       sync.Mutex
	adapters []*Adapter
	live     map[string]int
	maxLive  map[string]int
	created  chan *Adapter
}

func NewProvider() *Provider {
	return &Provider{
		StartErr: map[string]error{},
		live:     map[string]int{},
		maxLive:  map[string]int{},
		created:  make(chan *Adapter, 64),
	}
}

func (p *Provider) Name() string     { return "fake" }
func (p *Provider) Configured() bool { return !p.Unconfigured }

func (p *Provider) NewAdapter(opts stt.Options) (stt.Adapter, error) {
	if p.NewAdapterErr != nil {
		return nil, p.NewAdapterErr
	}
	a := &Adapter{
		provider: p,
		Tag:      opts.Tag,
		Options:  opts,
		events:   make(chan stt.Event, 256),
		started:  make(chan struct{}),
	}
	p.mu.Lock()
	p.adapters = append(p.adapters, a)
	p.mu.Unlock()
	select {
	case p.created <- a:
	default:
	}
	return a, nil
}

// Created delivers adapters in construction order.
func (p *Provider) Created() <-chan *Adapter { return p.created }

// Adapters returns every adapter constructed so far.
func (p *Provider) Adapters() []*Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Adapter(nil), p.adapters...)
}

// AdaptersFor returns the adapters constructed for tag.
func (p *Provider) AdaptersFor(tag string) []*Adapter {
	var out []*Adapter
	for _, a := range p.Adapters() {
		if a.Tag == tag {
			out = append(out, a)
		}
	}
	return out
}

// Live returns the number of started sessions for tag that were neither
// finished nor closed.
func (p *Provider) Live(tag string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[tag]
}

// MaxLive returns the highest number of concurrently live sessions seen for tag.
func (p *Provider) MaxLive(tag string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxLive[tag]
}

func (p *Provider) startErr(tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StartErr[tag]
}

func (p *Provider) opened(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[tag]++
	if p.live[tag] > p.maxLive[tag] {
		p.maxLive[tag] = p.live[tag]
	}
}

func (p *Provider) closed(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[tag]--
}

// Adapter is one fake backend session.
type Adapter struct {
	Tag     string
	Options stt.Options

	provider *Provider
	events   chan stt.Event
	started  chan struct{}

	mu          sync.Mutex
	audio       [][]byte
	isStarted   bool
	finished    bool
	ended       bool
	released    bool
	finishCalls int
	closeCalls  int
}

func (a *Adapter) Start(ctx context.Context) error {
	if err := a.provider.startErr(a.Tag); err != nil {
		return err
	}
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return stt.ErrClosed
	}
	a.isStarted = true
	if a.finished {
		a.released = true
	} else {
		a.provider.opened(a.Tag)
	}
	a.events <- stt.Event{Kind: stt.EventOpen}
	a.mu.Unlock()
	close(a.started)
	return nil
}

// Started is closed once the handshake succeeded.
func (a *Adapter) Started() <-chan struct{} { return a.started }

func (a *Adapter) Events() <-chan stt.Event { return a.events }

func (a *Adapter) SendAudio(chunk []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished || a.ended {
		return stt.ErrClosed
	}
	a.audio = append(a.audio, append([]byte(nil), chunk...))
	return nil
}

func (a *Adapter) Finish() error {
	a.mu.Lock()
	a.finishCalls++
	a.finished = true
	a.releaseLocked()
	a.mu.Unlock()
	if !a.provider.IgnoreFinish {
		a.end()
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closeCalls++
	a.mu.Unlock()
	a.end()
	return nil
}

// Transcript emits a backend result.
func (a *Adapter) Transcript(text string, final bool, confidence float64) {
	a.push(stt.Event{Kind: stt.EventTranscript, Result: stt.Result{Text: text, IsFinal: final, Confidence: confidence}})
}

// Fail emits a backend error. A nil err models an error without a message.
func (a *Adapter) Fail(err error) {
	a.push(stt.Event{Kind: stt.EventError, Err: err})
}

// Hangup ends the stream from the backend side.
func (a *Adapter) Hangup() { a.end() }

func (a *Adapter) push(ev stt.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended || !a.isStarted {
		return
	}
	a.events <- ev
}

func (a *Adapter) end() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return
	}
	a.ended = true
	if !a.isStarted {
		return
	}
	a.releaseLocked()
	a.events <- stt.Event{Kind: stt.EventClose}
	close(a.events)
}

// releaseLocked stops counting the session as live. A finished session is
// no longer live even if the backend is still flushing.
func (a *Adapter) releaseLocked() {
	if !a.isStarted || a.released {
		return
	}
	a.released = true
	a.provider.closed(a.Tag)
}

// Audio returns the chunks received so far.
func (a *Adapter) Audio() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.audio...)
}

func (a *Adapter) FinishCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finishCalls
}

func (a *Adapter) CloseCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeCalls
}

// Ended reports whether the stream is over.
func (a *Adapter) Ended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ended
}

// ErrRejected is a handshake error tests can hand to StartErr.
var ErrRejected = errors.New("backend rejected the connection: 401 Unauthorized")
