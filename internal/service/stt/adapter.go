// Package stt defines the interface for streaming Speech-to-Text backends.
//
// Every backend session is exposed as an Adapter whose results arrive on a
// single ordered event channel (open, transcript, error, close) instead of
// through callbacks, so one goroutine per session can consume them in order.
package stt

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by SendAudio after Finish or Close.
	ErrClosed = errors.New("stt session closed")
	// ErrBackpressure is returned by SendAudio when the send queue is full.
	ErrBackpressure = errors.New("stt send queue full")
	// ErrNotConfigured is returned when a provider lacks its credential.
	ErrNotConfigured = errors.New("stt provider credential not configured")
)

// Options describes the recognition session requested from the backend.
type Options struct {
	Model          string
	Language       string
	Encoding       string
	SampleRateHz   int
	Channels       int
	SmartFormat    bool
	Punctuate      bool
	InterimResults bool
	// Tag labels the backend session for usage reporting.
	Tag string
}

// DefaultOptions returns 16-bit linear PCM at 16 kHz, English, with smart
// formatting, punctuation and interim results enabled.
func DefaultOptions() Options {
	return Options{
		Model:          "nova-3",
		Language:       "en",
		Encoding:       "linear16",
		SampleRateHz:   16000,
		Channels:       1,
		SmartFormat:    true,
		Punctuate:      true,
		InterimResults: true,
	}
}

// EventKind identifies an upstream event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventTranscript
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Result is the first alternative of one backend transcript.
// Confidence is zero when the backend omits it.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Event is one item of an adapter's event stream.
type Event struct {
	Kind   EventKind
	Result Result
	Err    error
}

// Adapter is one streaming session with a backend.
//
// Start performs the handshake and blocks until it succeeds or fails. After a
// successful Start the adapter emits EventOpen first and EventClose last, and
// closes the Events channel after EventClose. Consumers must drain Events.
type Adapter interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	// SendAudio queues one raw chunk without blocking.
	SendAudio(audio []byte) error
	// Finish asks the backend to flush and end the stream gracefully.
	Finish() error
	// Close tears the session down immediately.
	Close() error
}

// Provider creates adapters for one backend.
type Provider interface {
	Name() string
	// Configured reports whether the backend credential is present.
	Configured() bool
	NewAdapter(opts Options) (Adapter, error)
}
