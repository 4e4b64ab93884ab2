// Package upstream manages one streaming speech-recognition session per audio source.
package upstream

import (
	"fmt"
	"sync"
)

// State represents the lifecycle state of an upstream session.
type State int

const (
	// StateConnecting - Handshake with the backend in progress.
	StateConnecting State = iota
	// StateReady - Backend accepted the stream, no audio forwarded yet.
	StateReady
	// StateStreaming - At least one audio chunk was forwarded.
	StateStreaming
	// StateClosing - Finish requested, waiting for the backend to close.
	StateClosing
	// StateClosed - Terminal. No transition leaves this state.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// CanSend returns true if audio may be forwarded in this state.
func (s State) CanSend() bool {
	return s == StateReady || s == StateStreaming
}

// Lifecycle manages the state machine for a single upstream session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	CONNECTING → READY → STREAMING → CLOSING → CLOSED
//	     │                                       ▲
//	     └── handshake failure ──────────────────┤
//	any state ── backend close / fatal error ────┘
//
// Rules:
//   - READY is entered only from CONNECTING
//   - STREAMING is entered only from READY (first forwarded chunk)
//   - CLOSING is entered from any live state, once
//   - CLOSED is terminal
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle creates a new lifecycle in CONNECTING state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateConnecting}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Delivering returns true while events may still reach the client.
func (l *Lifecycle) Delivering() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state < StateClosing
}

// MarkReady transitions CONNECTING → READY.
// Returns false if the session was not connecting.
func (l *Lifecycle) MarkReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnecting {
		return false
	}
	l.state = StateReady
	return true
}

// MarkStreaming transitions READY → STREAMING.
// Returns true only on the transition itself.
func (l *Lifecycle) MarkStreaming() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateReady {
		return false
	}
	l.state = StateStreaming
	return true
}

// BeginClosing transitions any live state to CLOSING.
// Returns false if the session is already closing or closed.
func (l *Lifecycle) BeginClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state >= StateClosing {
		return false
	}
	l.state = StateClosing
	return true
}

// Close transitions to CLOSED and returns the previous state.
// Idempotent.
func (l *Lifecycle) Close() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.state
	l.state = StateClosed
	return prev
}
