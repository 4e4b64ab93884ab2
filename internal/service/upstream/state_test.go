package upstream

import (
	"sync"
	"testing"

	"transcript-relay-service/internal/models"
)

func TestLifecycle_InitialState(t *testing.T) {
	lc := NewLifecycle()

	if lc.State() != StateConnecting {
		t.Errorf("expected StateConnecting, got %v", lc.State())
	}
	if lc.State().CanSend() {
		t.Error("expected CanSend to be false while connecting")
	}
	if !lc.Delivering() {
		t.Error("expected Delivering to be true while connecting")
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	lc := NewLifecycle()

	if !lc.MarkReady() {
		t.Fatal("expected CONNECTING → READY")
	}
	if !lc.State().CanSend() {
		t.Error("expected CanSend in READY")
	}
	if !lc.MarkStreaming() {
		t.Fatal("expected READY → STREAMING")
	}
	if lc.MarkStreaming() {
		t.Error("expected second MarkStreaming to report no transition")
	}
	if !lc.BeginClosing() {
		t.Fatal("expected STREAMING → CLOSING")
	}
	if lc.Delivering() {
		t.Error("expected Delivering to be false while closing")
	}
	if prev := lc.Close(); prev != StateClosing {
		t.Errorf("expected previous state CLOSING, got %v", prev)
	}
}

func TestLifecycle_HandshakeFailure(t *testing.T) {
	lc := NewLifecycle()

	if prev := lc.Close(); prev != StateConnecting {
		t.Errorf("expected previous state CONNECTING, got %v", prev)
	}
	if lc.MarkReady() {
		t.Error("expected MarkReady to fail after close")
	}
}

func TestLifecycle_NoTransitionLeavesClosed(t *testing.T) {
	lc := NewLifecycle()
	lc.Close()

	if lc.MarkReady() || lc.MarkStreaming() || lc.BeginClosing() {
		t.Error("expected every transition out of CLOSED to be rejected")
	}
	if lc.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", lc.State())
	}
	if prev := lc.Close(); prev != StateClosed {
		t.Errorf("expected idempotent close, got previous %v", prev)
	}
}

func TestLifecycle_ReadyOnlyFromConnecting(t *testing.T) {
	lc := NewLifecycle()
	lc.BeginClosing()

	if lc.MarkReady() {
		t.Error("expected MarkReady to fail once closing")
	}
	if lc.MarkStreaming() {
		t.Error("expected MarkStreaming to fail once closing")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateConnecting, "CONNECTING"},
		{StateReady, "READY"},
		{StateStreaming, "STREAMING"},
		{StateClosing, "CLOSING"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}

func TestLifecycle_ConcurrentClosing(t *testing.T) {
	lc := NewLifecycle()
	lc.MarkReady()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lc.BeginClosing() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one BeginClosing to win, got %d", wins)
	}
}

func TestGenerator_Next(t *testing.T) {
	gen := NewGenerator()

	if id := gen.Next("sess-1", models.SourceMic); id != "sess-1-mic-1" {
		t.Errorf("expected 'sess-1-mic-1', got %s", id)
	}
	if id := gen.Next("sess-1", models.SourceSystem); id != "sess-1-system-2" {
		t.Errorf("expected 'sess-1-system-2', got %s", id)
	}
	if id := gen.Next("sess-1", models.SourceMic); id != "sess-1-mic-3" {
		t.Errorf("expected 'sess-1-mic-3', got %s", id)
	}
}

func TestGenerator_ThreadSafety(t *testing.T) {
	gen := NewGenerator()

	var wg sync.WaitGroup
	results := make(chan string, 1000)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				results <- gen.Next("s", models.SourceMic)
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		if seen[id] {
			t.Errorf("duplicate id: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != 1000 {
		t.Errorf("expected 1000 unique ids, got %d", len(seen))
	}
}
