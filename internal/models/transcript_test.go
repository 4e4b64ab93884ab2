package models

import (
	"encoding/json"
	"testing"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		input    string
		expected Source
	}{
		{"mic", SourceMic},
		{"system", SourceSystem},
		{"", SourceMic},
		{"SYSTEM", SourceMic},
		{"speaker", SourceMic},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseSource(tt.input); got != tt.expected {
				t.Errorf("ParseSource(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewTranscript_FinalityIsExclusive(t *testing.T) {
	for _, final := range []bool{true, false} {
		ev := NewTranscript(SourceMic, "x", final, 0)
		if ev.IsFinal == ev.IsInterim {
			t.Errorf("is_final and is_interim must differ: %+v", ev)
		}
	}
}

func TestTranscriptEvent_WireFormat(t *testing.T) {
	payload, err := json.Marshal(NewTranscript(SourceMic, "hello", true, 0.92))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"type":"transcript","source":"mic","text":"hello","is_final":true,"is_interim":false,"confidence":0.92}`
	if string(payload) != want {
		t.Errorf("got %s, want %s", payload, want)
	}
}

func TestReadyStatus(t *testing.T) {
	payload, err := json.Marshal(ReadyStatus(SourceSystem))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"type":"status","message":"ready:system"}` {
		t.Errorf("unexpected status payload: %s", payload)
	}
}
