package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"transcript-relay-service/internal/service/stt"
)

func newTestAdapter(t *testing.T, utterances []SimulatedUtterance, queue int) *Adapter {
	t.Helper()
	p := &Provider{Utterances: utterances, QueueSize: queue}
	a, err := p.NewAdapter(stt.DefaultOptions())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a.(*Adapter)
}

func drain(t *testing.T, events <-chan stt.Event) []stt.Event {
	t.Helper()
	var out []stt.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events: %+v", out)
		}
	}
}

func transcripts(events []stt.Event) []stt.Result {
	var out []stt.Result
	for _, ev := range events {
		if ev.Kind == stt.EventTranscript {
			out = append(out, ev.Result)
		}
	}
	return out
}

func TestProvider_AlwaysConfigured(t *testing.T) {
	p := NewProvider()
	if !p.Configured() {
		t.Error("expected mock provider to be configured")
	}
	if p.Name() != "mock" {
		t.Errorf("expected name mock, got %s", p.Name())
	}
}

func TestProvider_RotatesUtterances(t *testing.T) {
	p := &Provider{}
	a1, _ := p.NewAdapter(stt.Options{})
	a2, _ := p.NewAdapter(stt.Options{})
	if a1.(*Adapter).index == a2.(*Adapter).index {
		t.Error("expected consecutive adapters to start on different utterances")
	}
}

func TestAdapter_PartialsThenFinal(t *testing.T) {
	utt := SimulatedUtterance{Partials: []string{"a", "a b"}, Final: "a b c", Confidence: 0.9}
	a := newTestAdapter(t, []SimulatedUtterance{utt}, 16)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := a.SendAudio([]byte{0, 1}); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	_ = a.Finish()

	events := drain(t, a.Events())
	if events[0].Kind != stt.EventOpen || events[len(events)-1].Kind != stt.EventClose {
		t.Fatalf("expected open..close framing, got %+v", events)
	}

	got := transcripts(events)
	if len(got) != 3 {
		t.Fatalf("expected 3 transcripts, got %+v", got)
	}
	if got[0].IsFinal || got[1].IsFinal {
		t.Error("expected first two results to be interim")
	}
	if !got[2].IsFinal || got[2].Text != "a b c" || got[2].Confidence != 0.9 {
		t.Errorf("unexpected final: %+v", got[2])
	}
}

func TestAdapter_FinishFlushesPendingUtterance(t *testing.T) {
	utt := SimulatedUtterance{Partials: []string{"x", "x y", "x y z"}, Final: "x y z!", Confidence: 0.5}
	a := newTestAdapter(t, []SimulatedUtterance{utt}, 16)

	_ = a.Start(context.Background())
	_ = a.SendAudio([]byte{1})
	_ = a.Finish()

	got := transcripts(drain(t, a.Events()))
	if len(got) != 2 {
		t.Fatalf("expected partial plus flushed final, got %+v", got)
	}
	if !got[1].IsFinal || got[1].Text != "x y z!" {
		t.Errorf("unexpected flushed final: %+v", got[1])
	}
}

func TestAdapter_NoFinalWithoutAudio(t *testing.T) {
	a := newTestAdapter(t, nil, 16)
	_ = a.Start(context.Background())
	_ = a.Finish()

	if got := transcripts(drain(t, a.Events())); len(got) != 0 {
		t.Errorf("expected no transcripts, got %+v", got)
	}
}

func TestAdapter_SendAfterFinish(t *testing.T) {
	a := newTestAdapter(t, nil, 16)
	_ = a.Finish()
	if err := a.SendAudio([]byte{1}); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestAdapter_Backpressure(t *testing.T) {
	a := newTestAdapter(t, nil, 1)
	if err := a.SendAudio([]byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.SendAudio([]byte{2}); !errors.Is(err, stt.ErrBackpressure) {
		t.Errorf("expected ErrBackpressure, got %v", err)
	}
}

func TestAdapter_CloseIsIdempotent(t *testing.T) {
	a := newTestAdapter(t, nil, 16)
	_ = a.Start(context.Background())
	_ = a.SendAudio([]byte{1})

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	events := drain(t, a.Events())
	if events[len(events)-1].Kind != stt.EventClose {
		t.Errorf("expected close event last, got %+v", events)
	}
}

func TestAdapter_StartAfterClose(t *testing.T) {
	a := newTestAdapter(t, nil, 16)
	_ = a.Close()
	if err := a.Start(context.Background()); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
