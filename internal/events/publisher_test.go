package events

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/schema"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerFinal != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{
		Enabled:      true,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicFinal:   "test.final",
		Principal:    "test-principal",
		Metrics:      metrics.NewMetrics(prometheus.NewRegistry()),
	})
	defer p.Close()

	if !p.enabled {
		t.Fatal("expected publisher to be enabled")
	}
	if p.writerPartial.Topic != "test.partial" || p.writerFinal.Topic != "test.final" {
		t.Errorf("unexpected writer topics: %s, %s", p.writerPartial.Topic, p.writerFinal.Topic)
	}
}

func TestPublishTranscript_RoutesByFinality(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := New(&Config{Enabled: false, TopicPartial: "p", TopicFinal: "f", Metrics: m})

	final := models.TranscriptRecord{
		EventType: models.EventTypeFinal, SessionID: "s", Source: models.SourceMic,
		Text: "hello", IsFinal: true, Confidence: 0.9,
	}
	partial := models.TranscriptRecord{
		EventType: models.EventTypePartial, SessionID: "s", Source: models.SourceSystem,
		Text: "hel",
	}

	if err := p.PublishTranscript(context.Background(), final); err != nil {
		t.Fatalf("publish final: %v", err)
	}
	if err := p.PublishTranscript(context.Background(), partial); err != nil {
		t.Fatalf("publish partial: %v", err)
	}

	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues("f", "final")); got != 1 {
		t.Errorf("expected 1 final publish, got %v", got)
	}
	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues("p", "partial")); got != 1 {
		t.Errorf("expected 1 partial publish, got %v", got)
	}
}

func TestPublishTranscript_RejectsInvalid(t *testing.T) {
	p := New(&Config{Enabled: false, Metrics: metrics.NewMetrics(prometheus.NewRegistry())})

	err := p.PublishTranscript(context.Background(), models.TranscriptRecord{
		EventType: models.EventTypeFinal, SessionID: "s", Source: models.SourceMic, IsFinal: true,
	})
	if !errors.Is(err, schema.ErrEmptyText) {
		t.Errorf("expected empty text error, got %v", err)
	}
}

func TestPublisher_Close_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}
