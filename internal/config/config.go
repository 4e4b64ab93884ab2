// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the full runtime configuration of the relay.
type Configuration struct {
	Service       ServiceConfig
	Relay         RelayConfig
	STT           STTConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
}

// RelayConfig controls the client-facing websocket relay.
type RelayConfig struct {
	ListenPath       string
	AllowedOrigins   []string
	MaxMessageBytes  int64
	EventBuffer      int
	AudioBuffer      int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	FinishTimeout    time.Duration
}

// STTConfig selects and configures the upstream speech backend.
type STTConfig struct {
	Provider          string
	APIKey            string
	APIBaseURL        string
	CredentialsFile   string
	Model             string
	LanguageCode      string
	AudioEncoding     string
	SampleRateHz      int
	Channels          int
	InterimResults    bool
	SmartFormat       bool
	Punctuate         bool
	KeepAliveInterval time.Duration
}

// KafkaConfig controls transcript publication.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// ObservabilityConfig controls logging.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from environment variables. Invalid values fall
// back to their defaults. A missing backend credential is not an error here; it
// is reported per start attempt by the relay.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-transcript-relay")

	return &Configuration{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("PORT", "3000"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		Relay: RelayConfig{
			ListenPath:       envOrDefault("RELAY_LISTEN_PATH", "/listen"),
			AllowedOrigins:   envOrDefaultList("RELAY_ALLOWED_ORIGINS", nil),
			MaxMessageBytes:  int64(envOrDefaultInt("RELAY_MAX_MESSAGE_BYTES", 1<<20)),
			EventBuffer:      envOrDefaultInt("RELAY_EVENT_BUFFER", 256),
			AudioBuffer:      envOrDefaultInt("RELAY_AUDIO_BUFFER_FRAMES", 256),
			WriteTimeout:     envOrDefaultDuration("RELAY_WRITE_TIMEOUT", 10*time.Second),
			HandshakeTimeout: envOrDefaultDuration("RELAY_HANDSHAKE_TIMEOUT", 10*time.Second),
			FinishTimeout:    envOrDefaultDuration("RELAY_FINISH_TIMEOUT", 5*time.Second),
		},
		STT: STTConfig{
			Provider:          strings.ToLower(envOrDefault("STT_PROVIDER", "deepgram")),
			APIKey:            strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			APIBaseURL:        envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			CredentialsFile:   strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
			Model:             envOrDefault("STT_MODEL", "nova-3"),
			LanguageCode:      envOrDefault("STT_LANGUAGE_CODE", "en"),
			AudioEncoding:     envOrDefault("STT_AUDIO_ENCODING", "linear16"),
			SampleRateHz:      envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			Channels:          envOrDefaultInt("STT_CHANNELS", 1),
			InterimResults:    envOrDefaultBool("STT_INTERIM_RESULTS", true),
			SmartFormat:       envOrDefaultBool("STT_SMART_FORMAT", true),
			Punctuate:         envOrDefaultBool("STT_PUNCTUATE", true),
			KeepAliveInterval: envOrDefaultDuration("STT_KEEPALIVE_INTERVAL", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "meeting.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "meeting.transcript.final"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:  strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			LogFormat: strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envOrDefaultBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envOrDefaultList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
