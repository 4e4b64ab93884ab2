package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	grpcapi "transcript-relay-service/internal/api/grpc"
	"transcript-relay-service/internal/api/ws"
	"transcript-relay-service/internal/config"
	"transcript-relay-service/internal/events"
	relayhttp "transcript-relay-service/internal/http"
	"transcript-relay-service/internal/observability"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/service/stt"
	"transcript-relay-service/internal/service/stt/deepgram"
	"transcript-relay-service/internal/service/stt/google"
	"transcript-relay-service/internal/service/stt/mock"
)

// shutdownTimeout bounds how long Run waits for servers to drain.
const shutdownTimeout = 10 * time.Second

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	Metrics   *metrics.Metrics
	Provider  stt.Provider
	Publisher *events.Publisher
	Relay     *ws.Server

	httpServer *http.Server
	grpcServer *grpcapi.Server
	opsServer  *observability.Server
}

// New wires the relay from the provided configuration. It fails only when
// the configured speech backend is unknown.
func New(cfg *config.Configuration) (*Application, error) {
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	a := &Application{
		Cfg:     cfg,
		Logger:  logging.WithComponent("application"),
		Metrics: metrics.DefaultMetrics,
	}

	provider, err := NewProvider(cfg.STT, cfg.Relay)
	if err != nil {
		return nil, err
	}
	a.Provider = provider

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
		Metrics:      a.Metrics,
	})

	a.Relay = ws.NewServer(ws.Config{
		Provider:        provider,
		Options:         Options(cfg.STT),
		Publisher:       a.Publisher,
		Metrics:         a.Metrics,
		AllowedOrigins:  cfg.Relay.AllowedOrigins,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		EventBuffer:     cfg.Relay.EventBuffer,
		WriteTimeout:    cfg.Relay.WriteTimeout,
		FinishTimeout:   cfg.Relay.FinishTimeout,
	})

	a.httpServer = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           relayhttp.NewRouter(a.Relay, cfg.Relay.ListenPath),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.grpcServer = grpcapi.NewServer(":"+cfg.Service.GRPCPort, a.Metrics)
	a.opsServer = observability.NewServer(":"+cfg.Service.MetricsPort, nil)

	a.Logger.Info().
		Str("sttProvider", provider.Name()).
		Bool("kafkaEnabled", cfg.Kafka.Enabled).
		Msg("Transcript relay application created")
	return a, nil
}

// NewProvider selects the speech backend named by cfg.Provider.
func NewProvider(cfg config.STTConfig, relay config.RelayConfig) (stt.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "deepgram":
		return deepgram.NewProvider(deepgram.Config{
			APIKey:            cfg.APIKey,
			APIBaseURL:        cfg.APIBaseURL,
			KeepAliveInterval: cfg.KeepAliveInterval,
			HandshakeTimeout:  relay.HandshakeTimeout,
			QueueSize:         relay.AudioBuffer,
		}), nil
	case "google":
		gcfg := google.DefaultConfig()
		gcfg.CredentialsFile = cfg.CredentialsFile
		if strings.Contains(cfg.LanguageCode, "-") {
			gcfg.LanguageCode = cfg.LanguageCode
		}
		gcfg.SampleRateHz = cfg.SampleRateHz
		gcfg.InterimResults = cfg.InterimResults
		gcfg.AudioEncoding = strings.ToUpper(cfg.AudioEncoding)
		gcfg.QueueSize = relay.AudioBuffer
		return google.NewProvider(gcfg), nil
	case "mock":
		p := mock.NewProvider()
		if relay.AudioBuffer > 0 {
			p.QueueSize = relay.AudioBuffer
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

// Options builds the recognition options requested for every upstream session.
func Options(cfg config.STTConfig) stt.Options {
	opts := stt.DefaultOptions()
	if cfg.Model != "" {
		opts.Model = cfg.Model
	}
	if cfg.LanguageCode != "" {
		opts.Language = cfg.LanguageCode
	}
	if cfg.AudioEncoding != "" {
		opts.Encoding = cfg.AudioEncoding
	}
	if cfg.SampleRateHz > 0 {
		opts.SampleRateHz = cfg.SampleRateHz
	}
	if cfg.Channels > 0 {
		opts.Channels = cfg.Channels
	}
	opts.InterimResults = cfg.InterimResults
	opts.SmartFormat = cfg.SmartFormat
	opts.Punctuate = cfg.Punctuate
	return opts
}

// Run serves the relay, gRPC health and ops endpoints until ctx is cancelled
// or one of them fails, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("httpAddr", a.httpServer.Addr).
		Str("listenPath", a.Cfg.Relay.ListenPath).
		Msg("Transcript relay starting")

	if !a.Provider.Configured() {
		a.Logger.Warn().
			Str("sttProvider", a.Provider.Name()).
			Msg("Speech backend credential is not set; every start request will be rejected")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.grpcServer.ListenAndServe(); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.opsServer.ListenAndServe(); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	a.opsServer.SetReady(true)
	return g.Wait()
}

// Shutdown closes client sessions first and waits for their upstream
// sessions to close, so trailing transcripts are published before the
// Kafka writers are released. Then it stops the servers and the backend.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Logger.Info().Int("activeSessions", a.Relay.ActiveSessions()).Msg("Transcript relay shutting down")
	a.opsServer.SetReady(false)

	var errs []error
	if err := a.Relay.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close client sessions: %w", err))
	}
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay http server: %w", err))
	}
	a.grpcServer.Shutdown()
	if err := a.opsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ops server: %w", err))
	}
	if closer, ok := a.Provider.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stt provider: %w", err))
		}
	}
	if err := a.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	return errors.Join(errs...)
}
