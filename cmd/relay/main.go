package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"transcript-relay-service/internal/app"
	"transcript-relay-service/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay meeting audio to a streaming speech backend and transcripts back to the client",
	Long: `relay accepts websocket clients on the listen path, opens one speech
recognition session per audio source (mic and system) and streams tagged
transcripts back. Settings come from the environment; flags override them.`,
	SilenceUsage: true,
	RunE:         runRelay,
}

func init() {
	rootCmd.Flags().String("port", "", "HTTP port for the websocket relay (overrides PORT)")
	rootCmd.Flags().String("grpc-port", "", "gRPC health port (overrides GRPC_PORT)")
	rootCmd.Flags().String("metrics-port", "", "Ops HTTP port for /metrics (overrides METRICS_PORT)")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.Flags().String("log-format", "", "Log format: json or console (overrides LOG_FORMAT)")
	rootCmd.Flags().String("provider", "", "Speech backend: deepgram, google or mock (overrides STT_PROVIDER)")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	applyFlags(cmd, cfg)

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

// applyFlags overrides cfg with every flag the user set.
func applyFlags(cmd *cobra.Command, cfg *config.Configuration) {
	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override("port", &cfg.Service.HTTPPort)
	override("grpc-port", &cfg.Service.GRPCPort)
	override("metrics-port", &cfg.Service.MetricsPort)
	override("log-level", &cfg.Observability.LogLevel)
	override("log-format", &cfg.Observability.LogFormat)
	override("provider", &cfg.STT.Provider)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
