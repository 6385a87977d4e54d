package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/adapters/llm"
	"github.com/satriahrh/arunika/client/adapters/memory"
	"github.com/satriahrh/arunika/client/adapters/mongo"
	"github.com/satriahrh/arunika/client/adapters/tts"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/config"
	"github.com/satriahrh/arunika/client/internal/devpeer"
	"github.com/satriahrh/arunika/client/internal/logging"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

var (
	cfgFile string
	addr    string
)

var rootCmd = &cobra.Command{
	Use:   "devpeer",
	Short: "Development assistant for the voice client",
	Long: `devpeer serves the voice client protocol on /ws.

It greets registered users, answers transcripts with the configured assistant
(mock or gemini), synthesizes replies (mock tone or elevenlabs) and stores
every conversation (memory or mongo). /health, /metrics and
/conversations/:id are served next to the WebSocket.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Peer.Address = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
}

func newAssistant(ctx context.Context, cfg config.PeerConfig, logger *zap.Logger) (repositories.Assistant, error) {
	if cfg.Assistant == "gemini" {
		return llm.NewGeminiAssistant(ctx, llm.GeminiConfigFromEnv(), logger.Named("gemini"))
	}
	return llm.NewMockAssistant(), nil
}

func newTextToSpeech(cfg config.PeerConfig, logger *zap.Logger) (repositories.TextToSpeech, error) {
	if cfg.Speech == "elevenlabs" {
		return tts.NewElevenLabsTTS(tts.NewElevenLabsConfigFromEnv(), logger.Named("elevenlabs"))
	}
	return tts.NewToneTTS(), nil
}

// newTranscripts returns the repository and a function releasing it
func newTranscripts(ctx context.Context, cfg config.PeerConfig, logger *zap.Logger) (repositories.TranscriptRepository, func(context.Context) error, error) {
	if cfg.Storage != "mongo" {
		return memory.NewTranscriptRepository(), func(context.Context) error { return nil }, nil
	}

	uri, database := mongo.ConfigFromEnv()
	client, err := mongo.NewClient(ctx, uri, database, logger.Named("mongo"))
	if err != nil {
		return nil, nil, err
	}
	repo, err := mongo.NewTranscriptRepository(ctx, client.Database, logger.Named("transcripts"))
	if err != nil {
		client.Close(ctx)
		return nil, nil, err
	}
	return repo, client.Close, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	assistant, err := newAssistant(ctx, cfg.Peer, logger)
	if err != nil {
		return fmt.Errorf("failed to create assistant: %w", err)
	}
	speech, err := newTextToSpeech(cfg.Peer, logger)
	if err != nil {
		return fmt.Errorf("failed to create speech synthesis: %w", err)
	}
	transcripts, closeTranscripts, err := newTranscripts(ctx, cfg.Peer, logger)
	if err != nil {
		return fmt.Errorf("failed to create transcript store: %w", err)
	}
	defer closeTranscripts(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := devpeer.NewHub(assistant, speech, transcripts, metrics.NewPeerMetrics(registry), logger.Named("hub"))
	go hub.Run(hubCtx)

	e := devpeer.NewServer(hub, registry)

	go func() {
		if err := e.Start(cfg.Peer.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Dev peer started",
		zap.String("address", cfg.Peer.Address),
		zap.String("assistant", cfg.Peer.Assistant),
		zap.String("speech", cfg.Peer.Speech),
		zap.String("storage", cfg.Peer.Storage))

	<-ctx.Done()
	logger.Info("Dev peer is shutting down...")

	// Close client connections first so conversations are marked ended.
	stopHub()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Dev peer exited")
	return nil
}
