package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/adapters/audio"
	"github.com/satriahrh/arunika/client/adapters/display"
	"github.com/satriahrh/arunika/client/adapters/player"
	"github.com/satriahrh/arunika/client/adapters/stt"
	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/bargein"
	"github.com/satriahrh/arunika/client/internal/capture"
	"github.com/satriahrh/arunika/client/internal/config"
	"github.com/satriahrh/arunika/client/internal/eventloop"
	"github.com/satriahrh/arunika/client/internal/logging"
	"github.com/satriahrh/arunika/client/internal/metrics"
	"github.com/satriahrh/arunika/client/internal/websocket"
	"github.com/satriahrh/arunika/client/usecase"
)

// sessionConfig maps the loaded configuration onto the orchestrator settings
func sessionConfig(cfg *config.Config) usecase.SessionConfig {
	recognition := repositories.RecognitionConfig{Language: cfg.Capture.Language}

	return usecase.SessionConfig{
		Quiescence:      cfg.Session.Quiescence,
		FailureCooldown: cfg.Session.FailureCooldown,
		BargeInSettle:   cfg.Session.BargeInSettle,
		Watchdog:        cfg.Session.Watchdog,
		DisconnectGrace: cfg.Session.DisconnectGrace,
		WelcomeMarker:   cfg.Session.WelcomeMarker,
		MessageLogLimit: cfg.Session.MessageLogLimit,
		Capture: capture.Config{
			SilenceTimeout:    cfg.Capture.SilenceTimeout,
			ForceRestartDelay: cfg.Capture.ForceRestartDelay,
			Recognition:       recognition,
		},
		BargeIn: bargein.Config{
			ErrorRestartDelay: cfg.BargeIn.ErrorRestartDelay,
			EndRestartDelay:   cfg.BargeIn.EndRestartDelay,
			Recognition:       recognition,
		},
		Reconnect: entities.ReconnectPolicy{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			BaseDelay:   cfg.Reconnect.BaseDelay,
			Cap:         cfg.Reconnect.Cap,
		},
	}
}

// speech bundles the recognizer with what the CLI needs from it
type speech struct {
	recognizer repositories.SpeechRecognizer
	mic        repositories.MicrophonePermission
	// console is nil unless typed lines are heard as speech
	console *stt.ConsoleRecognizer
	close   func() error
}

func newSpeech(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*speech, error) {
	switch cfg.Audio.Recognizer {
	case "google":
		source, err := audio.NewCommandSource(cfg.Audio.RecordCommand, repositories.AudioConfig{
			SampleRate: cfg.Audio.SampleRate,
			Encoding:   "LINEAR16",
			Language:   cfg.Capture.Language,
		}, logger.Named("microphone"))
		if err != nil {
			return nil, err
		}
		recognizer, err := stt.NewGoogleSpeechRecognizer(ctx, source, logger.Named("stt"))
		if err != nil {
			return nil, err
		}
		return &speech{recognizer: recognizer, mic: source, close: recognizer.Close}, nil
	default:
		typed := stt.NewConsoleRecognizer(logger.Named("stt"))
		return &speech{recognizer: typed, console: typed, close: func() error { return nil }}, nil
	}
}

func newPlayer(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (repositories.AudioPlayer, error) {
	if cfg.Audio.PlayerCommand == "" {
		return player.NewSimulatedPlayer(clk, cfg.Audio.SimulatedBytes), nil
	}
	return player.NewCommandPlayer(cfg.Audio.PlayerCommand, logger.Named("player"))
}

// serveMetrics exposes /metrics until ctx is done
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(gatherer)))

	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("address", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(shutdownCtx)
	}()
}

// run wires one session and drives it until ctx is done or /quit is typed
func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clk := clock.New()
	loop := eventloop.New(clk, logger.Named("loop"))

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	if cfg.Metrics.Address != "" {
		serveMetrics(ctx, cfg.Metrics.Address, registry, logger)
	}

	sp, err := newSpeech(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	defer sp.close()

	audioPlayer, err := newPlayer(cfg, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to create player: %w", err)
	}

	conn := websocket.NewManager(websocket.Config{
		URL:              cfg.Server.URL,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		SendBufferSize:   cfg.Server.SendBufferSize,
	}, loop, logger.Named("websocket"))

	terminal := display.NewTerminal(out, display.NewStyles(display.DefaultTheme))
	session := usecase.NewSessionOrchestrator(sessionConfig(cfg), loop, conn, sp.recognizer, audioPlayer, sp.mic, terminal, m, logger.Named("session"))

	fmt.Fprintf(out, "Assistant: %s. Type /help for commands.\n", cfg.Server.URL)

	repl := &console{
		session:  session,
		out:      out,
		username: username,
		email:    email,
		quit:     cancel,
	}
	if sp.console != nil {
		repl.speech = sp.console
	}
	if username != "" && email != "" {
		repl.execute(ctx, "/register")
	}
	go repl.read(ctx, in)

	return session.Run(ctx)
}
