// Package config loads the voice client and development peer settings from
// defaults, an optional YAML file, a .env file and VOICE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Capture   CaptureConfig   `yaml:"capture"`
	BargeIn   BargeInConfig   `yaml:"bargein"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Audio     AudioConfig     `yaml:"audio"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Peer      PeerConfig      `yaml:"peer"`
}

// ServerConfig describes the channel to the assistant
type ServerConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SendBufferSize   int           `yaml:"send_buffer_size"`
}

// SessionConfig contains the orchestrator timings
type SessionConfig struct {
	Quiescence      time.Duration `yaml:"quiescence"`
	FailureCooldown time.Duration `yaml:"failure_cooldown"`
	BargeInSettle   time.Duration `yaml:"bargein_settle"`
	Watchdog        time.Duration `yaml:"watchdog"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	WelcomeMarker   string        `yaml:"welcome_marker"`
	MessageLogLimit int           `yaml:"message_log_limit"`
}

// CaptureConfig contains the foreground speech capture settings
type CaptureConfig struct {
	Language          string        `yaml:"language"`
	SilenceTimeout    time.Duration `yaml:"silence_timeout"`
	ForceRestartDelay time.Duration `yaml:"force_restart_delay"`
}

// BargeInConfig contains the interruption listener settings
type BargeInConfig struct {
	ErrorRestartDelay time.Duration `yaml:"error_restart_delay"`
	EndRestartDelay   time.Duration `yaml:"end_restart_delay"`
}

// ReconnectConfig contains the backoff policy
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Cap         time.Duration `yaml:"cap"`
}

// AudioConfig selects the capture and playback devices
type AudioConfig struct {
	// Recognizer is "console" (typed speech) or "google"
	Recognizer     string `yaml:"recognizer"`
	RecordCommand  string `yaml:"record_command"`
	SampleRate     int    `yaml:"sample_rate"`
	PlayerCommand  string `yaml:"player_command"`
	SimulatedBytes int    `yaml:"simulated_bytes_per_second"`
}

// MetricsConfig contains the Prometheus endpoint settings
type MetricsConfig struct {
	// Address is empty when the endpoint is disabled
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PeerConfig configures the development peer
type PeerConfig struct {
	Address string `yaml:"address"`
	// Assistant is "mock" or "gemini"
	Assistant string `yaml:"assistant"`
	// Speech is "mock" or "elevenlabs"
	Speech string `yaml:"speech"`
	// Storage is "memory" or "mongo"
	Storage string `yaml:"storage"`
}

// Default returns the configuration used when nothing else is provided
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:              "ws://localhost:8080/ws",
			HandshakeTimeout: 10 * time.Second,
			SendBufferSize:   256,
		},
		Session: SessionConfig{
			Quiescence:      500 * time.Millisecond,
			FailureCooldown: 2 * time.Second,
			BargeInSettle:   500 * time.Millisecond,
			Watchdog:        3 * time.Second,
			DisconnectGrace: 100 * time.Millisecond,
			WelcomeMarker:   "welcome",
			MessageLogLimit: 200,
		},
		Capture: CaptureConfig{
			Language:          "en-US",
			SilenceTimeout:    9 * time.Second,
			ForceRestartDelay: time.Second,
		},
		BargeIn: BargeInConfig{
			ErrorRestartDelay: 500 * time.Millisecond,
			EndRestartDelay:   200 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   2 * time.Second,
			Cap:         10 * time.Second,
		},
		Audio: AudioConfig{
			Recognizer:     "console",
			RecordCommand:  "arecord -q -f S16_LE -c 1 -r 16000 -t raw",
			SampleRate:     16000,
			SimulatedBytes: 16000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Peer: PeerConfig{
			Address:   ":8080",
			Assistant: "mock",
			Speech:    "mock",
			Storage:   "memory",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (optional),
// then .env and VOICE_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// A missing .env file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"VOICE_SERVER_URL":     &c.Server.URL,
		"VOICE_LANGUAGE":       &c.Capture.Language,
		"VOICE_WELCOME_MARKER": &c.Session.WelcomeMarker,
		"VOICE_RECOGNIZER":     &c.Audio.Recognizer,
		"VOICE_RECORD_COMMAND": &c.Audio.RecordCommand,
		"VOICE_PLAYER_COMMAND": &c.Audio.PlayerCommand,
		"VOICE_METRICS_ADDR":   &c.Metrics.Address,
		"VOICE_LOG_LEVEL":      &c.Logging.Level,
		"VOICE_LOG_FORMAT":     &c.Logging.Format,
		"VOICE_PEER_ADDR":      &c.Peer.Address,
		"VOICE_PEER_ASSISTANT": &c.Peer.Assistant,
		"VOICE_PEER_SPEECH":    &c.Peer.Speech,
		"VOICE_PEER_STORAGE":   &c.Peer.Storage,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"VOICE_SILENCE_TIMEOUT":   &c.Capture.SilenceTimeout,
		"VOICE_QUIESCENCE":        &c.Session.Quiescence,
		"VOICE_RECONNECT_BASE":    &c.Reconnect.BaseDelay,
		"VOICE_RECONNECT_CAP":     &c.Reconnect.Cap,
		"VOICE_HANDSHAKE_TIMEOUT": &c.Server.HandshakeTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"VOICE_RECONNECT_MAX_ATTEMPTS": &c.Reconnect.MaxAttempts,
		"VOICE_MESSAGE_LOG_LIMIT":      &c.Session.MessageLogLimit,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	if err := c.BargeIn.Validate(); err != nil {
		return fmt.Errorf("bargein config: %w", err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Peer.Validate(); err != nil {
		return fmt.Errorf("peer config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if s.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %s", s.HandshakeTimeout)
	}
	if s.SendBufferSize < 1 {
		return fmt.Errorf("send_buffer_size must be at least 1, got %d", s.SendBufferSize)
	}
	return nil
}

// Validate validates session timings
func (s *SessionConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"quiescence":       s.Quiescence,
		"failure_cooldown": s.FailureCooldown,
		"bargein_settle":   s.BargeInSettle,
		"watchdog":         s.Watchdog,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if s.DisconnectGrace < 0 {
		return fmt.Errorf("disconnect_grace cannot be negative, got %s", s.DisconnectGrace)
	}
	if s.MessageLogLimit < 0 {
		return fmt.Errorf("message_log_limit cannot be negative, got %d", s.MessageLogLimit)
	}
	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}
	if c.SilenceTimeout <= 0 {
		return fmt.Errorf("silence_timeout must be positive, got %s", c.SilenceTimeout)
	}
	if c.ForceRestartDelay <= 0 {
		return fmt.Errorf("force_restart_delay must be positive, got %s", c.ForceRestartDelay)
	}
	return nil
}

// Validate validates barge-in configuration
func (b *BargeInConfig) Validate() error {
	if b.ErrorRestartDelay <= 0 || b.EndRestartDelay <= 0 {
		return fmt.Errorf("restart delays must be positive, got %s and %s", b.ErrorRestartDelay, b.EndRestartDelay)
	}
	return nil
}

// Validate validates the backoff policy
func (r *ReconnectConfig) Validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative, got %d", r.MaxAttempts)
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", r.BaseDelay)
	}
	if r.Cap < r.BaseDelay {
		return fmt.Errorf("cap (%s) must not be below base_delay (%s)", r.Cap, r.BaseDelay)
	}
	return nil
}

// Validate validates audio device configuration
func (a *AudioConfig) Validate() error {
	switch a.Recognizer {
	case "console":
	case "google":
		if a.RecordCommand == "" {
			return fmt.Errorf("record_command is required for the google recognizer")
		}
		if a.SampleRate <= 0 {
			return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
		}
	default:
		return fmt.Errorf("recognizer must be 'console' or 'google', got '%s'", a.Recognizer)
	}
	if a.PlayerCommand == "" && a.SimulatedBytes <= 0 {
		return fmt.Errorf("simulated_bytes_per_second must be positive without a player_command")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'console', got '%s'", l.Format)
	}
	return nil
}

// Validate validates the development peer configuration
func (p *PeerConfig) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if p.Assistant != "mock" && p.Assistant != "gemini" {
		return fmt.Errorf("assistant must be 'mock' or 'gemini', got '%s'", p.Assistant)
	}
	if p.Speech != "mock" && p.Speech != "elevenlabs" {
		return fmt.Errorf("speech must be 'mock' or 'elevenlabs', got '%s'", p.Speech)
	}
	if p.Storage != "memory" && p.Storage != "mongo" {
		return fmt.Errorf("storage must be 'memory' or 'mongo', got '%s'", p.Storage)
	}
	return nil
}
