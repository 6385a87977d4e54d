package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/satriahrh/arunika/client/internal/config"
)

var (
	cfgFile       string
	serverURL     string
	username      string
	email         string
	recognizer    string
	playerCommand string
	metricsAddr   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voiceclient",
	Short: "Hands-free voice client for a conversational assistant",
	Long: `voiceclient runs one voice session against an assistant reachable over
WebSocket. It plays the assistant's audio, listens while the assistant is
silent and lets you interrupt it by speaking.

With the console recognizer every line typed on stdin is heard as speech.
Lines starting with a slash are commands:

  /connect                    connect with auto-reconnect
  /register [username email]  register and wait for the welcome
  /mic                        toggle the microphone
  /disconnect                 end the conversation
  /quit                       exit

Settings come from --config, a .env file and VOICE_* environment variables;
flags win over all of them.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, os.Stdin, os.Stdout)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.StringVar(&serverURL, "url", "", "assistant WebSocket URL")
	flags.StringVar(&username, "username", "", "username sent at registration")
	flags.StringVar(&email, "email", "", "email sent at registration")
	flags.StringVar(&recognizer, "recognizer", "", "speech recognizer: console or google")
	flags.StringVar(&playerCommand, "player-command", "", "command playing one audio chunk from stdin (default: simulated playback)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address serving /metrics (default: disabled)")
}

// loadConfig applies the flags that were set on top of the loaded configuration
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Server.URL = serverURL
	}
	if flags.Changed("recognizer") {
		cfg.Audio.Recognizer = recognizer
	}
	if flags.Changed("player-command") {
		cfg.Audio.PlayerCommand = playerCommand
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Address = metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}
