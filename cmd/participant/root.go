package main

import (
	"fmt"
	"os"

	"huddle/pkg/config"
	"huddle/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	apiBaseURL string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "huddle-participant",
	Short: "Join a huddle meeting from the terminal",
	Long: `huddle-participant joins a meeting room through the huddle relay,
negotiates peer connections with everyone else in the room and, when
enabled, streams the microphone to speech-to-text and publishes the
transcript.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api", "", "relay REST base URL (overrides transcription.api_base_url)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides logging.level)")
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadRuntime resolves configuration and builds the logger shared by every
// subcommand.
func loadRuntime() (*config.Config, *zap.Logger, error) {
	paths := config.SearchPaths
	if configPath != "" {
		paths = []string{configPath}
	}
	cfg, _, err := config.LoadFirst(paths...)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	if apiBaseURL != "" {
		cfg.Transcription.APIBaseURL = apiBaseURL
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.Transcription.APIBaseURL == "" {
		return nil, nil, fmt.Errorf("no relay API URL: set --api or transcription.api_base_url")
	}
	return cfg, logger.New(cfg.Logging.Level), nil
}
