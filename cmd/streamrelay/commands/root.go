package commands

import (
	"github.com/spf13/cobra"

	"github.com/harunnryd/streamrelay/pkg/relay"
)

var (
	configPath string
	envFile    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "streamrelay",
	Short: "Relay call audio to live transcription",
	Long: `streamrelay - relays telephony media streams to a speech-to-text service.

Each inbound media-stream websocket is paired with one outbound
transcription connection. Audio frames are forwarded as they arrive and
every transcript is written to the log.

Configuration comes from an optional YAML file, a .env file in the
working directory, and environment variables:
  PORT               listen port (default 8080)
  DEEPGRAM_API_KEY   transcription API key
  WS_URL             transcription endpoint override
  LOG_LEVEL          debug, info, warn or error

Examples:
  # Serve with environment configuration only
  DEEPGRAM_API_KEY=... streamrelay serve

  # Serve with a config file
  streamrelay serve --config relay.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func loadConfig() (relay.Config, error) {
	return relay.Load(configPath, envFile)
}
