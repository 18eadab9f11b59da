// presencectl is a headless presence client: it joins a channel with
// synthetic media and logs what it sees.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/presence/internal/config"
)

func newRootCommand() *cobra.Command {
	var (
		debug      bool
		configPath string
	)
	cmd := &cobra.Command{
		Use:           "presencectl",
		Short:         "Presence hub client",
		Example:       "presencectl join office --hub ws://localhost:8080/api/ws/signal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default config/config.$CONFIG_ENV.yaml)")

	loadConfig := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFile(configPath)
		}
		return config.Load()
	}
	cmd.AddCommand(
		newJoinCommand(loadConfig),
		newTokenCommand(loadConfig),
	)
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("presencectl failed")
		os.Exit(1)
	}
}
