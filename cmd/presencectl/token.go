package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkeye/presence/internal/app"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/domain"
)

func newTokenCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "token <channel>",
		Short: "Print the join token for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Secret == "" {
				return errors.New("no secret configured, the hub accepts any token")
			}
			ch, err := domain.NewChannel(args[0], domain.Credentials{AppID: cfg.AppID})
			if err != nil {
				return err
			}
			v := app.TokenVerifier{AppID: cfg.AppID, Secret: []byte(cfg.Secret)}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), v.Sign(ch.ID))
			return err
		},
	}
}
