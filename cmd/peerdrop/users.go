package main

import (
	"fmt"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/spf13/cobra"
)

func newUsersCmd(cfg *config.EndpointConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "list the users online on the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			s, err := startSession(ctx, cfg, sessionOptions{logger: newLogger(cfg), quiet: true}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.stop()

			users := s.ep.Users()
			if len(users) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nobody else is online")
				return nil
			}
			for _, u := range users {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			return nil
		},
	}
}
