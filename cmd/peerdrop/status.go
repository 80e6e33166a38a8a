package main

import (
	"fmt"

	"github.com/sheerbytes/peerdrop/internal/clienthttp"
	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/spf13/cobra"
)

func newStatusCmd(cfg *config.EndpointConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "check that the relay is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := clienthttp.CheckHealth(cmd.Context(), cfg.RelayURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s: ok=%t connections=%d users=%d\n",
				cfg.RelayURL, h.OK, h.Connections, h.Users)
			return nil
		},
	}
}
