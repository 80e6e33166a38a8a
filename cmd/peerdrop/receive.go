package main

import (
	"fmt"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/notify"
	"github.com/spf13/cobra"
)

func newReceiveCmd(cfg *config.EndpointConfig) *cobra.Command {
	var exportDir string
	cmd := &cobra.Command{
		Use:     "receive",
		Aliases: []string{"listen"},
		Short:   "stay online and store incoming files",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logger := newLogger(cfg)
			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			stderr := cmd.ErrOrStderr()
			bars := barsFor(stderr)
			so := sessionOptions{logger: logger, persister: st, progress: bars, notifiers: []notify.Notifier{bars}}
			if exportDir != "" {
				so.notifiers = append(so.notifiers, notify.Func(func(ev notify.Event) {
					if ev.Kind != notify.FileReady {
						return
					}
					path, err := st.Export(ctx, ev.TransferID, exportDir)
					if err != nil {
						fmt.Fprintf(stderr, "export %s: %v\n", ev.FileName, err)
						return
					}
					fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", path)
				}))
			}

			s, err := startSession(ctx, cfg, so, stderr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "waiting for files as %q, press Ctrl+C to stop\n", cfg.Username)
			<-ctx.Done()
			s.stop()
			return nil
		},
	}
	cmd.Flags().StringVarP(&exportDir, "out", "o", "", "also write each received file into this directory")
	return cmd
}
