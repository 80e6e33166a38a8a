package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/progress"
	"github.com/sheerbytes/peerdrop/internal/transfer"
	"github.com/spf13/cobra"
)

func newSendCmd(cfg *config.EndpointConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "send <recipient> <file>...",
		Short: "send one or more files to a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			stderr := cmd.ErrOrStderr()
			bars := barsFor(stderr)
			s, err := startSession(ctx, cfg, sessionOptions{logger: newLogger(cfg), progress: bars}, stderr)
			if err != nil {
				return err
			}
			defer s.stop()

			recipient := args[0]
			var started []*transfer.Transfer
			for _, path := range args[1:] {
				t, err := s.ep.SendFile(ctx, recipient, path, cfg.Mode)
				if err != nil {
					return fmt.Errorf("send %s: %w", path, err)
				}
				bars.Track(t.ID, fmt.Sprintf("%s -> %s", filepath.Base(path), recipient), t.Info().Size)
				started = append(started, t)
			}

			var failed error
			for _, t := range started {
				err := t.Wait(ctx)
				info := t.Info()
				if err != nil {
					failed = errors.Join(failed, fmt.Errorf("%s: %w", info.FileName, err))
					continue
				}
				if st, ok := bars.Stats(t.ID); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s sent %s in %s (%s)\n",
						info.FileName, progress.FormatBytes(info.Size),
						st.Elapsed.Round(time.Millisecond), progress.FormatRate(st.RateBps))
				}
			}
			return failed
		},
	}
}
