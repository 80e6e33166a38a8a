package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/progress"
	"github.com/spf13/cobra"
)

func newFilesCmd(cfg *config.EndpointConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "manage received files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list received files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			files, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tFROM\tMODE\tRECEIVED")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", f.TransferID, f.FileName,
					progress.FormatBytes(f.Size), f.Sender, f.Mode, f.ReceivedAt.Local().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export <id> [dir]",
		Short: "write a received file to disk",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			st, err := openStore(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			path, err := st.Export(cmd.Context(), args[0], dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>...",
		Short: "delete received files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range args {
				if err := st.Delete(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}
