package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/gridsync/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gridsync version",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := version.Info()
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s %s\n", b.Module, b.Version); err != nil {
				return err
			}
			if !verbose {
				return nil
			}
			fmt.Fprintf(out, "go: %s\n", b.GoVersion)
			if b.Revision != "" {
				fmt.Fprintf(out, "revision: %s (modified: %t)\n", b.Revision, b.Modified)
			}
			if !b.Time.IsZero() {
				fmt.Fprintf(out, "built from commit %s\n", humanize.Time(b.Time))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include Go version and VCS details")
	return cmd
}
