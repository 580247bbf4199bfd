package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCommand(app *cliApp) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every semaphore and queue of the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			sess, logger, err := app.openSession(cmd, "clear")
			if err != nil {
				return err
			}
			defer closeSession(sess, logger)
			if err := sess.Clear(cmd.Context()); err != nil {
				return err
			}
			logger.Info("cli.clear.complete", "store", sess.Config().Store)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared session %s\n", sess.Name())
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removal of all semaphores and queues")
	return cmd
}
