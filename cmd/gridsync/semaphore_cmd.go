package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"pkt.systems/gridsync/semaphores"
	"pkt.systems/pslog"
)

type semaphoreFlags struct {
	permits int64
	count   int64
}

func newSemaphoreCommand(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "semaphore",
		Aliases: []string{"sem"},
		Short:   "Operate distributed semaphores",
		Long: `Operate distributed semaphores held in the configured store.

Permits acquired by one invocation stay held in the store until a later
release, so the commands compose across processes and hosts sharing a
disk://, sqlite://, s3://, aws:// or azure:// store.`,
	}
	cmd.AddCommand(
		newSemaphoreTryAcquireCommand(app),
		newSemaphoreAcquireCommand(app),
		newSemaphoreReleaseCommand(app),
		newSemaphoreStatusCommand(app),
		newSemaphoreDrainCommand(app),
	)
	return cmd
}

func addSemaphoreFlags(cmd *cobra.Command, withCount bool) *semaphoreFlags {
	f := &semaphoreFlags{}
	cmd.Flags().Int64Var(&f.permits, "permits", 1, "semaphore capacity every participant agrees on")
	if withCount {
		cmd.Flags().Int64VarP(&f.count, "count", "n", 1, "number of permits to acquire or release")
	}
	return f
}

// withSemaphore opens the session, resolves the semaphore named by args[0]
// and hands it to fn.
func withSemaphore(app *cliApp, cmd *cobra.Command, args []string, permits int64, fn func(*semaphores.DistributedSemaphore, pslog.Logger) error) error {
	sess, logger, err := app.openSession(cmd, "semaphore")
	if err != nil {
		return err
	}
	defer closeSession(sess, logger)
	sem, err := sess.RemoteSemaphore(cmd.Context(), args[0], permits)
	if err != nil {
		return err
	}
	return fn(sem, logger.With("semaphore", sem.Name()))
}

func newSemaphoreTryAcquireCommand(app *cliApp) *cobra.Command {
	var flags *semaphoreFlags
	cmd := &cobra.Command{
		Use:   "try-acquire <name>",
		Short: "Acquire permits if they are available right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSemaphore(app, cmd, args, flags.permits, func(sem *semaphores.DistributedSemaphore, logger pslog.Logger) error {
				ok, err := sem.TryAcquire(cmd.Context(), flags.count)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("semaphore %s: %d permit(s) not available", sem.Name(), flags.count)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "acquired %d permit(s) on %s\n", flags.count, sem.Name())
				return err
			})
		},
	}
	flags = addSemaphoreFlags(cmd, true)
	return cmd
}

func newSemaphoreAcquireCommand(app *cliApp) *cobra.Command {
	var flags *semaphoreFlags
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "acquire <name>",
		Short: "Block until permits are acquired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSemaphore(app, cmd, args, flags.permits, func(sem *semaphores.DistributedSemaphore, logger pslog.Logger) error {
				owner := xid.New().String()
				logger = logger.With("owner", owner)
				logger.Debug("cli.semaphore.acquire.begin", "count", flags.count, "timeout", timeout)
				started := time.Now()
				var err error
				if timeout > 0 {
					err = sem.AcquireTimeout(cmd.Context(), flags.count, timeout)
				} else {
					err = sem.Acquire(cmd.Context(), flags.count)
				}
				if err != nil {
					if errors.Is(err, semaphores.ErrTimeout) {
						logger.Info("cli.semaphore.acquire.timeout", "waited", time.Since(started))
					}
					return err
				}
				logger.Info("cli.semaphore.acquire.success", "count", flags.count, "waited", time.Since(started))
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "acquired %d permit(s) on %s (owner %s)\n", flags.count, sem.Name(), owner)
				return err
			})
		},
	}
	flags = addSemaphoreFlags(cmd, true)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits until interrupted)")
	return cmd
}

func newSemaphoreReleaseCommand(app *cliApp) *cobra.Command {
	var flags *semaphoreFlags
	cmd := &cobra.Command{
		Use:   "release <name>",
		Short: "Return permits to a semaphore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSemaphore(app, cmd, args, flags.permits, func(sem *semaphores.DistributedSemaphore, logger pslog.Logger) error {
				if err := sem.Release(cmd.Context(), flags.count); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "released %d permit(s) on %s\n", flags.count, sem.Name())
				return err
			})
		},
	}
	flags = addSemaphoreFlags(cmd, true)
	return cmd
}

func newSemaphoreStatusCommand(app *cliApp) *cobra.Command {
	var flags *semaphoreFlags
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show capacity and available permits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSemaphore(app, cmd, args, flags.permits, func(sem *semaphores.DistributedSemaphore, logger pslog.Logger) error {
				status, err := sem.Status(cmd.Context())
				if err != nil {
					return err
				}
				updated := "never"
				if status.UpdatedAtUnixMilli > 0 {
					updated = humanize.Time(time.UnixMilli(status.UpdatedAtUnixMilli))
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "name: %s\npermits: %d\navailable: %d\nheld: %d\nupdated: %s\n",
					sem.Name(), status.InitialPermits, status.AvailablePermits, status.Held(), updated)
				return err
			})
		},
	}
	flags = addSemaphoreFlags(cmd, false)
	return cmd
}

func newSemaphoreDrainCommand(app *cliApp) *cobra.Command {
	var flags *semaphoreFlags
	cmd := &cobra.Command{
		Use:   "drain <name>",
		Short: "Acquire every available permit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSemaphore(app, cmd, args, flags.permits, func(sem *semaphores.DistributedSemaphore, logger pslog.Logger) error {
				drained, err := sem.DrainPermits(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "drained %d permit(s) from %s\n", drained, sem.Name())
				return err
			})
		},
	}
	flags = addSemaphoreFlags(cmd, false)
	return cmd
}
