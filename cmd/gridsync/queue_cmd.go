package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/gridsync/queues"
	"pkt.systems/pslog"
)

func newQueueCommand(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Operate distributed queues",
	}
	cmd.AddCommand(
		newQueueOfferCommand(app),
		newQueuePollCommand(app, "poll", "Remove and print an element"),
		newQueuePollCommand(app, "peek", "Print an element without removing it"),
		newQueueSizeCommand(app),
		newQueueTakeCommand(app),
		newQueueDestroyCommand(app),
	)
	return cmd
}

func withQueue(app *cliApp, cmd *cobra.Command, name string, fn func(*queues.Queue, pslog.Logger) error) error {
	sess, logger, err := app.openSession(cmd, "queue")
	if err != nil {
		return err
	}
	defer closeSession(sess, logger)
	q, err := sess.Queue(name)
	if err != nil {
		return err
	}
	return fn(q, logger.With("queue", name))
}

func newQueueOfferCommand(app *cliApp) *cobra.Command {
	var head bool
	cmd := &cobra.Command{
		Use:   "offer <queue> [element...]",
		Short: "Append elements (one per argument, or one per stdin line)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			elements, err := offerElements(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			return withQueue(app, cmd, args[0], func(q *queues.Queue, logger pslog.Logger) error {
				var offered int
				for _, element := range elements {
					var ok bool
					if head {
						ok, err = q.OfferHead(cmd.Context(), element)
					} else {
						ok, err = q.Offer(cmd.Context(), element)
					}
					if err != nil {
						return err
					}
					if !ok {
						logger.Warn("cli.queue.offer.full", "offered", offered, "pending", len(elements)-offered)
						return fmt.Errorf("%w: %s accepted %d of %d element(s)", queues.ErrFull, q.Name(), offered, len(elements))
					}
					offered++
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "offered %d element(s) to %s\n", offered, q.Name())
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&head, "head", false, "prepend instead of append")
	return cmd
}

func offerElements(stdin io.Reader, args []string) ([][]byte, error) {
	if len(args) > 0 {
		out := make([][]byte, 0, len(args))
		for _, arg := range args {
			out = append(out, []byte(arg))
		}
		return out, nil
	}
	var out [][]byte
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		out = append(out, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read elements from stdin: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("no elements given")
	}
	return out, nil
}

func newQueuePollCommand(app *cliApp, use, short string) *cobra.Command {
	var tail bool
	cmd := &cobra.Command{
		Use:   use + " <queue>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(app, cmd, args[0], func(q *queues.Queue, _ pslog.Logger) error {
				var (
					res *queues.QueuePollResult
					err error
				)
				switch {
				case use == "peek" && tail:
					res, err = q.PeekTail(cmd.Context())
				case use == "peek":
					res, err = q.Peek(cmd.Context())
				case tail:
					res, err = q.PollTail(cmd.Context())
				default:
					res, err = q.Poll(cmd.Context())
				}
				if err != nil {
					return err
				}
				return printElement(cmd, q.Name(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&tail, "tail", false, "address the newest element instead of the oldest")
	return cmd
}

func printElement(cmd *cobra.Command, queue string, res *queues.QueuePollResult) error {
	if res.IsEmpty() {
		return fmt.Errorf("queue %s is empty", queue)
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Element)
	return err
}

func newQueueSizeCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "size <queue>",
		Short: "Print the number of elements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(app, cmd, args[0], func(q *queues.Queue, _ pslog.Logger) error {
				size, err := q.Size(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", humanize.Comma(size))
				return err
			})
		},
	}
}

func newQueueTakeCommand(app *cliApp) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "take <queue>",
		Short: "Block until an element can be polled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(app, cmd, args[0], func(q *queues.Queue, logger pslog.Logger) error {
				ctx := cmd.Context()
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				started := time.Now()
				res, err := q.Take(ctx)
				if err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						return fmt.Errorf("queue %s: nothing to take within %s", q.Name(), timeout)
					}
					return err
				}
				logger.Debug("cli.queue.take.success", "position", res.Position, "waited", time.Since(started))
				return printElement(cmd, q.Name(), res)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits until interrupted)")
	return cmd
}

func newQueueDestroyCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <queue>",
		Short: "Remove every element of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(app, cmd, args[0], func(q *queues.Queue, _ pslog.Logger) error {
				dropped, err := q.Destroy(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "dropped %s element(s) from %s\n", humanize.Comma(dropped), q.Name())
				return err
			})
		},
	}
}
