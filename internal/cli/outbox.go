package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/outbox"
)

func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain queued notifications",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations in delivery order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			ops, err := a.Outbox.Pending()
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Print(ops, func(w io.Writer) error { return printOperations(w, ops) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Try to deliver every queued operation once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			a.Prime(cmd.Context())
			res := a.Outbox.Drain(cmd.Context())
			return rootOpts.formatter(cmd).Print(res, func(w io.Writer) error {
				if res.Skipped != outbox.SkipNone {
					_, err := fmt.Fprintf(w, "skipped: %s (%d queued)\n", res.Skipped, res.Remaining)
					return err
				}
				_, err := fmt.Fprintf(w, "attempted %d, sent %d, failed %d, evicted %d, remaining %d\n",
					res.Attempted, res.Sent, res.Failed, res.Evicted, res.Remaining)
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queued operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			dropped := a.Outbox.Len()
			if err := a.Outbox.Clear(); err != nil {
				return err
			}
			result := map[string]int{"dropped": dropped}
			return rootOpts.formatter(cmd).Print(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "dropped %d queued operation(s)\n", dropped)
				return err
			})
		},
	})
	return cmd
}

func printOperations(w io.Writer, ops []outbox.PendingOperation) error {
	if len(ops) == 0 {
		_, err := fmt.Fprintln(w, "outbox is empty")
		return err
	}
	for _, op := range ops {
		if _, err := fmt.Fprintf(w, "%s  %-11s attempts=%d  queued %s\n",
			op.ID, op.Kind, op.Attempts, op.EnqueuedAt.Local().Format(time.DateTime)); err != nil {
			return err
		}
	}
	return nil
}
