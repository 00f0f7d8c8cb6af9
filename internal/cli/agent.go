package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/appointment"
	"github.com/agentworkforce/relaysync/internal/auth"
	"github.com/agentworkforce/relaysync/internal/docstore"
	"github.com/agentworkforce/relaysync/internal/reconcile"
)

type agentOptions struct {
	userID string
	email  string
	watch  bool
}

// NewAgentCommand runs the client-side sync loop: connectivity tracking,
// outbox draining, staged profile commits and approval notices.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &agentOptions{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the client sync loop",
		Long: `Track connectivity and, on every reconnect, drain the outbox and commit
the staged profile edit. With --user, announce approvals of that user's
appointments and (with --watch) print their live list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, closeApp, err := rootOpts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			if uid := strings.TrimSpace(opts.userID); uid != "" {
				a.Session.SignIn(auth.User{ID: uid, Email: strings.TrimSpace(opts.email), Verified: true})
				if opts.watch {
					feed, err := a.Reconciler.Subscribe(docstore.Collection(appointment.Collection).Where(appointment.FieldOwner, docstore.OpEqual, uid))
					if err != nil {
						return err
					}
					defer feed.Unsubscribe()
					out := rootOpts.formatter(cmd)
					cancel := feed.Subscribe(func(entities []reconcile.Entity) {
						if err := out.Print(entities, func(w io.Writer) error { return printAppointments(w, entities) }); err != nil {
							a.Logger.Warn("print appointments failed", "error", err)
						}
					})
					defer cancel()
				}
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "signed-in user id")
	cmd.Flags().StringVar(&opts.email, "email", "", "signed-in user email")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "print the user's appointments as they change")
	return cmd
}

func printAppointments(w io.Writer, entities []reconcile.Entity) error {
	if _, err := fmt.Fprintf(w, "appointments: %d\n", len(entities)); err != nil {
		return err
	}
	for _, e := range entities {
		marker := ""
		if e.PendingSync {
			marker = " (pending sync)"
		}
		if _, err := fmt.Fprintf(w, "  %s  %-9s %s %s  %v%s\n",
			e.ID, e.Fields[appointment.FieldStatus], e.Fields[appointment.FieldDate], e.Fields[appointment.FieldTime],
			e.Fields[appointment.FieldServiceType], marker); err != nil {
			return err
		}
	}
	return nil
}
