package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/booking"
	"github.com/agentworkforce/relaysync/internal/httpapi"
)

func printOutcome(out *OutputFormatter, what string, o booking.Outcome) error {
	return out.Print(o, func(w io.Writer) error {
		state := "saved"
		switch {
		case o.Delivered:
			state = "delivered"
		case o.Deferred:
			state = "queued until reconnect"
		}
		_, err := fmt.Fprintf(w, "%s %s: %s\n", what, o.ID, state)
		return err
	})
}

func NewContactCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Contact messages",
	}
	form := &booking.ContactForm{}
	send := &cobra.Command{
		Use:   "send",
		Short: "Store a contact message and notify the owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			a.Prime(cmd.Context())
			out, err := a.Booking.SubmitContact(cmd.Context(), *form)
			if err != nil {
				return err
			}
			return printOutcome(rootOpts.formatter(cmd), "contact", out)
		},
	}
	send.Flags().StringVar(&form.Name, "name", "", "sender name")
	send.Flags().StringVar(&form.Email, "email", "", "sender email")
	send.Flags().StringVar(&form.Phone, "phone", "", "sender phone")
	send.Flags().StringVar(&form.Message, "message", "", "message text")
	cmd.AddCommand(send)
	return cmd
}

func NewAppointmentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appointment",
		Short: "Appointment requests and status changes",
	}

	form := &booking.AppointmentForm{}
	request := &cobra.Command{
		Use:   "request",
		Short: "Request an appointment and notify the owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			a.Prime(cmd.Context())
			out, err := a.Booking.RequestAppointment(cmd.Context(), *form)
			if err != nil {
				return err
			}
			return printOutcome(rootOpts.formatter(cmd), "appointment", out)
		},
	}
	request.Flags().StringVar(&form.OwnerID, "user", "", "requesting user id")
	request.Flags().StringVar(&form.Name, "name", "", "patient or clinic name")
	request.Flags().StringVar(&form.Email, "email", "", "contact email")
	request.Flags().StringVar(&form.Phone, "phone", "", "contact phone")
	request.Flags().StringVar(&form.ServiceType, "service", "", "service type")
	request.Flags().StringVar(&form.Date, "date", "", "requested date (YYYY-MM-DD)")
	request.Flags().StringVar(&form.Time, "time", "", "requested time (HH:MM)")
	request.Flags().StringVar(&form.Notes, "notes", "", "notes")
	cmd.AddCommand(request)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set an appointment's status (pending, approved, rejected, completed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			if err := a.Booking.SetAppointmentStatus(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			result := map[string]string{"id": args[0], "status": args[1]}
			return rootOpts.formatter(cmd).Print(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "appointment %s updated\n", args[0])
				return err
			})
		},
	})
	return cmd
}

type tokenOptions struct {
	subject string
	scopes  string
	ttl     time.Duration
}

// NewTokenCommand mints bearer tokens for clients of a serve instance.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the document store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			var scopes []string
			for _, s := range strings.Split(opts.scopes, ",") {
				if s = strings.TrimSpace(s); s != "" {
					scopes = append(scopes, s)
				}
			}
			token, err := httpapi.SignToken(cfg.Server.JWTSecret, opts.subject, scopes, time.Now().Add(opts.ttl))
			if err != nil {
				return WrapExitError(ExitCommandError, "sign token", err)
			}
			return rootOpts.formatter(cmd).Print(map[string]string{"token": token}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, token)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "", "token subject (client or user id)")
	cmd.Flags().StringVar(&opts.scopes, "scopes", httpapi.ScopeDocsRead+","+httpapi.ScopeDocsWrite, "comma separated scopes")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
