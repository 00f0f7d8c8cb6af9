package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/pendingedit"
)

type profileSaveOptions struct {
	owner string
	pendingedit.Profile
}

func NewProfileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Save, inspect and commit the staged profile edit",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the staged profile edit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			edit, err := a.Edits.Get()
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Print(edit, func(w io.Writer) error {
				if edit == nil {
					_, err := fmt.Fprintln(w, "no staged profile edit")
					return err
				}
				_, err := fmt.Fprintf(w, "owner %s: name=%q phone=%q email=%q (captured %s)\n",
					edit.OwnerID, edit.Fields.Name, edit.Fields.Phone, edit.Fields.Email,
					edit.CapturedAt.Local().Format(time.DateTime))
				return err
			})
		},
	})

	saveOpts := &profileSaveOptions{}
	save := &cobra.Command{
		Use:   "save",
		Short: "Save a profile, staging it when offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			a.Prime(cmd.Context())
			out, err := a.Booking.SaveProfile(cmd.Context(), saveOpts.owner, saveOpts.Profile)
			if err != nil {
				return err
			}
			return printOutcome(rootOpts.formatter(cmd), "profile", out)
		},
	}
	save.Flags().StringVar(&saveOpts.owner, "owner", "", "user id")
	save.Flags().StringVar(&saveOpts.Name, "name", "", "display name")
	save.Flags().StringVar(&saveOpts.Phone, "phone", "", "phone number")
	save.Flags().StringVar(&saveOpts.Email, "email", "", "email address")
	_ = save.MarkFlagRequired("owner")
	_ = save.MarkFlagRequired("name")
	cmd.AddCommand(save)

	cmd.AddCommand(&cobra.Command{
		Use:   "discard",
		Short: "Drop the staged profile edit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			had := a.Edits.Has()
			if err := a.Edits.Clear(); err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Print(map[string]bool{"discarded": had}, func(w io.Writer) error {
				msg := "nothing to discard"
				if had {
					msg = "staged profile edit discarded"
				}
				_, err := fmt.Fprintln(w, msg)
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "commit",
		Short: "Commit the staged profile edit now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			a.Prime(cmd.Context())
			committed, err := a.Edits.TryCommit(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Print(map[string]bool{"committed": committed}, func(w io.Writer) error {
				msg := "nothing committed (offline or no staged edit)"
				if committed {
					msg = "staged profile edit committed"
				}
				_, err := fmt.Fprintln(w, msg)
				return err
			})
		},
	})
	return cmd
}
