// Package cli implements the relaysync command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/app"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/notice"
	"github.com/agentworkforce/relaysync/internal/telemetry"
)

// Version is stamped at build time.
var Version = "dev"

type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool
}

var ValidFormats = []string{"text", "json", "yaml"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "relaysync",
		Short: "Offline-resilient sync for the lab booking app",
		Long: `relaysync keeps bookings, contact messages and profile edits flowing
between the app and its document store across connectivity loss.

It can host the document store (serve), run the client-side sync loop
(agent), or perform one-shot actions against the local outbox and
staged profile edit.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.ConfigPathFromEnv(), "config file (yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewProfileCommand(opts))
	cmd.AddCommand(NewContactCommand(opts))
	cmd.AddCommand(NewAppointmentCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// openApp builds the sync core for a command. Logs and notices go to
// stderr so that structured output on stdout stays parseable.
func (o *RootOptions) openApp(ctx context.Context, cmd *cobra.Command) (*app.App, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	if err := telemetry.Init(ctx, telemetry.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Version:  Version,
		Interval: cfg.Telemetry.Interval,
		Writer:   cmd.ErrOrStderr(),
	}); err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "init telemetry", err)
	}
	a, err := app.New(cfg, app.Options{
		Presenter: notice.Fanout{noticePrinter{w: cmd.ErrOrStderr()}, notice.LogPresenter{Logger: logger}},
		Logger:    logger,
	})
	if err != nil {
		telemetry.Shutdown(context.Background())
		return nil, nil, WrapExitError(ExitCommandError, "start", err)
	}
	closeFn := func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
		telemetry.Shutdown(context.Background())
	}
	return a, closeFn, nil
}

// noticePrinter shows user notices on the terminal.
type noticePrinter struct {
	w io.Writer
}

func (p noticePrinter) Present(_ context.Context, n notice.Notice) {
	_, _ = fmt.Fprintf(p.w, "[%s] %s\n", n.Level, n.Message)
}
