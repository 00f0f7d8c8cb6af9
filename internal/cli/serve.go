package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaysync/internal/app"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/docstore"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/kv"
	"github.com/agentworkforce/relaysync/internal/telemetry"
	"github.com/agentworkforce/relaysync/internal/trigger"
)

const serverStoreKey = "docstore.server"

type serveOptions struct {
	addr      string
	noTrigger bool
}

// NewServeCommand hosts the document store over HTTP and runs the approval
// push trigger against it.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the document store",
		Long: `Serve the document store over HTTP (CRUD, queries, websocket listen,
/health) and push a notification to users whose appointment is approved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if opts.addr != "" {
				cfg.Server.Addr = opts.addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, !opts.noTrigger, app.NewLogger(cfg.Log, cmd.ErrOrStderr()), nil)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.noTrigger, "no-trigger", false, "do not run the approval push trigger")
	return cmd
}

// runServe blocks until ctx is done. When ready is non-nil it receives the
// bound listener address.
func runServe(ctx context.Context, cfg config.Config, withTrigger bool, logger *slog.Logger, ready chan<- string) error {
	slog.SetDefault(logger)
	if err := telemetry.Init(ctx, telemetry.Options{Enabled: cfg.Telemetry.Enabled, Version: Version, Interval: cfg.Telemetry.Interval}); err != nil {
		return WrapExitError(ExitCommandError, "init telemetry", err)
	}
	defer telemetry.Shutdown(context.Background())

	storage, err := kv.BuildStorageFromDSN(cfg.ResolvedStorageDSN())
	if err != nil {
		return WrapExitError(ExitCommandError, "open storage", err)
	}
	defer func() { _ = kv.Close(storage) }()
	store, err := docstore.OpenMemoryStore(docstore.MemoryOptions{
		Storage:    storage,
		StorageKey: serverStoreKey,
		Logger:     logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "open document store", err)
	}

	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Logger:          logger,
	})
	var push *trigger.ApprovalPush
	if withTrigger {
		push, err = trigger.NewApprovalPush(store, pushSender(cfg, logger), trigger.Options{Logger: logger})
		if err != nil {
			return err
		}
	}
	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relaysync listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if push != nil {
		g.Go(func() error { return push.Run(ctx) })
	}
	if ready != nil {
		ready <- listener.Addr().String()
	}
	return g.Wait()
}

func pushSender(cfg config.Config, logger *slog.Logger) trigger.PushSender {
	if url := strings.TrimSpace(cfg.Push.WebhookURL); url != "" {
		return trigger.WebhookPushSender{URL: url, Token: cfg.Push.Token}
	}
	return trigger.LogPushSender{Logger: logger}
}
