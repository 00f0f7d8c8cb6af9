// Package app assembles the sync core from configuration: local storage,
// the document store, the connectivity monitor and the components that
// depend on them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaysync/internal/appointment"
	"github.com/agentworkforce/relaysync/internal/auth"
	"github.com/agentworkforce/relaysync/internal/booking"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/docstore"
	"github.com/agentworkforce/relaysync/internal/kv"
	"github.com/agentworkforce/relaysync/internal/mailer"
	"github.com/agentworkforce/relaysync/internal/notice"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/pendingedit"
	"github.com/agentworkforce/relaysync/internal/reconcile"
	"github.com/agentworkforce/relaysync/internal/transition"
)

const documentCacheKey = "docstore.cache"

type Options struct {
	// Presenter shows user notices. Defaults to logging them.
	Presenter notice.Presenter
	// Storage overrides the backend named by the configured DSN.
	Storage    kv.Storage
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Presenter notice.Presenter

	Storage kv.Storage
	Docs    docstore.Store
	// Local is the in-process store when running in local mode, nil
	// otherwise.
	Local *docstore.MemoryStore
	// Cache fronts the hosted store in remote mode, nil otherwise.
	Cache *docstore.CachedStore

	Monitor    *connectivity.Monitor
	Mailer     *mailer.Client
	Outbox     *outbox.Outbox
	Committer  pendingedit.DocumentCommitter
	Edits      *pendingedit.Store
	Booking    *booking.Handlers
	Session    *auth.Session
	Reconciler *reconcile.Reconciler
	Notifier   *transition.Notifier
	System     notice.SystemNotifier

	unfollow func()
}

func New(cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	presenter := opts.Presenter
	if presenter == nil {
		presenter = notice.LogPresenter{Logger: logger}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}

	storage := opts.Storage
	if storage == nil {
		var err error
		storage, err = kv.BuildStorageFromDSN(cfg.ResolvedStorageDSN())
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Presenter: presenter,
		Storage:   storage,
	}
	if err := a.build(httpClient); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(httpClient *http.Client) error {
	cfg := a.Config
	a.Monitor = connectivity.NewMonitor(connectivity.Options{
		Initial:        strings.TrimSpace(cfg.Connectivity.FlagFile) == "" && len(cfg.Connectivity.ProbeURLs) == 0,
		Presenter:      a.Presenter,
		NoticeDebounce: cfg.Connectivity.NoticeDebounce,
		ProbeURLs:      cfg.Connectivity.ProbeURLs,
		Logger:         a.Logger,
	})

	switch cfg.Store.Mode {
	case "remote":
		cache, err := docstore.OpenCachedStore(
			docstore.NewRemoteStore(cfg.Store.URL, cfg.Store.Token, httpClient),
			docstore.CachedOptions{Memory: docstore.MemoryOptions{
				Offline:    !a.Monitor.IsOnline(),
				Storage:    a.Storage,
				StorageKey: documentCacheKey,
				Logger:     a.Logger,
			}},
		)
		if err != nil {
			return fmt.Errorf("open document cache: %w", err)
		}
		a.Cache = cache
		a.Docs = cache
		a.unfollow = a.Monitor.Subscribe(cache.SetOnline)
	default:
		local, err := docstore.OpenMemoryStore(docstore.MemoryOptions{
			Offline:    !a.Monitor.IsOnline(),
			Storage:    a.Storage,
			StorageKey: documentCacheKey,
			Logger:     a.Logger,
		})
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		a.Local = local
		a.Docs = local
		// The local store mirrors a hosted one: writes made while offline
		// stay pending until the monitor reports the network back.
		a.unfollow = a.Monitor.Subscribe(local.SetOnline)
	}

	a.Mailer = mailer.NewClient(mailer.ClientOptions{
		BaseURL:    cfg.Mail.BaseURL,
		PublicKey:  cfg.Mail.PublicKey,
		PrivateKey: cfg.Mail.PrivateKey,
		HTTPClient: httpClient,
		UserAgent:  "relaysync",
	})
	var err error
	a.Outbox, err = outbox.New(a.Storage, outbox.MailDispatcher{
		Sender:    a.Mailer,
		ServiceID: cfg.Mail.ServiceID,
		Templates: cfg.Mail.Templates,
	}, a.Monitor, outbox.Options{
		MaxAttempts:      cfg.Outbox.MaxAttempts,
		SendTimeout:      cfg.Outbox.SendTimeout,
		StartupDelay:     cfg.Outbox.StartupDelay,
		SettleDelay:      cfg.Outbox.SettleDelay,
		ProbeOnReconnect: cfg.Outbox.ProbeOnReconnect,
		Logger:           a.Logger,
	})
	if err != nil {
		return err
	}

	a.Committer = pendingedit.DocumentCommitter{Store: a.Docs}
	a.Edits, err = pendingedit.New(a.Storage, a.Committer, a.Monitor, pendingedit.Options{
		StartupDelay:     cfg.Outbox.StartupDelay,
		SettleDelay:      cfg.Outbox.SettleDelay,
		ProbeOnReconnect: cfg.Outbox.ProbeOnReconnect,
		Presenter:        a.Presenter,
		Logger:           a.Logger,
	})
	if err != nil {
		return err
	}

	a.Booking, err = booking.New(a.Docs, a.Outbox, a.Edits, a.Committer, a.Monitor, booking.Options{
		RecentWindow: cfg.Connectivity.RecentWindow,
		ProbeTimeout: cfg.Connectivity.ProbeTimeout,
		Presenter:    a.Presenter,
		Logger:       a.Logger,
	})
	if err != nil {
		return err
	}

	a.Session = auth.NewSession()
	a.Reconciler, err = reconcile.New(a.Docs, a.Monitor, reconcile.Options{
		SortField: appointment.FieldCreatedAt,
		Enrichers: []reconcile.Enricher{reconcile.NewOwnerNameEnricher(a.Docs)},
		Normalize: normalizeAppointment,
		Presenter: a.Presenter,
		Logger:    a.Logger,
	})
	if err != nil {
		return err
	}

	var system notice.SystemNotifier = notice.LogSystemNotifier{Logger: a.Logger}
	if url := strings.TrimSpace(cfg.Notify.WebhookURL); url != "" {
		system = notice.WebhookSystemNotifier{URL: url, HTTPClient: httpClient}
	}
	a.System = &notice.TagDeduper{Next: system}
	notifierOpts := transition.AppointmentApprovalOptions()
	notifierOpts.Presenter = a.Presenter
	notifierOpts.System = a.System
	notifierOpts.Logger = a.Logger
	a.Notifier, err = transition.New(a.Docs, a.Session, notifierOpts)
	return err
}

func normalizeAppointment(fields map[string]any) map[string]any {
	if raw, ok := fields[appointment.FieldStatus].(string); ok {
		fields[appointment.FieldStatus] = appointment.Normalize(raw)
	}
	return fields
}

// Prime sets the monitor from one reading of the configured source, for
// commands that act once instead of running.
func (a *App) Prime(ctx context.Context) {
	cfg := a.Config.Connectivity
	switch {
	case strings.TrimSpace(cfg.FlagFile) != "":
		a.Monitor.SetOnline(connectivity.FlagFileSource{Monitor: a.Monitor, Path: cfg.FlagFile}.Online())
	case len(cfg.ProbeURLs) > 0:
		a.Monitor.SetOnline(a.Monitor.ProbeReachable(ctx, cfg.ProbeTimeout))
	}
}

// Run feeds the monitor from the configured source and keeps the outbox,
// the staged profile edit, the document cache and the approval notifier
// running until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	cfg := a.Config.Connectivity
	switch {
	case strings.TrimSpace(cfg.FlagFile) != "":
		g.Go(func() error {
			return connectivity.FlagFileSource{Monitor: a.Monitor, Path: cfg.FlagFile}.Run(ctx)
		})
	case len(cfg.ProbeURLs) > 0:
		g.Go(func() error {
			connectivity.ProbeSource{
				Monitor:     a.Monitor,
				Interval:    cfg.ProbeInterval,
				JitterRatio: cfg.ProbeJitter,
				Timeout:     cfg.ProbeTimeout,
			}.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		a.Outbox.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Edits.Run(ctx)
		return nil
	})
	if a.Cache != nil {
		g.Go(func() error {
			a.Cache.Run(ctx)
			return nil
		})
	}
	a.Notifier.Start()
	g.Go(func() error {
		<-ctx.Done()
		a.Notifier.Stop()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Close() error {
	if a.unfollow != nil {
		a.unfollow()
		a.unfollow = nil
	}
	return kv.Close(a.Storage)
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}
