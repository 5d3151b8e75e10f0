// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command agrosync runs the farm-data sync engine against a local SQLite
// cache: one-shot pulls and flushes, status, measurements and a background
// sync loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-agrosync/acciones"
	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/connectivity"
	"github.com/mobiletoly/go-agrosync/internal/auth"
	"github.com/mobiletoly/go-agrosync/internal/config"
	"github.com/mobiletoly/go-agrosync/internal/logging"
	"github.com/mobiletoly/go-agrosync/ledger"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/outbox"
	"github.com/mobiletoly/go-agrosync/pullsync"
	"github.com/mobiletoly/go-agrosync/remote"
	"github.com/mobiletoly/go-agrosync/syncer"
)

type options struct {
	configPath string
	offline    bool
	pin        string
}

// app is one fully wired sync session.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *localstore.Store
	remote   remote.Client
	online   connectivity.Checker
	probe    *connectivity.Probe
	ledger   *ledger.Session
	engine   *pullsync.Engine
	queue    *outbox.Queue
	acciones *acciones.Service
	syncer   *syncer.Syncer
	closers  []func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "agrosync",
		Short:        "Offline-first sync for farm management data",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.offline, "offline", false, "treat the device as offline (no network calls)")
	cmd.PersistentFlags().StringVar(&opts.pin, "pin", "", "sign in with a cached user's PIN")

	cmd.AddCommand(
		newSyncCmd(opts),
		newRefreshCmd(opts),
		newFlushCmd(opts),
		newStatusCmd(opts),
		newRecordCmd(opts),
		newRunCmd(opts),
	)
	return cmd
}

// setup loads configuration and wires every component.
func setup(ctx context.Context, opts *options) (context.Context, *app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return ctx, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return ctx, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return ctx, nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.store, err = localstore.Open(cfg.Local.SQLitePath, catalog.Defs(), logger)
	if err != nil {
		return ctx, nil, err
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	if opts.pin != "" {
		user, err := (&auth.PINLogin{Store: a.store}).Login(ctx, opts.pin)
		if err != nil {
			return ctx, nil, err
		}
		if user == nil {
			return ctx, nil, fmt.Errorf("no cached user matches that PIN")
		}
		ctx = auth.WithUser(ctx, user)
		logger.Info("signed in", "user_id", user.ID, "finca_id", user.FincaID)
	}

	if a.remote, err = newRemote(ctx, cfg, logger); err != nil {
		return ctx, nil, err
	}
	if pg, isPG := a.remote.(*remote.PGClient); isPG {
		a.closers = append(a.closers, pg.Close)
	}

	switch {
	case opts.offline:
		a.online = connectivity.NewSwitch(false)
	case cfg.Probe.URL != "":
		a.probe, err = connectivity.NewProbe(connectivity.ProbeConfig{URL: cfg.Probe.URL, Interval: cfg.Probe.Interval, Logger: logger})
		if err != nil {
			return ctx, nil, err
		}
		a.probe.Check(ctx)
		a.online = a.probe
	default:
		a.online = connectivity.NewSwitch(true)
	}

	a.ledger, err = ledger.NewSession(ledger.Config{
		Remote:   a.remote,
		Store:    a.store,
		PageSize: cfg.Sync.PageSize,
		CheckTTL: cfg.Sync.LedgerTTL,
		Logger:   logger,
	})
	if err != nil {
		return ctx, nil, err
	}
	a.engine, err = pullsync.New(pullsync.Config{
		Remote:      a.remote,
		Store:       a.store,
		Ledger:      a.ledger,
		PageSize:    cfg.Sync.PageSize,
		Concurrency: cfg.Sync.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return ctx, nil, err
	}
	a.queue, err = outbox.New(outbox.Config{
		Store:  a.store,
		Remote: a.remote,
		Ledger: a.ledger,
		Online: a.online,
		Logger: logger,
	})
	if err != nil {
		return ctx, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return ctx, nil, err
	}
	a.acciones, err = acciones.New(acciones.Config{
		Queue:    a.queue,
		Store:    a.store,
		Remote:   a.remote,
		Online:   a.online,
		Location: loc,
		Logger:   logger,
	})
	if err != nil {
		return ctx, nil, err
	}
	a.syncer, err = syncer.New(syncer.Config{
		Queue:      a.queue,
		Engine:     a.engine,
		Online:     a.online,
		Interval:   cfg.Sync.Interval,
		BackoffMin: cfg.Sync.BackoffMin,
		BackoffMax: cfg.Sync.BackoffMax,
		Logger:     logger,
	})
	if err != nil {
		return ctx, nil, err
	}
	ok = true
	return ctx, a, nil
}

func newRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Client, error) {
	switch cfg.Remote.Mode {
	case config.ModePostgres:
		client, err := remote.ConnectPG(ctx, cfg.Remote.DatabaseURL, cfg.Remote.Schema, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return remote.NewRESTClient(remote.RESTConfig{
			BaseURL:    cfg.Remote.URL,
			APIKey:     cfg.Remote.APIKey,
			JWTSecret:  cfg.Remote.JWTSecret,
			Role:       cfg.Remote.Role,
			HTTPClient: &http.Client{Timeout: cfg.Remote.Timeout},
			Logger:     logger,
		})
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
