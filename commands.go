// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-agrosync/internal/format"
	"github.com/mobiletoly/go-agrosync/pullsync"
	"github.com/mobiletoly/go-agrosync/syncer"
)

// withApp wires a session for one command and tears it down afterwards.
func withApp(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app) error) error {
	ctx, a, err := setup(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Flush pending changes, then pull the tables the change ledger reports as stale",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				status := a.syncer.InitializeSync(ctx)
				printStatus(cmd.OutOrStdout(), status)
				if status.LastError != "" {
					return fmt.Errorf("sync finished with errors: %s", status.LastError)
				}
				return nil
			})
		},
	}
}

func newRefreshCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "refresh [table...]",
		Short: "Pull tables from the remote store",
		Long: `Pull tables from the remote store into the local cache.

Without arguments, tables are refreshed when the change ledger says so.
Named tables are refreshed unconditionally. --all re-downloads every table
page by page, merging into the cache.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !a.online.Online() {
					return fmt.Errorf("offline: nothing to refresh")
				}
				var results []pullsync.TableResult
				switch {
				case all:
					results = a.engine.SyncAllTables(ctx)
				case len(args) > 0:
					for _, table := range args {
						result, err := a.engine.SyncTable(ctx, table)
						if err != nil {
							a.logger.Warn("failed to refresh table", "table", table, "error", err)
						}
						results = append(results, result)
					}
				default:
					results = a.engine.RefreshAll(ctx)
				}
				printResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "re-download every table regardless of the change ledger")
	return cmd
}

func newFlushCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay pending local changes to the remote store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				report := a.queue.Process(ctx)
				out := cmd.OutOrStdout()
				switch {
				case report.Offline:
					fmt.Fprintln(out, "offline: changes stay queued")
				case report.Skipped:
					fmt.Fprintln(out, "another flush is running")
				default:
					fmt.Fprintf(out, "attempted %d, applied %d, failed %d, deferred %d\n",
						report.Attempted, report.Applied, report.Failed, report.Deferred)
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d changes failed and will be retried", report.Failed)
				}
				return nil
			})
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and pending changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				printStatus(out, a.syncer.Status(ctx))
				if !verbose {
					return nil
				}
				entries, err := a.queue.Entries(ctx)
				if err != nil {
					return err
				}
				for _, e := range entries {
					line := fmt.Sprintf("  #%d %s %s[%s] %s", e.ID, e.Op, e.Table, e.PK, e.Status)
					if e.LastError != "" {
						line += fmt.Sprintf(" (retries %d: %s)", e.RetryCount, e.LastError)
					}
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list queued changes")
	return cmd
}

func newRecordCmd(opts *options) *cobra.Command {
	var (
		cama   string
		column string
		value  string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a measurement on today's row for a bed",
		Example: `  agrosync record --cama 12 --column riego --value 3,5
  agrosync record --cama 12 --column observacion --value "hojas secas"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				var camaID any = cama
				if n, err := format.ParseNumber(cama); err == nil {
					camaID = n
				}
				var v any = value
				if n, err := format.ParseNumber(value); err == nil {
					v = n
				}
				row, err := a.acciones.Record(ctx, camaID, column, v)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %s on %v for bed %v\n", column, row["fecha"], cama)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cama, "cama", "", "bed id")
	cmd.Flags().StringVar(&column, "column", "", "measurement column")
	cmd.Flags().StringVar(&value, "value", "", "measurement value")
	_ = cmd.MarkFlagRequired("cama")
	_ = cmd.MarkFlagRequired("column")
	return cmd
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep syncing in the background until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.probe != nil {
					go a.probe.Run(ctx)
				}
				a.logger.Info("sync loop started", "interval", a.cfg.Sync.Interval)
				a.syncer.Run(ctx)
				a.logger.Info("sync loop stopped")
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, st syncer.Status) {
	state := "online"
	if !st.Online {
		state = "offline"
	}
	fmt.Fprintf(w, "%s, %d pending change(s)", state, st.PendingCount)
	if st.Syncing {
		fmt.Fprint(w, ", syncing")
	}
	fmt.Fprintln(w)
	if !st.LastSync.IsZero() {
		fmt.Fprintf(w, "last sync %s: applied %d, failed %d, refreshed %d table(s)\n",
			st.LastSync.Format("2006-01-02 15:04:05"), st.LastReport.Applied, st.LastReport.Failed, st.Refreshed)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", st.LastError)
	}
}

func printResults(w io.Writer, results []pullsync.TableResult) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "%-16s error: %v\n", r.Table, r.Err)
		case r.Refreshed:
			fmt.Fprintf(w, "%-16s %d row(s)\n", r.Table, r.Count)
		default:
			fmt.Fprintf(w, "%-16s unchanged\n", r.Table)
		}
	}
}
