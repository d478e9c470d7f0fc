package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ilyaizen/habistat/internal/cron"
	"github.com/ilyaizen/habistat/internal/dedup"
	"github.com/ilyaizen/habistat/internal/repo"
	"github.com/ilyaizen/habistat/internal/sync"
	"github.com/ilyaizen/habistat/pkg/db/models"
	"github.com/ilyaizen/habistat/pkg/metrics"
)

func newRootCmd() *cobra.Command {
	var opts appOptions

	root := &cobra.Command{
		Use:           "habistat",
		Short:         "Offline-first habit tracker sync client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.userID, "user", "", "account id to mint a dev token for (needs HABISTAT_JWT_SECRET; HABISTAT_SYNC_TOKEN wins)")
	f.StringVar(&opts.logLevel, "log-level", "", "override HABISTAT_LOG_LEVEL")

	root.AddCommand(
		newSyncCmd(&opts),
		newDedupeCmd(&opts),
		newStatusCmd(&opts),
		newDaemonCmd(&opts),
	)
	return root
}

var syncExample = `
  habistat sync
  habistat sync --entity habits`

func newSyncCmd(opts *appOptions) *cobra.Command {
	var entity string
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "sync",
		Short:   "Reconcile the local store with the account",
		Example: syncExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var summary sync.Summary
			if entity == "" {
				summary, err = a.sync.FullSync(ctx)
			} else {
				summary, err = a.sync.SyncEntity(ctx, models.Kind(entity))
			}
			if asJSON {
				if encErr := writeJSON(cmd.OutOrStdout(), summary); encErr != nil {
					return encErr
				}
			} else {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&entity, "entity", "e", "", "sync a single entity kind (calendars, habits, completions, activity_history, active_timers, user_profile)")
	f.BoolVar(&asJSON, "json", false, "print the cycle summary as JSON")
	return cmd
}

func newDedupeCmd(opts *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Collapse duplicate business keys in the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := dedup.NewSweeper(a.local.DB(), a.logg).DedupeAll(ctx, dedup.AllOwners())
			fmt.Fprintf(cmd.OutOrStdout(), "groups=%d removed=%d failed=%d\n", report.Groups, report.Removed, report.Failed)
			return err
		},
	}
}

func newStatusCmd(opts *appOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show watermarks and the pending push backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sync.Status(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newDaemonCmd(opts *appOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync on an interval and keep the local store tidy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			daemonOpts := *opts
			daemonOpts.daemon = true
			a, err := newApp(ctx, daemonOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			service, err := a.scheduler()
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logg.Error(ctx, "daemon.metrics.stopped", err)
					}
				}()
				defer srv.Close()
			}

			a.logg.Info(a.logg.WithField(ctx, "interval", a.cfg.Sync.Interval.String()), "daemon.start")
			if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.logg.Info(ctx, "daemon.stop")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	return cmd
}

// scheduler registers the client's recurring work: sync, local dedupe and
// purging tombstones the account has acknowledged.
func (a *app) scheduler() (*cron.Service, error) {
	syncJob, err := cron.NewSyncJob(cron.SyncJobParams{Logger: a.logg, Syncer: a.sync})
	if err != nil {
		return nil, err
	}
	dedupeJob, err := cron.NewDedupeJob(cron.DedupeJobParams{
		Logger:  a.logg,
		Sweeper: dedup.NewSweeper(a.local.DB(), a.logg),
	})
	if err != nil {
		return nil, err
	}
	purgeJob, err := cron.NewTombstonePurgeJob(cron.TombstonePurgeJobParams{
		Logger:           a.logg,
		Tables:           repo.Tables(a.local.DB()),
		Retention:        a.cfg.Maintenance.TombstoneRetention,
		AcknowledgedOnly: true,
	})
	if err != nil {
		return nil, err
	}

	registry := cron.NewRegistry()
	registry.Register(syncJob, a.cfg.Sync.Interval)
	registry.Register(dedupeJob, a.cfg.Maintenance.DedupeInterval)
	registry.Register(purgeJob, a.cfg.Maintenance.PurgeInterval)

	return cron.NewService(cron.ServiceParams{
		Logger:   a.logg,
		Registry: registry,
		Locks:    cron.LocalLocks(),
		Metrics:  metrics.NewCronJobMetrics(a.reg),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, s sync.Summary) {
	totals := s.Totals()
	fmt.Fprintf(w, "%s sync %s in %s: pulled=%d merged=%d pushed=%d conflicts=%d skipped=%d\n",
		s.Scope, s.Status, s.Duration.Round(time.Millisecond),
		totals.Pulled, totals.Merged, totals.Pushed, totals.Conflicts, totals.Skipped)
	if s.Error != "" {
		fmt.Fprintln(w, s.Error)
	}
}

func printReport(w io.Writer, r sync.Report) {
	online := "offline"
	if r.Online {
		online = "online"
	}
	fmt.Fprintf(w, "state=%s %s watermark=%s\n", r.State, online, formatMillis(r.Watermark))

	kinds := make([]string, 0, len(r.Dirty))
	for kind := range r.Dirty {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		k := models.Kind(kind)
		fmt.Fprintf(w, "  %-18s pending=%d watermark=%s\n", kind, r.Dirty[k], formatMillis(r.Entities[k]))
	}
	if r.LastResult != nil {
		printSummary(w, *r.LastResult)
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
