package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"prefixsync/internal/jobs/runtime"
	"prefixsync/internal/snapshot"
	"prefixsync/internal/support"
	"prefixsync/internal/syncer"
)

var (
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	warnStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	errStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
)

func (c *cli) runCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.ValidateForSync(); err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			d, err := c.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Close()

			o, err := c.orchestrator(d, dryRun)
			if err != nil {
				return err
			}

			res := o.Run(cmd.Context())
			printResult(cmd.OutOrStdout(), res)
			return resultError(res)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and print the plan without snapshotting or touching the controller")
	return cmd
}

func (c *cli) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run sync cycles every SYNC_INTERVAL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.ValidateForSync(); err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			d, err := c.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Close()

			o, err := c.orchestrator(d, false)
			if err != nil {
				return err
			}

			if err := c.serve(cmd.Context(), d, o); err != nil {
				return &ExitError{Code: 3, Err: err}
			}
			return nil
		},
	}
}

func (c *cli) serve(ctx context.Context, d *deps, o *syncer.Orchestrator) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := c.cfg.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.Metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			c.logger.Info("Metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var rdb *redis.Client
	if c.cfg.RedisURL != "" {
		client, err := support.GetRedisClient(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = support.CloseRedisClient() }()
		rdb = client

		base := c.cfg.Sync.BaseName
		last := -1
		observe := func(active int) {
			if d.Metrics != nil {
				d.Metrics.SetInstances(base, active)
			}
			if active != last {
				c.logger.Info("Active prefixsync instances", "base", base, "count", active)
				last = active
			}
		}
		g.Go(func() error {
			runtime.StartInstanceHeartbeat(ctx, rdb, base, runtime.DefaultHeartbeatInterval, runtime.DefaultHeartbeatTTL, observe)
			return nil
		})
	}

	routine := &runtime.SyncRoutine{
		Cycler:   o,
		BaseName: c.cfg.Sync.BaseName,
		Interval: c.cfg.Sync.Interval,
		Redis:    rdb,
		Logger:   c.logger,
	}
	g.Go(func() error {
		if err := routine.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func (c *cli) snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Write the controller's current lists to a backup file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := c.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Close()

			base := c.cfg.Sync.BaseName
			states, err := d.Controller.ListCurrentState(cmd.Context(), base)
			if err != nil {
				return &ExitError{Code: 3, Err: fmt.Errorf("read controller state: %w", err)}
			}

			snap, path, err := snapshot.Capture(cmd.Context(), d.Store, base, states, time.Now())
			if err != nil {
				return &ExitError{Code: 4, Err: err}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d list(s) written to %s\n", okStyle.Render("snapshot"), len(snap.Lists), path)
			return nil
		},
	}
}

func (c *cli) restoreCmd() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "restore <snapshot-file>",
		Short: "Push a snapshot back to the controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return &ExitError{Code: 1, Err: errors.New("restore bypasses the safety brake; pass --yes to confirm")}
			}

			snap, err := snapshot.Load(args[0])
			if err != nil {
				return &ExitError{Code: 4, Err: err}
			}

			d, err := c.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Close()

			o, err := c.orchestrator(d, false)
			if err != nil {
				return err
			}

			res := o.Restore(cmd.Context(), snap)
			printResult(cmd.OutOrStdout(), res)
			return resultError(res)
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the restore")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync runs (requires HISTORY_ENABLED)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !c.cfg.History.Enabled {
				return &ExitError{Code: 1, Err: errors.New("sync history is disabled; set HISTORY_ENABLED=true")}
			}
			d, err := c.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Close()

			runs, err := d.History.Recent(cmd.Context(), c.cfg.Sync.BaseName, limit)
			if err != nil {
				return &ExitError{Code: 4, Err: err}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "STARTED\tSTATUS\tTARGET\tCURRENT\tADDED\tREMOVED\tSNAPSHOT")
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.StartedAt.UTC().Format(time.RFC3339), r.Status, r.TargetPrefixes, r.CurrentPrefixes,
					r.Additions, r.Removals, r.SnapshotPath)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func printResult(w io.Writer, res *syncer.Result) {
	_, _ = fmt.Fprintf(w, "%s %s\n", statusLabel(res.Status), res.Summary())

	if res.Status == syncer.StatusPlanned && res.Plan != nil {
		for _, ch := range res.Plan.Changes() {
			_, _ = fmt.Fprintf(w, "  %-6s %s (%d entries, +%d/-%d)\n",
				ch.Action, ch.ID, len(ch.Members), ch.AdditionCount(), ch.RemovalCount())
		}
	}
	if res.SnapshotPath != "" {
		_, _ = fmt.Fprintf(w, "  snapshot: %s\n", res.SnapshotPath)
	}
}

func statusLabel(s syncer.Status) string {
	label := "[" + string(s) + "]"
	switch s {
	case syncer.StatusSuccess, syncer.StatusNoop, syncer.StatusPlanned:
		return okStyle.Render(label)
	case syncer.StatusBlocked, syncer.StatusDegraded, syncer.StatusBusy:
		return warnStyle.Render(label)
	default:
		return errStyle.Render(label)
	}
}

func resultError(res *syncer.Result) error {
	code := res.ExitCode()
	if code == 0 {
		return nil
	}
	err := res.Err
	if err == nil {
		err = fmt.Errorf("sync %s", res.Status)
	}
	return &ExitError{Code: code, Err: err}
}
