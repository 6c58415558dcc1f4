package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/anomaly"
	"github.com/nicktill/tinytraffic/pkg/config"
	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/logging"
	"github.com/nicktill/tinytraffic/pkg/rollup"
	"github.com/nicktill/tinytraffic/pkg/server"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// errRunFailed marks a run whose JSON result already reports the failure.
var errRunFailed = errors.New("run failed")

// opener builds the components a command runs against.
type opener func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server.Server, func() error, error)

func openServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server.Server, func() error, error) {
	src, err := server.OpenSource(cfg.Source)
	if err != nil {
		return nil, nil, err
	}
	store, err := server.OpenStore(cfg.Storage, logger)
	if err != nil {
		return nil, nil, err
	}
	locker, closeLocker, err := server.OpenLocker(ctx, cfg.Lease, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	srv, err := server.New(server.Deps{Config: cfg, Store: store, Source: src, Locker: locker, Logger: logger})
	if err != nil {
		closeLocker()
		store.Close()
		return nil, nil, err
	}
	return srv, func() error { return errors.Join(closeLocker(), store.Close()) }, nil
}

// cli carries the state shared by every subcommand.
type cli struct {
	open    opener
	cfgPath string
	nowFlag string

	cfg   *config.Config
	srv   *server.Server
	close func() error
}

func newCLI(open opener) *cli {
	return &cli{open: open}
}

// command builds the cobra tree. Components are opened before any
// subcommand runs and released by execute.
func (c *cli) command() *cobra.Command {
	root := &cobra.Command{
		Use:           "trafficctl",
		Short:         "Run tinytraffic tasks on demand",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&c.nowFlag, "now", "", "override the clock (RFC3339) for replays")

	root.AddCommand(c.syncCmd(), c.rollupCmd(), c.detectCmd(), c.cleanupCmd(), c.cursorsCmd())
	return root
}

// execute runs args against a fresh command tree, writing results to out.
func (c *cli) execute(ctx context.Context, args []string, out, errOut io.Writer) error {
	root := c.command()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, c.teardown())
}

func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Logging())
	if err != nil {
		return err
	}
	srv, closeFn, err := c.open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c.cfg, c.srv, c.close = cfg, srv, closeFn
	return nil
}

func (c *cli) teardown() error {
	if c.close == nil {
		return nil
	}
	err := c.close()
	c.close = nil
	return err
}

func (c *cli) now() (time.Time, error) {
	if c.nowFlag == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, c.nowFlag)
	if err != nil {
		return time.Time{}, errs.Config("now", "invalid timestamp %q, want RFC3339", c.nowFlag)
	}
	return t.UTC(), nil
}

// emit prints v as indented JSON and turns ok=false into errRunFailed.
func emit(w io.Writer, v interface{}, ok bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if !ok {
		return errRunFailed
	}
	return nil
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [visits|clicks|conversions]",
		Short: "Sync one source, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := c.now()
			if err != nil {
				return err
			}
			in := c.srv.Ingestor()
			if len(args) == 1 {
				src, err := traffic.ParseSource(args[0])
				if err != nil {
					return err
				}
				res := in.Sync(cmd.Context(), src, now)
				return emit(cmd.OutOrStdout(), res, res.OK())
			}
			results := in.SyncAll(cmd.Context(), now)
			ok := true
			for _, r := range results {
				ok = ok && r.OK()
			}
			return emit(cmd.OutOrStdout(), results, ok)
		},
	}
}

func (c *cli) rollupCmd() *cobra.Command {
	var hour, from, to string
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Roll up one hour (--hour), a range (--from/--to) or the pending hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			agg := c.srv.Aggregator()

			var results []rollup.Result
			switch {
			case hour != "" && (from != "" || to != ""):
				return errs.Config("rollup", "--hour cannot be combined with --from/--to")
			case hour != "":
				h, err := time.Parse(time.RFC3339, hour)
				if err != nil {
					return errs.Config("rollup", "invalid --hour %q", hour)
				}
				results = []rollup.Result{agg.Rollup(ctx, h)}
			case from != "" || to != "":
				start, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return errs.Config("rollup", "invalid --from %q", from)
				}
				end, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return errs.Config("rollup", "invalid --to %q", to)
				}
				if results, err = agg.Backfill(ctx, start, end); err != nil && len(results) == 0 {
					return err
				}
			default:
				now, err := c.now()
				if err != nil {
					return err
				}
				if results, err = agg.RollupPending(ctx, now); err != nil {
					return err
				}
			}

			rows, succeeded, skipped, failed := rollup.Summarize(results)
			return emit(cmd.OutOrStdout(), map[string]interface{}{
				"rows":      rows,
				"succeeded": succeeded,
				"skipped":   skipped,
				"failed":    failed,
				"results":   results,
			}, failed == 0)
		},
	}
	cmd.Flags().StringVar(&hour, "hour", "", "hour to roll up (RFC3339)")
	cmd.Flags().StringVar(&from, "from", "", "first hour of a backfill (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "end of a backfill, exclusive (RFC3339)")
	return cmd
}

func (c *cli) detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Evaluate the anomaly rules for the last full hour",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now, err := c.now()
			if err != nil {
				return err
			}
			d := c.srv.Detector()
			start, end, _ := d.Windows(now)
			alerts, err := d.Run(cmd.Context(), now)
			if errors.Is(err, anomaly.ErrWindowOpen) {
				return emit(cmd.OutOrStdout(), server.DetectResponse{
					WindowStart: start,
					WindowEnd:   end,
					Skipped:     true,
					Reason:      err.Error(),
					Alerts:      []anomaly.Alert{},
				}, true)
			}
			if err != nil && alerts == nil {
				return err
			}
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
			}
			if alerts == nil {
				alerts = []anomaly.Alert{}
			}
			return emit(cmd.OutOrStdout(), server.DetectResponse{
				WindowStart: start,
				WindowEnd:   end,
				Count:       len(alerts),
				Alerts:      alerts,
			}, err == nil)
		},
	}
}

func (c *cli) cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete raw events and hourly rows older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now, err := c.now()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = c.cfg.Retention.Days
			}
			res, err := c.srv.Sweeper().Cleanup(cmd.Context(), days, now)
			if err != nil && errs.Is(err, errs.KindConfig) {
				return err
			}
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
			}
			return emit(cmd.OutOrStdout(), server.NewCleanupResponse(res, err), err == nil)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default from config)")
	return cmd
}

func (c *cli) cursorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cursors",
		Short: "Show the stored sync cursor of every source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now, err := c.now()
			if err != nil {
				return err
			}
			cursors, err := c.srv.Cursors(cmd.Context(), now)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), cursors, true)
		},
	}
}
