package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appLog "smartcal/internal/log"
	"smartcal/internal/scheduler"
	"smartcal/internal/web"
)

func newServeCmd(app *App) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				if listen != "" {
					rt.cfg.Listen = listen
				}
				appLog.Info("effective config",
					"listen", rt.cfg.Listen,
					"timezone", rt.policy.Timezone,
					"conflict_gap_minutes", rt.policy.GapMinutes,
					"sync_days_ahead", rt.policy.SyncDaysAhead,
					"auto_sync", rt.cfg.AutoSync,
					"sync_cron", rt.cfg.SyncCron,
					"remote", rt.syncer != nil,
				)

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				if rt.cfg.AutoSync && rt.syncer != nil {
					sched, err := scheduler.New(rt.cfg.SyncCron, func(ctx context.Context) error {
						_, err := rt.svc.Sync(ctx)
						return err
					}, syncTimeout)
					if err != nil {
						return err
					}
					sched.Start()
					defer sched.Stop()
				}

				err := web.NewServer(rt.svc, rt.cfg).Run(ctx)
				appLog.Info("smartcal exiting")
				return err
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func newAddCmd(app *App) *cobra.Command {
	var tz string
	cmd := &cobra.Command{
		Use:   "add <prompt...>",
		Short: "Add an event described in plain language",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				res, err := rt.svc.AddEvent(cmd.Context(), strings.Join(args, " "), tz)
				if err != nil {
					if res.Conflicts.HasConflict {
						_ = writeOut(cmd, app, res.Conflicts)
					}
					return err
				}
				return writeOut(cmd, app, res)
			})
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for this prompt (default: config timezone)")
	return cmd
}

func newListCmd(app *App) *cobra.Command {
	var from, to string
	var days int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events in a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				loc := rt.policy.Location
				start := time.Now().In(loc)
				if from != "" {
					t, err := time.ParseInLocation(time.DateOnly, from, loc)
					if err != nil {
						return fmt.Errorf("--from: %w", err)
					}
					start = t
				}
				end := start.AddDate(0, 0, days)
				if to != "" {
					t, err := time.ParseInLocation(time.DateOnly, to, loc)
					if err != nil {
						return fmt.Errorf("--to: %w", err)
					}
					end = t
				}
				events, err := rt.svc.ListEvents(cmd.Context(), start, end)
				if err != nil {
					return err
				}
				return writeOut(cmd, app, events)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Start date YYYY-MM-DD (default: now)")
	cmd.Flags().StringVar(&to, "to", "", "End date YYYY-MM-DD (default: start + --days)")
	cmd.Flags().IntVar(&days, "days", 7, "Days to list when --to is not given")
	return cmd
}

func newDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <event-id>",
		Short: "Delete an event (removed remotely on the next sync)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				if err := rt.svc.DeleteEvent(cmd.Context(), args[0]); err != nil {
					return err
				}
				return writeOut(cmd, app, map[string]string{"deleted": args[0]})
			})
		},
	}
}

func newSyncCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local store with the remote calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
				defer cancel()
				res, err := rt.svc.Sync(ctx)
				if werr := writeOut(cmd, app, res); werr != nil && err == nil {
					err = werr
				}
				return err
			})
		},
	}
}

func newConflictsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	var keep string
	resolve := &cobra.Command{
		Use:   "resolve <event-id>",
		Short: "Resolve a conflict found by a sync run (runs a sync first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
				defer cancel()
				// Pending conflicts live in memory; a fresh run finds them again.
				if _, err := rt.svc.Sync(ctx); err != nil {
					return err
				}
				if err := rt.svc.ResolveConflict(ctx, args[0], keep); err != nil {
					return err
				}
				return writeOut(cmd, app, map[string]string{"id": args[0], "resolution": keep})
			})
		},
	}
	resolve.Flags().StringVar(&keep, "keep", "", "Side to keep: local or remote")
	_ = resolve.MarkFlagRequired("keep")

	list := &cobra.Command{
		Use:   "list",
		Short: "Run a sync and print the conflicts awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
				defer cancel()
				res, err := rt.svc.Sync(ctx)
				if err != nil {
					return err
				}
				return writeOut(cmd, app, res.Pending)
			})
		},
	}

	cmd.AddCommand(list, resolve)
	return cmd
}

func newExportCmd(app *App) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all events as an iCalendar file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				if out == "" || out == "-" {
					return rt.svc.ExportICS(cmd.Context(), cmd.OutOrStdout())
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := rt.svc.ExportICS(cmd.Context(), f); err != nil {
					f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func newImportCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|url>",
		Short: "Import events from an iCalendar file or URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				src := args[0]
				if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
					res, err := rt.svc.ImportURL(cmd.Context(), src)
					if err != nil {
						return err
					}
					return writeOut(cmd, app, res)
				}

				var r io.Reader = cmd.InOrStdin()
				if src != "-" {
					f, err := os.Open(src)
					if err != nil {
						return err
					}
					defer f.Close()
					r = f
				}
				res, err := rt.svc.ImportICS(cmd.Context(), r)
				if err != nil {
					return err
				}
				return writeOut(cmd, app, res)
			})
		},
	}
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store health and parser status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app, func(rt *runtime) error {
				return writeOut(cmd, app, map[string]any{
					"config": app.ConfigPath,
					"health": rt.svc.Health(cmd.Context()),
					"parser": rt.svc.ParserStatus(),
				})
			})
		},
	}
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}
