// Package cli builds the smartcal command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"smartcal/internal/calendar"
	"smartcal/internal/config"
	"smartcal/internal/ics"
	"smartcal/internal/llm"
	appLog "smartcal/internal/log"
	"smartcal/internal/parser"
	"smartcal/internal/reconcile"
	"smartcal/internal/remote"
	"smartcal/internal/store"
)

const syncTimeout = 10 * time.Minute

type App struct {
	ConfigPath string
	EnvFile    string
	Pretty     bool
}

func NewRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:          "smartcal",
		Short:        "Natural-language calendar with conflict checks and two-way sync",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Run the HTTP API with background sync
  smartcal serve

  # Add an event from a prompt
  smartcal add "Lunch with Sarah on Friday at noon"

  # Reconcile with the remote calendar now
  smartcal sync
`),
	}

	cmd.PersistentFlags().StringVar(&app.ConfigPath, "config", "./config.yaml", "Path to config file (created with defaults if missing)")
	cmd.PersistentFlags().StringVar(&app.EnvFile, "env-file", ".env", "Optional .env file with API tokens")
	cmd.PersistentFlags().BoolVar(&app.Pretty, "pretty", false, "Pretty-print JSON output")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newAddCmd(app))
	cmd.AddCommand(newListCmd(app))
	cmd.AddCommand(newDeleteCmd(app))
	cmd.AddCommand(newSyncCmd(app))
	cmd.AddCommand(newConflictsCmd(app))
	cmd.AddCommand(newExportCmd(app))
	cmd.AddCommand(newImportCmd(app))
	cmd.AddCommand(newStatusCmd(app))

	return cmd
}

// runtime is the wired object graph behind every command.
type runtime struct {
	cfg    *config.Config
	policy config.Policy
	store  store.Store
	syncer *reconcile.Syncer
	svc    *calendar.Service
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

func (app *App) open() (*runtime, error) {
	cfg, err := config.Load(app.ConfigPath)
	if err != nil {
		return nil, err
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	creds, err := config.LoadCredentials(app.EnvFile)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.DatabasePath == ":memory:" {
		st = store.NewMemory()
	} else {
		st, err = store.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
	}

	llmTimeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	primary := parser.NewModel(llm.NewHTTPClient(llm.Options{
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		Token:    creds.HuggingFaceToken,
		Timeout:  llmTimeout,
	}))
	hy := parser.NewHybrid(primary, parser.NewRules(policy.DefaultHour), parser.WithTimeout(llmTimeout))

	rt := &runtime{cfg: cfg, policy: policy, store: st}
	remoteTimeout := time.Duration(cfg.Remote.TimeoutSeconds) * time.Second
	opts := []calendar.Option{calendar.WithFetcher(ics.NewFetcher(remoteTimeout))}
	if cfg.Remote.BaseURL != "" {
		rc, err := remote.NewHTTPClient(remote.Options{
			BaseURL:    cfg.Remote.BaseURL,
			CalendarID: cfg.Remote.CalendarID,
			Token:      creds.CalendarToken,
			Timeout:    remoteTimeout,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		rt.syncer = reconcile.NewSyncer(st, rc, policy.SyncDaysAhead,
			reconcile.WithRetry(cfg.Remote.MaxRetries, reconcile.DefaultBackoff))
		opts = append(opts, calendar.WithSyncer(rt.syncer))
	} else {
		appLog.Info("remote.base_url not set; sync disabled")
	}

	rt.svc = calendar.New(policy, st, hy, opts...)
	return rt, nil
}

func writeOut(cmd *cobra.Command, app *App, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	if app.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// withRuntime opens the runtime, runs fn and closes it.
func withRuntime(app *App, fn func(rt *runtime) error) (err error) {
	rt, err := app.open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}()
	return fn(rt)
}
