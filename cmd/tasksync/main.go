// Command tasksync keeps a local mirror of a Todoist account in sync through
// incremental syncs and webhooks, and serves it over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tasksync/internal/config"
	"github.com/agentworkforce/tasksync/internal/tasksync"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "tasksync",
		Short:         "Mirror a Todoist account locally",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TASKSYNC_CONFIG"), "path to a YAML config file")

	load := func(cmd *cobra.Command) (*app, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return newApp(cmd.Context(), cfg)
	}

	root.AddCommand(
		newServeCmd(load),
		newSyncCmd(load),
		newStatusCmd(load),
		newDeliveriesCmd(load),
	)
	return root
}

type appLoader func(cmd *cobra.Command) (*app, error)

func newServeCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop, webhook receiver, and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context())
		},
	}
}

func newSyncCmd(load appLoader) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync against the remote and exit",
		Example: `  # Incremental sync from the stored cursor
  tasksync sync

  # Discard the cursor and pull everything
  tasksync sync --full`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if full {
				if _, err := a.store.ResetSyncState(cmd.Context(), a.cfg.Service); err != nil {
					return fmt.Errorf("reset sync state: %w", err)
				}
			}
			result, err := a.syncer.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "reset the sync cursor before syncing")
	return cmd
}

func newStatusCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored sync cursor and entity counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			status := map[string]any{
				"service": a.cfg.Service,
				"store":   redactDSN(a.cfg.StoreDSN),
				"counts":  a.store.Counts(),
			}
			if state, ok := a.store.SyncState(a.cfg.Service); ok {
				status["state"] = state
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newDeliveriesCmd(load appLoader) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List recorded webhook deliveries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			switch tasksync.DeliveryStatus(status) {
			case "", tasksync.DeliverySuccess, tasksync.DeliveryFailed, tasksync.DeliverySkipped:
			default:
				return fmt.Errorf("%w: unknown delivery status %q", tasksync.ErrInvalidInput, status)
			}
			deliveries := a.store.Deliveries(tasksync.DeliveryFilter{
				Status: tasksync.DeliveryStatus(status),
				Limit:  limit,
			})
			return printJSON(cmd.OutOrStdout(), deliveries)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show deliveries with this status (success, failed, skipped)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum deliveries to show")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// redactDSN drops credentials so the DSN can be logged.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
