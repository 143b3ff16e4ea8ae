package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/sheetsync"
)

var syncTenant string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run sheet syncs now",
	Long:  "Syncs one tenant's sheet with --tenant, or every tenant with a sheet otherwise.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		if syncTenant != "" {
			tenantID, err := env.resolveTenant(ctx, syncTenant)
			if err != nil {
				return err
			}
			res, err := env.Engine.RunSync(ctx, tenantID)
			if err != nil {
				return err
			}
			printRunResult(out, res)
			return nil
		}

		sweep, err := sheetsync.NewScheduler(env.Engine, cfg.Sync).RunOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "sync all tenants")
		}
		_, _ = fmt.Fprintf(out, "synced %d, skipped %d, failed %d\n", sweep.Synced, sweep.Skipped, sweep.Failed)
		if sweep.Failed > 0 {
			return eris.Errorf("%d tenant sync(s) failed", sweep.Failed)
		}
		return nil
	},
}

func printRunResult(out io.Writer, res *sheetsync.RunResult) {
	_, _ = fmt.Fprintf(out, "tenant %s: %d rows, %d leads (+%d ~%d -%d), %d retries in %s\n",
		res.TenantID,
		res.RowCount,
		res.Processed,
		res.Changes.Inserted,
		res.Changes.Updated,
		res.Changes.Deleted,
		res.RetryCount,
		res.Duration.Round(time.Millisecond),
	)
	_, _ = fmt.Fprintf(out, "actuals: weekly %d, monthly %d\n", res.Actuals.Weekly, res.Actuals.Monthly)
}

var pauseCmd = &cobra.Command{
	Use:   "pause <tenant>",
	Short: "Pause scheduled and manual syncs for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, args[0], true)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <tenant>",
	Short: "Resume syncs for a paused tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, args[0], false)
	},
}

func setPaused(cmd *cobra.Command, ref string, paused bool) error {
	ctx := cmd.Context()
	env, err := initEnv(ctx, "sync")
	if err != nil {
		return err
	}
	defer env.Close()

	tenantID, err := env.resolveTenant(ctx, ref)
	if err != nil {
		return err
	}

	var st *model.SyncState
	if paused {
		st, err = env.Engine.Pause(ctx, tenantID)
	} else {
		st, err = env.Engine.Resume(ctx, tenantID)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: paused=%t\n", tenantID, st.IsPaused)
	return nil
}

var clearSheetCmd = &cobra.Command{
	Use:   "clear-sheet <tenant>",
	Short: "Detach a tenant's sheet and delete its leads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		tenantID, err := env.resolveTenant(ctx, args[0])
		if err != nil {
			return err
		}
		if err := env.Engine.ClearSheet(ctx, tenantID); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: sheet cleared\n", tenantID)
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncTenant, "tenant", "", "sync a single tenant (id or name)")
	rootCmd.AddCommand(syncCmd, pauseCmd, resumeCmd, clearSheetCmd)
}
