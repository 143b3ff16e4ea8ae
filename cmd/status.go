package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/model"
)

var statusTenant string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tenant sync status",
	Long:  "Displays the live sync state of every tenant, or one tenant with --tenant.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "status")
		if err != nil {
			return err
		}
		defer env.Close()

		var statuses []model.SyncStatus
		if statusTenant != "" {
			tenantID, err := env.resolveTenant(ctx, statusTenant)
			if err != nil {
				return err
			}
			s, err := env.Engine.Status(ctx, tenantID)
			if err != nil {
				return err
			}
			statuses = []model.SyncStatus{*s}
		} else {
			statuses, err = env.Engine.AllStatuses(ctx)
			if err != nil {
				return eris.Wrap(err, "sync status")
			}
		}

		if len(statuses) == 0 {
			zap.L().Info("no tenants found, run 'tenants import' to seed tenants")
			return nil
		}

		formatStatusEntries(cmd.OutOrStdout(), statuses)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "show a single tenant")
	rootCmd.AddCommand(statusCmd)
}

// formatStatusEntries writes a tabular representation of sync statuses to w.
func formatStatusEntries(out io.Writer, statuses []model.SyncStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TENANT\tNAME\tSTATUS\tPAUSED\tPROGRESS\tLAST SUCCESS\tDURATION\tROWS\t+/~/-\tERROR")
	_, _ = fmt.Fprintln(w, "------\t----\t------\t------\t--------\t------------\t--------\t----\t-----\t-----")

	for _, s := range statuses {
		st := s.State
		if st == nil {
			st = &model.SyncState{}
		}

		name := s.TenantName
		if !s.HasSheet {
			name += " (no sheet)"
		}

		lastSuccess := "-"
		if st.LastSuccessAt != nil {
			lastSuccess = st.LastSuccessAt.UTC().Format("2006-01-02 15:04")
		}

		progress := "-"
		if st.IsRunning {
			progress = fmt.Sprintf("%d%%", st.ProgressPercent)
		}

		errMsg := ""
		if st.LastError != nil {
			errMsg = truncate(*st.LastError, 60)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\t%d\t%d/%d/%d\t%s\n",
			s.TenantID,
			truncate(name, 30),
			s.Status,
			st.IsPaused,
			progress,
			lastSuccess,
			formatDuration(st.SyncDurationMs),
			st.RowsProcessed,
			st.RowsInserted,
			st.RowsUpdated,
			st.RowsDeleted,
			errMsg,
		)
	}
	_ = w.Flush()
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// formatDuration renders a sync duration in milliseconds.
func formatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}
