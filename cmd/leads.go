package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	scoreTenant string
	scoreLead   string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score leads and qualify those above the threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (scoreTenant == "") == (scoreLead == "") {
			return eris.New("exactly one of --tenant or --lead is required")
		}
		ctx := cmd.Context()

		env, err := initEnv(ctx, "score")
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		if scoreLead != "" {
			l, err := env.Scorer.ScoreLead(ctx, scoreLead)
			if err != nil {
				return err
			}
			score := 0
			if l.Score != nil {
				score = *l.Score
			}
			_, _ = fmt.Fprintf(out, "lead %s: score %d, status %s\n", l.ID, score, l.Status)
			return nil
		}

		tenantID, err := env.resolveTenant(ctx, scoreTenant)
		if err != nil {
			return err
		}
		sum, err := env.Scorer.ScoreTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "tenant %s: scored %d, newly qualified %d, failed %d\n",
			tenantID, sum.Scored, sum.Qualified, sum.Failed)
		return nil
	},
}

var (
	convertTenant   string
	convertSequence string
)

var convertCmd = &cobra.Command{
	Use:   "convert <lead-id>...",
	Short: "Convert leads into contacts and optionally enroll them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "convert")
		if err != nil {
			return err
		}
		defer env.Close()

		tenantID, err := env.resolveTenant(ctx, convertTenant)
		if err != nil {
			return err
		}
		res, err := env.Converter.BulkConvert(ctx, tenantID, args, convertSequence)
		if err != nil {
			return eris.Wrap(err, "convert leads")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "write conversion report")
		}
		if res.Errored > 0 {
			return eris.Errorf("%d lead(s) failed to convert", res.Errored)
		}
		return nil
	},
}

var (
	exportTenant string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export leads as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "export")
		if err != nil {
			return err
		}
		defer env.Close()

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", exportOut)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		tenantID, err := env.resolveTenant(ctx, exportTenant)
		if err != nil {
			return err
		}
		n, err := env.Leads.ExportCSV(ctx, w, tenantID)
		if err != nil {
			return err
		}
		zap.L().Info("leads exported", zap.Int("leads", n), zap.String("out", exportOut))
		return nil
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreTenant, "tenant", "", "score every lead of a tenant")
	scoreCmd.Flags().StringVar(&scoreLead, "lead", "", "score a single lead")

	convertCmd.Flags().StringVar(&convertTenant, "tenant", "", "only convert leads owned by this tenant")
	convertCmd.Flags().StringVar(&convertSequence, "sequence", "", "enroll converted contacts in this sequence")

	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "export a single tenant (default all)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")

	rootCmd.AddCommand(scoreCmd, convertCmd, exportCmd)
}
