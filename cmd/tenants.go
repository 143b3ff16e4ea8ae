package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadsync/internal/model"
)

// seedFile is the YAML layout accepted by "tenants import".
type seedFile struct {
	Tenants      []seedTenant      `yaml:"tenants"`
	Sequences    []seedSequence    `yaml:"sequences"`
	Suppressions []seedSuppression `yaml:"suppressions"`
}

type seedTenant struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	SheetURL string `yaml:"sheet_url"`
}

type seedSequence struct {
	ID       string     `yaml:"id"`
	TenantID string     `yaml:"tenant_id"`
	Name     string     `yaml:"name"`
	Steps    []seedStep `yaml:"steps"`
}

type seedStep struct {
	StepOrder int `yaml:"step_order"`
	DelayDays int `yaml:"delay_days"`
}

type seedSuppression struct {
	TenantID string `yaml:"tenant_id"`
	Type     string `yaml:"type"`
	Value    string `yaml:"value"`
	Reason   string `yaml:"reason"`
}

// seedStore is the slice of the store a seed import writes to.
type seedStore interface {
	UpsertTenant(ctx context.Context, t model.Tenant) error
	SaveSequence(ctx context.Context, seq model.Sequence) error
	AddSuppression(ctx context.Context, s model.Suppression) error
}

// seedCounts reports what an import wrote.
type seedCounts struct {
	Tenants      int
	Sequences    int
	Suppressions int
}

// parseSeed decodes and validates a seed document. Unknown keys are errors.
func parseSeed(r io.Reader) (*seedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed seedFile
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, eris.Wrap(err, "decode seed file")
	}

	var errs []string
	tenants := make(map[string]bool, len(seed.Tenants))
	for i, t := range seed.Tenants {
		id := strings.TrimSpace(t.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Sprintf("tenants[%d]: id is required", i))
		case tenants[id]:
			errs = append(errs, fmt.Sprintf("tenants[%d]: duplicate id %q", i, id))
		}
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d]: name is required", i))
		}
		tenants[id] = true
	}
	for i, s := range seed.Sequences {
		if strings.TrimSpace(s.TenantID) == "" {
			errs = append(errs, fmt.Sprintf("sequences[%d]: tenant_id is required", i))
		}
		for j, step := range s.Steps {
			if step.DelayDays < 0 {
				errs = append(errs, fmt.Sprintf("sequences[%d].steps[%d]: delay_days must not be negative", i, j))
			}
		}
	}
	for i, s := range seed.Suppressions {
		if strings.TrimSpace(s.TenantID) == "" {
			errs = append(errs, fmt.Sprintf("suppressions[%d]: tenant_id is required", i))
		}
		switch model.SuppressionType(s.Type) {
		case model.SuppressionEmail, model.SuppressionDomain:
		default:
			errs = append(errs, fmt.Sprintf("suppressions[%d]: type must be email or domain", i))
		}
		if strings.TrimSpace(s.Value) == "" {
			errs = append(errs, fmt.Sprintf("suppressions[%d]: value is required", i))
		}
	}

	if len(errs) > 0 {
		return nil, eris.Errorf("invalid seed file: %s", strings.Join(errs, "; "))
	}
	return &seed, nil
}

// applySeed writes tenants first so sequences and suppressions can reference
// them. Sequences without an id get a generated one.
func applySeed(ctx context.Context, st seedStore, seed *seedFile) (seedCounts, error) {
	var n seedCounts

	for _, t := range seed.Tenants {
		tenant := model.Tenant{ID: strings.TrimSpace(t.ID), Name: strings.TrimSpace(t.Name)}
		if u := strings.TrimSpace(t.SheetURL); u != "" {
			tenant.SheetURL = &u
		}
		if err := st.UpsertTenant(ctx, tenant); err != nil {
			return n, eris.Wrapf(err, "import tenant %s", tenant.ID)
		}
		n.Tenants++
	}

	for _, s := range seed.Sequences {
		seq := model.Sequence{ID: strings.TrimSpace(s.ID), TenantID: strings.TrimSpace(s.TenantID), Name: s.Name}
		if seq.ID == "" {
			seq.ID = uuid.NewString()
		}
		for _, step := range s.Steps {
			seq.Steps = append(seq.Steps, model.SequenceStep{StepOrder: step.StepOrder, DelayDays: step.DelayDays})
		}
		if err := st.SaveSequence(ctx, seq); err != nil {
			return n, eris.Wrapf(err, "import sequence %s", seq.ID)
		}
		n.Sequences++
	}

	for _, s := range seed.Suppressions {
		sp := model.Suppression{
			TenantID: strings.TrimSpace(s.TenantID),
			Type:     model.SuppressionType(s.Type),
			Value:    s.Value,
			Reason:   s.Reason,
		}
		if err := st.AddSuppression(ctx, sp); err != nil {
			return n, eris.Wrapf(err, "import %s suppression %s", sp.Type, sp.Value)
		}
		n.Suppressions++
	}
	return n, nil
}

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants",
}

var tenantsImportCmd = &cobra.Command{
	Use:   "import <seed.yaml>",
	Short: "Upsert tenants, sequences and suppressions from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close() //nolint:errcheck

		seed, err := parseSeed(f)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		n, err := applySeed(ctx, st, seed)
		if err != nil {
			return err
		}
		zap.L().Info("seed imported",
			zap.Int("tenants", n.Tenants),
			zap.Int("sequences", n.Sequences),
			zap.Int("suppressions", n.Suppressions),
		)
		return nil
	},
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants and their sheets",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tenants, err := st.ListTenants(ctx)
		if err != nil {
			return eris.Wrap(err, "list tenants")
		}
		formatTenants(cmd.OutOrStdout(), tenants)
		return nil
	},
}

func formatTenants(out io.Writer, tenants []model.Tenant) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tWEEKLY\tMONTHLY\tSHEET")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t-----")
	for _, t := range tenants {
		sheet := "-"
		if t.HasSheet() {
			sheet = truncate(*t.SheetURL, 70)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", t.ID, t.Name, t.WeeklyLeadActual, t.MonthlyLeadActual, sheet)
	}
	_ = w.Flush()
}

func init() {
	tenantsCmd.AddCommand(tenantsImportCmd, tenantsListCmd)
	rootCmd.AddCommand(tenantsCmd)
}
