package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyRows streams rows into table over the COPY protocol. q is usually the
// transaction of a sync commit.
func CopyRows(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := q.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy %d rows into %s", len(rows), table)
	}
	return n, nil
}

// Patch describes a batch update of existing rows matched on Key.
type Patch struct {
	Table   string
	Key     string
	Columns []string // columns present in each row, Key included
	Set     []string // columns overwritten on the target
}

func (p Patch) validate() error {
	switch {
	case p.Table == "" || p.Key == "":
		return eris.New("db: patch: table and key are required")
	case len(p.Set) == 0:
		return eris.Errorf("db: patch %s: nothing to set", p.Table)
	}
	have := make(map[string]bool, len(p.Columns))
	for _, c := range p.Columns {
		have[c] = true
	}
	if !have[p.Key] {
		return eris.Errorf("db: patch %s: key %s missing from columns", p.Table, p.Key)
	}
	for _, c := range p.Set {
		if !have[c] {
			return eris.Errorf("db: patch %s: set column %s missing from columns", p.Table, c)
		}
	}
	return nil
}

// stagingTable names the per-transaction copy target for table.
func stagingTable(table string) string {
	return table + "_staging"
}

// ApplyPatch copies rows into a transaction-scoped staging table and updates
// the matching target rows from it in one statement. Rows without a match
// are ignored. It must run inside a transaction; the staging table is dropped
// on commit.
func ApplyPatch(ctx context.Context, q Querier, p Patch, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := p.validate(); err != nil {
		return 0, err
	}

	staging := stagingTable(p.Table)
	target := pgx.Identifier{p.Table}.Sanitize()
	stage := pgx.Identifier{staging}.Sanitize()

	if _, err := q.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", stage, target,
	)); err != nil {
		return 0, eris.Wrapf(err, "db: patch %s: create staging table", p.Table)
	}
	if _, err := CopyRows(ctx, q, staging, p.Columns, rows); err != nil {
		return 0, err
	}

	tag, err := q.Exec(ctx, patchSQL(p, target, stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: patch %s: update from staging", p.Table)
	}
	return tag.RowsAffected(), nil
}

func patchSQL(p Patch, target, stage string) string {
	sets := make([]string, len(p.Set))
	for i, c := range p.Set {
		col := pgx.Identifier{c}.Sanitize()
		sets[i] = fmt.Sprintf("%s = s.%s", col, col)
	}
	key := pgx.Identifier{p.Key}.Sanitize()
	return fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE t.%s = s.%s",
		target, strings.Join(sets, ", "), stage, key, key)
}
