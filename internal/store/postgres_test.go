package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var syncStateCols = []string{
	"tenant_id", "is_running", "is_paused", "started_at", "last_sync_at", "last_success_at",
	"last_error", "row_count", "rows_processed", "rows_inserted", "rows_updated", "rows_deleted",
	"error_count", "retry_count", "sync_duration_ms", "progress_percent", "progress_message",
}

func syncStateRows(tenantID string, running, paused bool, started *time.Time) *pgxmock.Rows {
	var none *time.Time
	var noErr *string
	return pgxmock.NewRows(syncStateCols).AddRow(
		tenantID, running, paused, started, none, none,
		noErr, 0, 0, 0, 0, 0,
		0, 0, int64(0), 0, "starting",
	)
}

func TestPostgresStore_GetTenant_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM tenants WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTenant(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTenant(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	url := "https://docs.google.com/spreadsheets/d/abc/edit"

	mock.ExpectQuery(`FROM tenants WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "sheet_url", "weekly_lead_actual", "monthly_lead_actual"}).
			AddRow("t1", "Acme", &url, 3, 9))

	got, err := s.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.True(t, got.HasSheet())
	assert.Equal(t, 9, got.MonthlyLeadActual)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginSync(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)INSERT INTO sync_states .* WHERE sync_states.is_running = false AND sync_states.is_paused = false`).
		WithArgs("t1", now).
		WillReturnRows(syncStateRows("t1", true, false, &now))

	st, err := s.BeginSync(context.Background(), "t1", now)
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	assert.Equal(t, model.SyncPhaseRunning, st.Phase())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginSync_AlreadyRunning(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO sync_states`).
		WithArgs("t1", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM sync_states WHERE tenant_id = \$1`).
		WithArgs("t1").
		WillReturnRows(syncStateRows("t1", true, false, &now))

	_, err := s.BeginSync(context.Background(), "t1", now)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConflict))
	assert.Contains(t, err.Error(), "already running")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginSync_Paused(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO sync_states`).
		WithArgs("t1", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM sync_states WHERE tenant_id = \$1`).
		WithArgs("t1").
		WillReturnRows(syncStateRows("t1", false, true, nil))

	_, err := s.BeginSync(context.Background(), "t1", now)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConflict))
	assert.Contains(t, err.Error(), "paused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSyncState_NeverSynced(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM sync_states WHERE tenant_id = \$1`).
		WithArgs("t1").
		WillReturnError(pgx.ErrNoRows)

	st, err := s.GetSyncState(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testCommit(now time.Time) SyncCommit {
	return SyncCommit{
		TenantID: "t1",
		Inserts: []model.Lead{{
			ID: "new-1", TenantID: "t1", Fields: model.Fields{{Key: "Email", Value: "a@x.com"}},
			RowKey: "email:aa", Status: model.LeadStatusNew, CreatedAt: now, UpdatedAt: now,
		}},
		Updates: []model.Lead{{
			ID: "kept-1", TenantID: "t1", Fields: model.Fields{{Key: "Email", Value: "b@x.com"}},
			RowKey: "email:bb", Status: model.LeadStatusQualified, CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
		}},
		Deletes: []string{"gone-1"},
		Outcome: model.SyncOutcome{RowCount: 2, RowsProcessed: 2, RowsInserted: 1, RowsUpdated: 1, RowsDeleted: 1, FinishedAt: now},
		Weekly:  1,
		Monthly: 2,
	}
}

func TestPostgresStore_CommitSync(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM leads WHERE tenant_id = \$1 AND id = ANY\(\$2\)`).
		WithArgs("t1", []string{"gone-1"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"leads"}, leadInsertColumns).WillReturnResult(1)
	mock.ExpectExec(`CREATE TEMP TABLE "leads_staging"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"leads_staging"}, leadInsertColumns).WillReturnResult(1)
	mock.ExpectExec(`UPDATE "leads" AS t SET "account_label" = s."account_label", .* WHERE t."id" = s."id"`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE tenants SET weekly_lead_actual`).
		WithArgs("t1", 1, 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE sync_states SET is_running = false, last_sync_at = \$2, last_success_at = \$2`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.CommitSync(context.Background(), testCommit(now)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitSync_RollsBackOnFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM leads`).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"leads"}, leadInsertColumns).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.CommitSync(context.Background(), testCommit(now))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailSync(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE sync_states SET is_running = false, last_sync_at = \$2, last_error = \$3,\s+error_count = error_count \+ 1`).
		WithArgs("t1", now, "boom", 2, int64(1500)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FailSync(context.Background(), SyncFailure{
		TenantID: "t1", Message: "boom", At: now, DurationMs: 1500, RetryCount: 2,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClearSheet(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT is_running FROM sync_states WHERE tenant_id = \$1 FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"is_running"}).AddRow(false))
	mock.ExpectExec(`UPDATE tenants SET sheet_url = NULL`).
		WithArgs("t1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM leads WHERE tenant_id = \$1`).
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectExec(`(?s)INSERT INTO sync_states .* 'sheet cleared'`).
		WithArgs("t1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ClearSheet(context.Background(), "t1", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClearSheet_Running(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT is_running FROM sync_states`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"is_running"}).AddRow(true))
	mock.ExpectRollback()

	err := s.ClearSheet(context.Background(), "t1", time.Now())
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClearSheet_UnknownTenant(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT is_running FROM sync_states`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`UPDATE tenants SET sheet_url = NULL`).
		WithArgs("nope", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.ClearSheet(context.Background(), "nope", now)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecoverInterrupted(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`(?s)UPDATE sync_states .* WHERE is_running = true`).
		WithArgs("interrupted by restart", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.RecoverInterrupted(context.Background(), "interrupted by restart", now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkLeadConverted_Already(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE leads SET converted_contact_id = \$2`).
		WithArgs("l1", "c1", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("l1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := s.MarkLeadConverted(context.Background(), "l1", "c1", now)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeAlreadyConverted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkLeadConverted_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE leads SET converted_contact_id`).
		WithArgs("l1", "c1", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("l1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.MarkLeadConverted(context.Background(), "l1", "c1", now)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

var leadCols = []string{
	"id", "tenant_id", "account_label", "fields", "row_key", "status", "score",
	"converted_contact_id", "enrolled_sequence_id", "qualified_at", "converted_at", "created_at", "updated_at",
}

func TestPostgresStore_ListLeads_Unbounded(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM leads WHERE true AND tenant_id = \$1 ORDER BY tenant_id, created_at, id$`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(leadCols))

	leads, err := s.ListLeads(context.Background(), model.LeadFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, leads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListLeads_Limit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`ORDER BY tenant_id, created_at, id LIMIT \$2`).
		WithArgs("t1", 5).
		WillReturnRows(pgxmock.NewRows(leadCols))

	_, err := s.ListLeads(context.Background(), model.LeadFilter{TenantID: "t1", Limit: 5})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindContact_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM contacts WHERE tenant_id = \$1 AND email = \$2`).
		WithArgs("t1", "ann@example.com").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.FindContact(context.Background(), "t1", "  Ann@Example.com ")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindSuppressions_NoValues(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	got, err := s.FindSuppressions(context.Background(), "t1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindSequence_OtherTenant(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM sequences WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("seq-1", "t2").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.FindSequence(context.Background(), "t2", "seq-1")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS tenants`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
