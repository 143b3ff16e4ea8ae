package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedTenant(t *testing.T, st *SQLiteStore, id, name string) {
	t.Helper()
	url := "https://docs.google.com/spreadsheets/d/" + id + "-sheet-abcdefghijklmnop/edit"
	require.NoError(t, st.UpsertTenant(context.Background(), model.Tenant{ID: id, Name: name, SheetURL: &url}))
}

func newLead(id, tenantID, email string, at time.Time) model.Lead {
	return model.Lead{
		ID:           id,
		TenantID:     tenantID,
		AccountLabel: "Inbound",
		Fields: model.Fields{
			{Key: "Name", Value: "Ann"},
			{Key: "Email", Value: email},
			{Key: "email", Value: "dup-header"},
		},
		RowKey:    "email:" + id,
		Status:    model.LeadStatusNew,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// commitLeads runs a full begin/commit cycle inserting the given leads.
func commitLeads(t *testing.T, st *SQLiteStore, tenantID string, leads ...model.Lead) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := st.BeginSync(ctx, tenantID, now)
	require.NoError(t, err)
	require.NoError(t, st.CommitSync(ctx, SyncCommit{
		TenantID: tenantID,
		Inserts:  leads,
		Outcome:  model.SyncOutcome{RowCount: len(leads), RowsProcessed: len(leads), RowsInserted: len(leads), FinishedAt: now},
	}))
}

// --- Tenants ---

func TestSQLite_Tenants(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedTenant(t, st, "t1", "Acme Corp")
	seedTenant(t, st, "t2", "Beta LLC")

	got, err := st.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.True(t, got.HasSheet())

	byName, err := st.FindTenantByName(ctx, "acme corp")
	require.NoError(t, err)
	assert.Equal(t, "t1", byName.ID)

	all, err := st.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Acme Corp", all[0].Name)

	_, err = st.GetTenant(ctx, "missing")
	assert.True(t, model.IsCode(err, model.CodeNotFound))
	_, err = st.FindTenantByName(ctx, "Nobody")
	assert.True(t, model.IsCode(err, model.CodeNotFound))
}

// --- Sync state ---

func TestSQLite_BeginSync_MutualExclusion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")

	none, err := st.GetSyncState(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, none)

	now := time.Now().UTC()
	s1, err := st.BeginSync(ctx, "t1", now)
	require.NoError(t, err)
	assert.True(t, s1.IsRunning)
	assert.Equal(t, model.SyncPhaseRunning, s1.Phase())

	_, err = st.BeginSync(ctx, "t1", now)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConflict))
	assert.Contains(t, err.Error(), "already running")
}

func TestSQLite_BeginSync_Paused(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")

	paused, err := st.SetPaused(ctx, "t1", true)
	require.NoError(t, err)
	assert.True(t, paused.IsPaused)

	_, err = st.BeginSync(ctx, "t1", time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paused")

	resumed, err := st.SetPaused(ctx, "t1", false)
	require.NoError(t, err)
	assert.False(t, resumed.IsPaused)

	_, err = st.BeginSync(ctx, "t1", time.Now().UTC())
	require.NoError(t, err)
}

func TestSQLite_CommitSync(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")
	now := time.Now().UTC()

	commitLeads(t, st, "t1", newLead("l1", "t1", "a@x.com", now), newLead("l2", "t1", "b@x.com", now))

	// Qualify l1 so the next commit must preserve its lifecycle fields.
	_, err := st.SaveScore(ctx, "l1", 90, true, now)
	require.NoError(t, err)

	_, err = st.BeginSync(ctx, "t1", now)
	require.NoError(t, err)
	updated := newLead("l1", "t1", "a@x.com", now)
	updated.Fields = append(updated.Fields, model.Field{Key: "Notes", Value: "called"})
	require.NoError(t, st.CommitSync(ctx, SyncCommit{
		TenantID: "t1",
		Updates:  []model.Lead{updated},
		Deletes:  []string{"l2"},
		Outcome: model.SyncOutcome{
			RowCount: 1, RowsProcessed: 1, RowsUpdated: 1, RowsDeleted: 1, RetryCount: 1,
			SyncDurationMs: 42, FinishedAt: now,
		},
		Weekly:  1,
		Monthly: 1,
	}))

	leads, err := st.ListLeads(ctx, model.LeadFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	l := leads[0]
	assert.Equal(t, "l1", l.ID)
	assert.Equal(t, model.LeadStatusQualified, l.Status)
	require.NotNil(t, l.Score)
	assert.Equal(t, 90, *l.Score)
	require.Len(t, l.Fields, 4)
	assert.Equal(t, "email", l.Fields[2].Key)
	assert.Equal(t, "Notes", l.Fields[3].Key)

	state, err := st.GetSyncState(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, state.IsRunning)
	assert.Nil(t, state.LastError)
	assert.Equal(t, model.SyncPhaseSucceeded, state.Phase())
	assert.Equal(t, 1, state.RowsDeleted)
	assert.Equal(t, 1, state.RetryCount)
	assert.Equal(t, int64(42), state.SyncDurationMs)
	assert.Equal(t, 100, state.ProgressPercent)

	tenant, err := st.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, tenant.WeeklyLeadActual)
	assert.Equal(t, 1, tenant.MonthlyLeadActual)
}

func TestSQLite_CommitSync_AtomicOnFailure(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")
	now := time.Now().UTC()
	commitLeads(t, st, "t1", newLead("l1", "t1", "a@x.com", now))

	_, err := st.BeginSync(ctx, "t1", now)
	require.NoError(t, err)
	err = st.CommitSync(ctx, SyncCommit{
		TenantID: "t1",
		Inserts:  []model.Lead{newLead("l2", "t1", "b@x.com", now)},
		Updates:  []model.Lead{newLead("ghost", "t1", "c@x.com", now)},
		Deletes:  []string{"l1"},
		Outcome:  model.SyncOutcome{FinishedAt: now},
	})
	require.Error(t, err)

	leads, err := st.ListLeads(ctx, model.LeadFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "l1", leads[0].ID)
}

func TestSQLite_FailSync(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")
	now := time.Now().UTC()

	commitLeads(t, st, "t1")
	before, err := st.GetSyncState(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, before.LastSuccessAt)

	_, err = st.BeginSync(ctx, "t1", now)
	require.NoError(t, err)
	require.NoError(t, st.FailSync(ctx, SyncFailure{TenantID: "t1", Message: "fetch failed", At: now, RetryCount: 3}))

	after, err := st.GetSyncState(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, after.IsRunning)
	require.NotNil(t, after.LastError)
	assert.Equal(t, "fetch failed", *after.LastError)
	assert.Equal(t, 1, after.ErrorCount)
	assert.Equal(t, 3, after.RetryCount)
	assert.Equal(t, model.SyncPhaseFailed, after.Phase())
	require.NotNil(t, after.LastSuccessAt)
	assert.True(t, before.LastSuccessAt.Equal(*after.LastSuccessAt))
}

func TestSQLite_ClearSheet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")
	seedTenant(t, st, "t2", "Beta")
	now := time.Now().UTC()
	commitLeads(t, st, "t1", newLead("l1", "t1", "a@x.com", now))
	commitLeads(t, st, "t2", newLead("l2", "t2", "b@x.com", now))

	require.NoError(t, st.ClearSheet(ctx, "t1", now))

	tenant, err := st.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, tenant.HasSheet())
	assert.Zero(t, tenant.WeeklyLeadActual)

	leads, err := st.ListLeads(ctx, model.LeadFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, leads)

	other, err := st.ListLeads(ctx, model.LeadFilter{TenantID: "t2"})
	require.NoError(t, err)
	assert.Len(t, other, 1)

	state, err := st.GetSyncState(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncPhaseSucceeded, state.Phase())
	assert.Zero(t, state.RowCount)
}

func TestSQLite_ClearSheet_WhileRunning(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")

	_, err := st.BeginSync(ctx, "t1", time.Now().UTC())
	require.NoError(t, err)

	err = st.ClearSheet(ctx, "t1", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConflict))

	tenant, err := st.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, tenant.HasSheet())
}

func TestSQLite_ClearSheet_UnknownTenant(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.ClearSheet(context.Background(), "nope", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeNotFound))
}

func TestSQLite_RecoverInterrupted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")
	seedTenant(t, st, "t2", "Beta")

	_, err := st.BeginSync(ctx, "t1", time.Now().UTC())
	require.NoError(t, err)
	commitLeads(t, st, "t2")

	n, err := st.RecoverInterrupted(ctx, "interrupted", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	states, err := st.ListSyncStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, model.SyncPhaseFailed, states[0].Phase())
	assert.Equal(t, model.SyncPhaseSucceeded, states[1].Phase())
}

// --- Leads ---

func TestSQLite_SaveScore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")
	now := time.Now().UTC()
	commitLeads(t, st, "t1", newLead("l1", "t1", "a@x.com", now), newLead("l2", "t1", "b@x.com", now))

	low, err := st.SaveScore(ctx, "l1", 40, false, now)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusNew, low.Status)
	assert.Nil(t, low.QualifiedAt)

	high, err := st.SaveScore(ctx, "l2", 85, true, now)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusQualified, high.Status)
	require.NotNil(t, high.QualifiedAt)
	first := *high.QualifiedAt

	again, err := st.SaveScore(ctx, "l2", 95, true, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 95, *again.Score)
	assert.True(t, first.Equal(*again.QualifiedAt))

	_, err = st.SaveScore(ctx, "missing", 10, false, now)
	assert.True(t, model.IsCode(err, model.CodeNotFound))
}

func TestSQLite_SetLeadStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")
	now := time.Now().UTC()
	commitLeads(t, st, "t1", newLead("l1", "t1", "a@x.com", now))

	l, err := st.SetLeadStatus(ctx, "l1", model.LeadStatusQualified, now)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusQualified, l.Status)
	assert.NotNil(t, l.QualifiedAt)

	l, err = st.SetLeadStatus(ctx, "l1", model.LeadStatusClosed, now)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusClosed, l.Status)
	assert.NotNil(t, l.QualifiedAt)
}

func TestSQLite_ConvertAndEnroll(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", "Acme")
	now := time.Now().UTC()
	commitLeads(t, st, "t1", newLead("l1", "t1", "a@x.com", now))

	_, err := st.MarkLeadEnrolled(ctx, "l1", "seq-1", now)
	assert.True(t, model.IsCode(err, model.CodeNotFound), "enrolling requires a converted lead")

	c, created, err := st.CreateContact(ctx, "t1", model.ContactAttrs{
		Email: " A@X.com ", Name: "Ann", Source: model.ContactSourceLeadConversion,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a@x.com", c.Email)

	dup, created, err := st.CreateContact(ctx, "t1", model.ContactAttrs{Email: "a@x.com", Source: model.ContactSourceLeadConversion})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, dup.ID)

	found, err := st.FindContact(ctx, "t1", "A@x.COM")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, c.ID, found.ID)

	l, err := st.MarkLeadConverted(ctx, "l1", c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusConverted, l.Status)
	require.NotNil(t, l.ConvertedContactID)
	assert.Equal(t, c.ID, *l.ConvertedContactID)

	_, err = st.MarkLeadConverted(ctx, "l1", "other", now)
	assert.True(t, model.IsCode(err, model.CodeAlreadyConverted))
	_, err = st.MarkLeadConverted(ctx, "missing", "other", now)
	assert.True(t, model.IsCode(err, model.CodeNotFound))

	l, err = st.MarkLeadEnrolled(ctx, "l1", "seq-1", now)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusNurturing, l.Status)
	require.NotNil(t, l.EnrolledSequenceID)
	assert.Equal(t, "seq-1", *l.EnrolledSequenceID)
}

// --- Outreach ---

func TestSQLite_Suppressions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddSuppression(ctx, model.Suppression{TenantID: "t1", Type: model.SuppressionEmail, Value: "Bob@X.com", Reason: "bounced"}))
	require.NoError(t, st.AddSuppression(ctx, model.Suppression{TenantID: "t1", Type: model.SuppressionDomain, Value: "competitor.io"}))
	require.NoError(t, st.AddSuppression(ctx, model.Suppression{TenantID: "t2", Type: model.SuppressionEmail, Value: "ann@x.com"}))

	got, err := st.FindSuppressions(ctx, "t1", []string{"bob@x.com", "ann@x.com"}, []string{"x.com", "competitor.io"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.SuppressionDomain, got[0].Type)
	assert.Equal(t, model.SuppressionEmail, got[1].Type)
	assert.Equal(t, "bounced", got[1].Reason)

	none, err := st.FindSuppressions(ctx, "t1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_SequenceAndEnrollment(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seq := model.Sequence{ID: "seq-1", TenantID: "t1", Name: "Welcome", Steps: []model.SequenceStep{
		{StepOrder: 2, DelayDays: 3},
		{StepOrder: 1, DelayDays: 1},
	}}
	require.NoError(t, st.SaveSequence(ctx, seq))

	got, err := st.FindSequence(ctx, "t1", "seq-1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, 1, got.Steps[0].StepOrder)

	_, err = st.FindSequence(ctx, "t2", "seq-1")
	assert.True(t, model.IsCode(err, model.CodeNotFound))

	c, _, err := st.CreateContact(ctx, "t1", model.ContactAttrs{Email: "a@x.com", Source: model.ContactSourceLeadConversion})
	require.NoError(t, err)

	now := time.Now().UTC()
	e := model.Enrollment{
		SequenceID: "seq-1", ContactID: c.ID, TenantID: "t1", Status: model.EnrollmentActive,
		CurrentStep: 1, NextStepScheduledAt: now.Add(24 * time.Hour), EnrolledAt: now,
	}
	first, created, err := st.CreateEnrollment(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)

	second, created, err := st.CreateEnrollment(ctx, e)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	none, err := st.FindEnrollment(ctx, "seq-1", "other-contact")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}
