package leads

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/store"
	"github.com/sells-group/leadsync/internal/tabular"
)

func intPtr(n int) *int { return &n }

func TestExportRows(t *testing.T) {
	leads := []model.Lead{
		{
			AccountLabel: "Inbound",
			Fields:       model.Fields{{Key: "Name", Value: "Jane, Doe"}, {Key: "Notes", Value: "said \"hi\"\nthen left"}},
			Status:       model.LeadStatusQualified,
			Score:        intPtr(80),
		},
		{
			AccountLabel: "Inbound",
			Fields:       model.Fields{{Key: "Company", Value: "Acme"}, {Key: "Name", Value: "Bob"}},
			Status:       model.LeadStatusNew,
		},
	}

	rows := ExportRows(leads)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Account", "Name", "Notes", "Company", "Lead Status", "Lead Score"}, rows[0])
	assert.Equal(t, []string{"Inbound", "Jane, Doe", "said \"hi\"\nthen left", "", "qualified", "80"}, rows[1])
	assert.Equal(t, []string{"Inbound", "Bob", "", "Acme", "new", ""}, rows[2])
}

func TestExportRows_RepeatedHeaders(t *testing.T) {
	rows := ExportRows([]model.Lead{
		{
			AccountLabel: "A",
			Fields:       model.Fields{{Key: "Name", Value: "Jane"}, {Key: "Notes", Value: "first"}, {Key: "Notes", Value: "second"}},
			Status:       model.LeadStatusNew,
		},
		{
			AccountLabel: "A",
			Fields:       model.Fields{{Key: "Notes", Value: "only"}, {Key: "Name", Value: "Bob"}, {Key: "notes", Value: "lower"}},
			Status:       model.LeadStatusNew,
		},
	})
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Account", "Name", "Notes", "Notes", "notes", "Lead Status", "Lead Score"}, rows[0])
	assert.Equal(t, []string{"A", "Jane", "first", "second", "", "new", ""}, rows[1])
	assert.Equal(t, []string{"A", "Bob", "only", "", "lower", "new", ""}, rows[2])
}

func TestExportRows_RoundTrip(t *testing.T) {
	rows := ExportRows([]model.Lead{{
		AccountLabel: "A",
		Fields:       model.Fields{{Key: "Name", Value: "x,\"y\"\r\nz"}},
		Status:       model.LeadStatusNew,
	}})
	text, err := tabular.Serialize(rows)
	require.NoError(t, err)
	assert.Equal(t, rows, tabular.Parse(text))
}

func TestAggregate(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // Wednesday
	leads := []model.Lead{
		{Status: model.LeadStatusNew, Fields: model.Fields{{Key: "Date", Value: "02.03.26"}, {Key: "Channel", Value: "Referral"}}},
		{Status: model.LeadStatusQualified, Fields: model.Fields{{Key: "Date", Value: "2026-03-20"}, {Key: "channel", Value: "referral"}}},
		{Status: model.LeadStatusNew, Fields: model.Fields{{Key: "Date", Value: "15.02.2026"}, {Key: "Channel", Value: "Website"}}},
		{Status: model.LeadStatusClosed, Fields: model.Fields{{Key: "Date", Value: "soon"}}},
	}

	agg := Aggregate(leads, now)
	assert.Equal(t, 4, agg.Total)
	assert.Equal(t, 1, agg.Weekly)
	assert.Equal(t, 2, agg.Monthly)
	assert.Equal(t, 2, agg.ByStatus["new"])
	assert.Equal(t, 0, agg.ByStatus["converted"])
	require.Len(t, agg.ByChannel, 3)
	assert.Equal(t, Count{Key: "referral", Count: 2}, agg.ByChannel[0])
	assert.Equal(t, Count{Key: UnspecifiedChannel, Count: 1}, agg.ByChannel[1])
	assert.Equal(t, Count{Key: "website", Count: 1}, agg.ByChannel[2])
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "leads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	url := "https://docs.google.com/spreadsheets/d/abcdefghijklmnopqrstuvwxyz/edit"
	require.NoError(t, st.UpsertTenant(ctx, model.Tenant{ID: "t1", Name: "Acme", SheetURL: &url}))
	now := time.Now().UTC()
	_, err = st.BeginSync(ctx, "t1", now)
	require.NoError(t, err)
	require.NoError(t, st.CommitSync(ctx, store.SyncCommit{
		TenantID: "t1",
		Inserts: []model.Lead{{
			ID: "l1", TenantID: "t1", AccountLabel: "Acme",
			Fields: model.Fields{{Key: "Name", Value: "Jane"}, {Key: "Email", Value: "jane@x.com"}},
			RowKey: "k1", Status: model.LeadStatusNew, CreatedAt: now, UpdatedAt: now,
		}},
		Outcome: model.SyncOutcome{FinishedAt: now},
	}))
	return NewService(st), st
}

func TestService_SetStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	l, err := svc.SetStatus(ctx, "l1", "nurturing")
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusNurturing, l.Status)

	_, err = svc.SetStatus(ctx, "l1", "won")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeValidation))

	_, err = svc.SetStatus(ctx, "l1", "converted")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeValidation))

	_, err = svc.SetStatus(ctx, "nope", "closed")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeNotFound))

	_, err = svc.SetStatus(ctx, " ", "closed")
	assert.True(t, model.IsCode(err, model.CodeValidation))
}

func TestService_ExportCSV(t *testing.T) {
	svc, _ := newTestService(t)

	var buf bytes.Buffer
	n, err := svc.ExportCSV(context.Background(), &buf, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "Account,Name,Email,Lead Status,Lead Score\nAcme,Jane,jane@x.com,new,\n", buf.String())
}

func TestService_ListAndAggregations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	all, err := svc.List(ctx, "", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	none, err := svc.List(ctx, "other", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, none)

	agg, err := svc.Aggregations(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", agg.TenantID)
	assert.Equal(t, 1, agg.Total)
	assert.Equal(t, 1, agg.ByStatus["new"])
}

func TestService_ReadsEveryLead(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "many.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertTenant(ctx, model.Tenant{ID: "t1", Name: "Acme"}))

	const total = 10005
	now := time.Now().UTC()
	inserts := make([]model.Lead, total)
	for i := range inserts {
		inserts[i] = model.Lead{
			ID: fmt.Sprintf("l%05d", i), TenantID: "t1", AccountLabel: "Acme",
			Fields: model.Fields{{Key: "Name", Value: fmt.Sprintf("Lead %d", i)}, {Key: "Channel", Value: "Referral"}},
			RowKey: fmt.Sprintf("k%05d", i), Status: model.LeadStatusNew, CreatedAt: now, UpdatedAt: now,
		}
	}
	_, err = st.BeginSync(ctx, "t1", now)
	require.NoError(t, err)
	require.NoError(t, st.CommitSync(ctx, store.SyncCommit{TenantID: "t1", Inserts: inserts, Outcome: model.SyncOutcome{FinishedAt: now}}))

	svc := NewService(st)
	agg, err := svc.Aggregations(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, total, agg.Total)
	assert.Equal(t, []Count{{Key: "referral", Count: total}}, agg.ByChannel)

	var buf bytes.Buffer
	n, err := svc.ExportCSV(ctx, &buf, "t1")
	require.NoError(t, err)
	assert.Equal(t, total, n)
	assert.Len(t, tabular.Parse(buf.String()), total+1)
}
