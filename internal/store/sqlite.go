package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers so read-then-write transactions
// never hit SQLITE_BUSY on lock upgrade.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	sheet_url           TEXT,
	weekly_lead_actual  INTEGER NOT NULL DEFAULT 0,
	monthly_lead_actual INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS leads (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	account_label        TEXT NOT NULL DEFAULT '',
	fields               TEXT NOT NULL,
	row_key              TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'new',
	score                INTEGER CHECK (score BETWEEN 0 AND 100),
	converted_contact_id TEXT,
	enrolled_sequence_id TEXT,
	qualified_at         DATETIME,
	converted_at         DATETIME,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL,
	CHECK ((converted_contact_id IS NULL) = (converted_at IS NULL)),
	CHECK (status <> 'converted' OR converted_contact_id IS NOT NULL),
	CHECK (status <> 'qualified' OR qualified_at IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_leads_tenant_id ON leads(tenant_id);

CREATE TABLE IF NOT EXISTS sync_states (
	tenant_id        TEXT PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
	is_running       INTEGER NOT NULL DEFAULT 0,
	is_paused        INTEGER NOT NULL DEFAULT 0,
	started_at       DATETIME,
	last_sync_at     DATETIME,
	last_success_at  DATETIME,
	last_error       TEXT,
	row_count        INTEGER NOT NULL DEFAULT 0,
	rows_processed   INTEGER NOT NULL DEFAULT 0,
	rows_inserted    INTEGER NOT NULL DEFAULT 0,
	rows_updated     INTEGER NOT NULL DEFAULT 0,
	rows_deleted     INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	sync_duration_ms INTEGER NOT NULL DEFAULT 0,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	updated_at       DATETIME
);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	email      TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	company    TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (tenant_id, email)
);

CREATE TABLE IF NOT EXISTS suppressions (
	tenant_id TEXT NOT NULL,
	type      TEXT NOT NULL CHECK (type IN ('email', 'domain')),
	value     TEXT NOT NULL,
	reason    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, type, value)
);

CREATE TABLE IF NOT EXISTS sequences (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sequence_steps (
	sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
	step_order  INTEGER NOT NULL,
	delay_days  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (sequence_id, step_order)
);

CREATE TABLE IF NOT EXISTS enrollments (
	id                     TEXT PRIMARY KEY,
	sequence_id            TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
	contact_id             TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	tenant_id              TEXT NOT NULL,
	status                 TEXT NOT NULL DEFAULT 'active',
	current_step           INTEGER NOT NULL DEFAULT 0,
	next_step_scheduled_at DATETIME NOT NULL,
	enrolled_at            DATETIME NOT NULL,
	UNIQUE (sequence_id, contact_id)
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Tenants ---

const tenantColumns = `id, name, sheet_url, weekly_lead_actual, monthly_lead_actual`

func scanSQLiteTenant(row scannable) (*model.Tenant, error) {
	var t model.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.SheetURL, &t.WeeklyLeadActual, &t.MonthlyLeadActual); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	t, err := scanSQLiteTenant(s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("tenant", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get tenant %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) FindTenantByName(ctx context.Context, name string) (*model.Tenant, error) {
	t, err := scanSQLiteTenant(s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE lower(name) = lower(?) ORDER BY id LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("tenant", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find tenant %q", name)
	}
	return t, nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY name, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tenants")
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		t, err := scanSQLiteTenant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tenant")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tenants iterate")
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t model.Tenant) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, sheet_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, sheet_url = excluded.sheet_url, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.SheetURL, now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert tenant %s", t.ID)
}

// --- Sync state ---

func scanSQLiteSyncState(row scannable) (*model.SyncState, error) {
	var st model.SyncState
	err := row.Scan(
		&st.TenantID, &st.IsRunning, &st.IsPaused, &st.StartedAt, &st.LastSyncAt, &st.LastSuccessAt,
		&st.LastError, &st.RowCount, &st.RowsProcessed, &st.RowsInserted, &st.RowsUpdated, &st.RowsDeleted,
		&st.ErrorCount, &st.RetryCount, &st.SyncDurationMs, &st.ProgressPercent, &st.ProgressMessage,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) BeginSync(ctx context.Context, tenantID string, at time.Time) (*model.SyncState, error) {
	var st *model.SyncState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sync_states (tenant_id, is_running, started_at, progress_percent, progress_message, updated_at)
			 VALUES (?1, 1, ?2, 0, 'starting', ?2)
			 ON CONFLICT (tenant_id) DO UPDATE SET
				is_running = 1, started_at = excluded.started_at, progress_percent = 0,
				progress_message = excluded.progress_message, updated_at = excluded.updated_at
			 WHERE sync_states.is_running = 0 AND sync_states.is_paused = 0`,
			tenantID, at,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: begin sync %s", tenantID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if st, err = getSQLiteSyncState(ctx, tx, tenantID); err != nil {
			return err
		}
		if n == 0 {
			return beginConflict(tenantID, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, tenantID string, percent int, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET progress_percent = ?, progress_message = ?, updated_at = ? WHERE tenant_id = ?`,
		percent, message, time.Now().UTC(), tenantID,
	)
	return eris.Wrapf(err, "sqlite: update progress %s", tenantID)
}

func (s *SQLiteStore) CommitSync(ctx context.Context, c SyncCommit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range c.Deletes {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM leads WHERE tenant_id = ? AND id = ?`, c.TenantID, id,
			); err != nil {
				return eris.Wrapf(err, "sqlite: delete lead %s", id)
			}
		}

		for _, l := range c.Inserts {
			fields, err := json.Marshal(l.Fields)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal fields for lead %s", l.ID)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO leads (id, tenant_id, account_label, fields, row_key, status, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				l.ID, l.TenantID, l.AccountLabel, string(fields), l.RowKey, string(l.Status), l.CreatedAt, l.UpdatedAt,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert lead %s", l.ID)
			}
		}

		for _, l := range c.Updates {
			fields, err := json.Marshal(l.Fields)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal fields for lead %s", l.ID)
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE leads SET account_label = ?, fields = ?, row_key = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
				l.AccountLabel, string(fields), l.RowKey, l.UpdatedAt, l.ID, c.TenantID,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: update lead %s", l.ID)
			}
			if err := checkRowsAffected(res, "lead", l.ID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tenants SET weekly_lead_actual = ?, monthly_lead_actual = ?, updated_at = ? WHERE id = ?`,
			c.Weekly, c.Monthly, c.Outcome.FinishedAt, c.TenantID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: update actuals for %s", c.TenantID)
		}

		o := c.Outcome
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_states SET is_running = 0, last_sync_at = ?2, last_success_at = ?2, last_error = NULL,
				row_count = ?3, rows_processed = ?4, rows_inserted = ?5, rows_updated = ?6, rows_deleted = ?7,
				retry_count = ?8, sync_duration_ms = ?9, progress_percent = 100, progress_message = 'complete',
				updated_at = ?2
			 WHERE tenant_id = ?1`,
			c.TenantID, o.FinishedAt, o.RowCount, o.RowsProcessed, o.RowsInserted, o.RowsUpdated, o.RowsDeleted,
			o.RetryCount, o.SyncDurationMs,
		); err != nil {
			return eris.Wrapf(err, "sqlite: complete sync state for %s", c.TenantID)
		}
		return nil
	})
}

func (s *SQLiteStore) FailSync(ctx context.Context, f SyncFailure) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET is_running = 0, last_sync_at = ?2, last_error = ?3,
			error_count = error_count + 1, retry_count = ?4, sync_duration_ms = ?5,
			progress_message = 'failed', updated_at = ?2
		 WHERE tenant_id = ?1`,
		f.TenantID, f.At, f.Message, f.RetryCount, f.DurationMs,
	)
	return eris.Wrapf(err, "sqlite: fail sync %s", f.TenantID)
}

func (s *SQLiteStore) GetSyncState(ctx context.Context, tenantID string) (*model.SyncState, error) {
	return getSQLiteSyncState(ctx, s.db, tenantID)
}

func getSQLiteSyncState(ctx context.Context, q sqlQuerier, tenantID string) (*model.SyncState, error) {
	st, err := scanSQLiteSyncState(q.QueryRowContext(ctx,
		`SELECT `+syncColumns+` FROM sync_states WHERE tenant_id = ?`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sync state %s", tenantID)
	}
	return st, nil
}

func (s *SQLiteStore) ListSyncStates(ctx context.Context) ([]model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+syncColumns+` FROM sync_states ORDER BY tenant_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync states")
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		st, err := scanSQLiteSyncState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync state")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sync states iterate")
}

func (s *SQLiteStore) SetPaused(ctx context.Context, tenantID string, paused bool) (*model.SyncState, error) {
	var st *model.SyncState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_states (tenant_id, is_paused, updated_at) VALUES (?1, ?2, ?3)
			 ON CONFLICT (tenant_id) DO UPDATE SET is_paused = excluded.is_paused, updated_at = excluded.updated_at`,
			tenantID, paused, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: set paused %s", tenantID)
		}
		var err error
		st, err = getSQLiteSyncState(ctx, tx, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) ClearSheet(ctx context.Context, tenantID string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var running bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_running FROM sync_states WHERE tenant_id = ?`, tenantID,
		).Scan(&running)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(err, "sqlite: read sync state %s", tenantID)
		}
		if running {
			return model.Conflictf("sync running for tenant %s; sheet not cleared", tenantID)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE tenants SET sheet_url = NULL, weekly_lead_actual = 0, monthly_lead_actual = 0, updated_at = ?
			 WHERE id = ?`,
			at, tenantID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: clear sheet url %s", tenantID)
		}
		if n, err := res.RowsAffected(); err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		} else if n == 0 {
			return model.NotFoundf("tenant", tenantID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM leads WHERE tenant_id = ?`, tenantID); err != nil {
			return eris.Wrapf(err, "sqlite: delete leads %s", tenantID)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_states (tenant_id, last_sync_at, last_success_at, progress_percent, progress_message, updated_at)
			 VALUES (?1, ?2, ?2, 100, 'sheet cleared', ?2)
			 ON CONFLICT (tenant_id) DO UPDATE SET
				is_running = 0, last_sync_at = ?2, last_success_at = ?2, last_error = NULL,
				row_count = 0, rows_processed = 0, rows_inserted = 0, rows_updated = 0, rows_deleted = 0,
				error_count = 0, retry_count = 0, sync_duration_ms = 0,
				progress_percent = 100, progress_message = 'sheet cleared', updated_at = ?2`,
			tenantID, at,
		); err != nil {
			return eris.Wrapf(err, "sqlite: reset sync state %s", tenantID)
		}
		return nil
	})
}

func (s *SQLiteStore) RecoverInterrupted(ctx context.Context, message string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET is_running = 0, last_sync_at = ?2, last_error = ?1,
			error_count = error_count + 1, progress_message = 'interrupted', updated_at = ?2
		 WHERE is_running = 1`,
		message, at,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: recover interrupted syncs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Leads ---

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var fields, status string
	err := row.Scan(
		&l.ID, &l.TenantID, &l.AccountLabel, &fields, &l.RowKey, &status, &l.Score,
		&l.ConvertedContactID, &l.EnrolledSequenceID, &l.QualifiedAt, &l.ConvertedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = model.LeadStatus(status)
	if err := json.Unmarshal([]byte(fields), &l.Fields); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal fields for lead %s", l.ID)
	}
	return &l, nil
}

func getSQLiteLead(ctx context.Context, q sqlQuerier, id string) (*model.Lead, error) {
	l, err := scanSQLiteLead(q.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("lead", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	return l, nil
}

// updateLead runs a single-lead UPDATE and rereads the row in the same tx.
func (s *SQLiteStore) updateLead(ctx context.Context, id, op, query string, args ...any) (*model.Lead, error) {
	var l *model.Lead
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return eris.Wrapf(err, "sqlite: %s %s", op, id)
		}
		if err := checkRowsAffected(res, "lead", id); err != nil {
			return err
		}
		l, err = getSQLiteLead(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	return getSQLiteLead(ctx, s.db, id)
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if !filter.Since.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY tenant_id, created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) SaveScore(ctx context.Context, id string, score int, qualify bool, at time.Time) (*model.Lead, error) {
	return s.updateLead(ctx, id, "save score",
		`UPDATE leads SET score = ?2,
			qualified_at = CASE WHEN ?3 AND status = 'new' THEN COALESCE(qualified_at, ?4) ELSE qualified_at END,
			status = CASE WHEN ?3 AND status = 'new' THEN 'qualified' ELSE status END,
			updated_at = ?4
		 WHERE id = ?1`,
		id, score, qualify, at,
	)
}

func (s *SQLiteStore) SetLeadStatus(ctx context.Context, id string, status model.LeadStatus, at time.Time) (*model.Lead, error) {
	return s.updateLead(ctx, id, "set lead status",
		`UPDATE leads SET status = ?2,
			qualified_at = CASE WHEN ?2 = 'qualified' THEN COALESCE(qualified_at, ?3) ELSE qualified_at END,
			updated_at = ?3
		 WHERE id = ?1`,
		id, string(status), at,
	)
}

func (s *SQLiteStore) MarkLeadConverted(ctx context.Context, id, contactID string, at time.Time) (*model.Lead, error) {
	var l *model.Lead
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE leads SET converted_contact_id = ?2, converted_at = ?3, status = 'converted', updated_at = ?3
			 WHERE id = ?1 AND converted_contact_id IS NULL`,
			id, contactID, at,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark lead converted %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		l, err = getSQLiteLead(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return model.NewError(model.CodeAlreadyConverted, "lead already converted: "+id, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *SQLiteStore) MarkLeadEnrolled(ctx context.Context, id, sequenceID string, at time.Time) (*model.Lead, error) {
	return s.updateLead(ctx, id, "mark lead enrolled",
		`UPDATE leads SET enrolled_sequence_id = ?2, status = 'nurturing', updated_at = ?3
		 WHERE id = ?1 AND converted_contact_id IS NOT NULL`,
		id, sequenceID, at,
	)
}

// --- Outreach ---

func scanSQLiteContact(row scannable) (*model.Contact, error) {
	var c model.Contact
	if err := row.Scan(&c.ID, &c.TenantID, &c.Email, &c.Name, &c.Company, &c.Title, &c.Phone, &c.Source, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) FindContact(ctx context.Context, tenantID, email string) (*model.Contact, error) {
	return findSQLiteContact(ctx, s.db, tenantID, email)
}

func findSQLiteContact(ctx context.Context, q sqlQuerier, tenantID, email string) (*model.Contact, error) {
	c, err := scanSQLiteContact(q.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id = ? AND email = ?`,
		tenantID, model.NormalizeEmail(email),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find contact for tenant %s", tenantID)
	}
	return c, nil
}

func (s *SQLiteStore) CreateContact(ctx context.Context, tenantID string, attrs model.ContactAttrs) (*model.Contact, bool, error) {
	email := model.NormalizeEmail(attrs.Email)
	var c *model.Contact
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, email) DO NOTHING`,
			uuid.NewString(), tenantID, email, attrs.Name, attrs.Company, attrs.Title, attrs.Phone, attrs.Source, time.Now().UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: create contact for tenant %s", tenantID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		created = n > 0
		if c, err = findSQLiteContact(ctx, tx, tenantID, email); err != nil {
			return err
		}
		if c == nil {
			return eris.Errorf("sqlite: contact %s missing after insert", email)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, created, nil
}

func (s *SQLiteStore) FindSuppressions(ctx context.Context, tenantID string, emails, domains []string) ([]model.Suppression, error) {
	var out []model.Suppression
	lookup := func(typ model.SuppressionType, values []string) error {
		for _, v := range lowerAll(values) {
			var sp model.Suppression
			err := s.db.QueryRowContext(ctx,
				`SELECT tenant_id, type, value, reason FROM suppressions WHERE tenant_id = ? AND type = ? AND value = ?`,
				tenantID, string(typ), v,
			).Scan(&sp.TenantID, &sp.Type, &sp.Value, &sp.Reason)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: find suppression for tenant %s", tenantID)
			}
			out = append(out, sp)
		}
		return nil
	}
	if err := lookup(model.SuppressionDomain, domains); err != nil {
		return nil, err
	}
	if err := lookup(model.SuppressionEmail, emails); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) AddSuppression(ctx context.Context, sp model.Suppression) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suppressions (tenant_id, type, value, reason) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, type, value) DO UPDATE SET reason = excluded.reason`,
		sp.TenantID, string(sp.Type), model.NormalizeEmail(sp.Value), sp.Reason,
	)
	return eris.Wrapf(err, "sqlite: add suppression for tenant %s", sp.TenantID)
}

func (s *SQLiteStore) FindSequence(ctx context.Context, tenantID, sequenceID string) (*model.Sequence, error) {
	var seq model.Sequence
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name FROM sequences WHERE id = ? AND tenant_id = ?`,
		sequenceID, tenantID,
	).Scan(&seq.ID, &seq.TenantID, &seq.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("sequence", sequenceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find sequence %s", sequenceID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_order, delay_days FROM sequence_steps WHERE sequence_id = ? ORDER BY step_order`,
		sequenceID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list steps for sequence %s", sequenceID)
	}
	defer rows.Close()
	for rows.Next() {
		var step model.SequenceStep
		if err := rows.Scan(&step.StepOrder, &step.DelayDays); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sequence step")
		}
		seq.Steps = append(seq.Steps, step)
	}
	return &seq, eris.Wrap(rows.Err(), "sqlite: list steps iterate")
}

func (s *SQLiteStore) SaveSequence(ctx context.Context, seq model.Sequence) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sequences (id, tenant_id, name) VALUES (?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, name = excluded.name`,
			seq.ID, seq.TenantID, seq.Name,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save sequence %s", seq.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sequence_steps WHERE sequence_id = ?`, seq.ID); err != nil {
			return eris.Wrapf(err, "sqlite: clear steps for sequence %s", seq.ID)
		}
		for _, step := range seq.Steps {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sequence_steps (sequence_id, step_order, delay_days) VALUES (?, ?, ?)`,
				seq.ID, step.StepOrder, step.DelayDays,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert step %d for sequence %s", step.StepOrder, seq.ID)
			}
		}
		return nil
	})
}

func scanSQLiteEnrollment(row scannable) (*model.Enrollment, error) {
	var e model.Enrollment
	var status string
	if err := row.Scan(&e.ID, &e.SequenceID, &e.ContactID, &e.TenantID, &status, &e.CurrentStep,
		&e.NextStepScheduledAt, &e.EnrolledAt); err != nil {
		return nil, err
	}
	e.Status = model.EnrollmentStatus(status)
	return &e, nil
}

func (s *SQLiteStore) FindEnrollment(ctx context.Context, sequenceID, contactID string) (*model.Enrollment, error) {
	return findSQLiteEnrollment(ctx, s.db, sequenceID, contactID)
}

func findSQLiteEnrollment(ctx context.Context, q sqlQuerier, sequenceID, contactID string) (*model.Enrollment, error) {
	e, err := scanSQLiteEnrollment(q.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE sequence_id = ? AND contact_id = ?`,
		sequenceID, contactID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find enrollment %s/%s", sequenceID, contactID)
	}
	return e, nil
}

func (s *SQLiteStore) CreateEnrollment(ctx context.Context, e model.Enrollment) (*model.Enrollment, bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var out *model.Enrollment
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO enrollments (`+enrollmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (sequence_id, contact_id) DO NOTHING`,
			e.ID, e.SequenceID, e.ContactID, e.TenantID, string(e.Status), e.CurrentStep, e.NextStepScheduledAt, e.EnrolledAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: create enrollment %s/%s", e.SequenceID, e.ContactID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		created = n > 0
		out, err = findSQLiteEnrollment(ctx, tx, e.SequenceID, e.ContactID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return model.NotFoundf(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
