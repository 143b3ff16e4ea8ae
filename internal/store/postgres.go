package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/db"
	"github.com/sells-group/leadsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"get_lead":        `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`,
	"get_tenant":      `SELECT id, name, sheet_url, weekly_lead_actual, monthly_lead_actual FROM tenants WHERE id = $1`,
	"get_sync_state":  `SELECT ` + syncColumns + ` FROM sync_states WHERE tenant_id = $1`,
	"update_progress": `UPDATE sync_states SET progress_percent = $2, progress_message = $3, updated_at = now() WHERE tenant_id = $1`,
	"find_contact":    `SELECT id, tenant_id, email, name, company, title, phone, source, created_at FROM contacts WHERE tenant_id = $1 AND email = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Fields are stored as JSON, not JSONB, so header order and duplicate
// headers survive the round trip.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	sheet_url           TEXT,
	weekly_lead_actual  INTEGER NOT NULL DEFAULT 0,
	monthly_lead_actual INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tenants_lower_name ON tenants (lower(name));

CREATE TABLE IF NOT EXISTS leads (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	account_label        TEXT NOT NULL DEFAULT '',
	fields               JSON NOT NULL,
	row_key              TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'new',
	score                INTEGER CHECK (score BETWEEN 0 AND 100),
	converted_contact_id TEXT,
	enrolled_sequence_id TEXT,
	qualified_at         TIMESTAMPTZ,
	converted_at         TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((converted_contact_id IS NULL) = (converted_at IS NULL)),
	CHECK (status <> 'converted' OR converted_contact_id IS NOT NULL),
	CHECK (status <> 'qualified' OR qualified_at IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_leads_tenant_id ON leads(tenant_id);
CREATE INDEX IF NOT EXISTS idx_leads_updated_at ON leads(updated_at);

CREATE TABLE IF NOT EXISTS sync_states (
	tenant_id        TEXT PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
	is_running       BOOLEAN NOT NULL DEFAULT false,
	is_paused        BOOLEAN NOT NULL DEFAULT false,
	started_at       TIMESTAMPTZ,
	last_sync_at     TIMESTAMPTZ,
	last_success_at  TIMESTAMPTZ,
	last_error       TEXT,
	row_count        INTEGER NOT NULL DEFAULT 0,
	rows_processed   INTEGER NOT NULL DEFAULT 0,
	rows_inserted    INTEGER NOT NULL DEFAULT 0,
	rows_updated     INTEGER NOT NULL DEFAULT 0,
	rows_deleted     INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	sync_duration_ms BIGINT NOT NULL DEFAULT 0,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, email)
);

CREATE TABLE IF NOT EXISTS suppressions (
	tenant_id  TEXT NOT NULL,
	type       TEXT NOT NULL CHECK (type IN ('email', 'domain')),
	value      TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, type, value)
);

CREATE TABLE IF NOT EXISTS sequences (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	next_step_scheduled_at TIMESTAMPTZ NOT NULL,
	enrolled_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (sequence_id, contact_id)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Tenants ---

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var t model.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.SheetURL, &t.WeeklyLeadActual, &t.MonthlyLeadActual); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT id, name, sheet_url, weekly_lead_actual, monthly_lead_actual FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("tenant", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get tenant %s", id)
	}
	return t, nil
}

func (s *PostgresStore) FindTenantByName(ctx context.Context, name string) (*model.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT id, name, sheet_url, weekly_lead_actual, monthly_lead_actual FROM tenants
		 WHERE lower(name) = lower($1) ORDER BY id LIMIT 1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("tenant", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find tenant %q", name)
	}
	return t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, sheet_url, weekly_lead_actual, monthly_lead_actual FROM tenants ORDER BY name, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenants")
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tenants iterate")
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t model.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, sheet_url) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, sheet_url = EXCLUDED.sheet_url, updated_at = now()`,
		t.ID, t.Name, t.SheetURL,
	)
	return eris.Wrapf(err, "postgres: upsert tenant %s", t.ID)
}

// --- Sync state ---

func scanSyncState(row pgx.Row) (*model.SyncState, error) {
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

func (s *PostgresStore) BeginSync(ctx context.Context, tenantID string, at time.Time) (*model.SyncState, error) {
	st, err := scanSyncState(s.pool.QueryRow(ctx,
		`INSERT INTO sync_states (tenant_id, is_running, started_at, progress_percent, progress_message, updated_at)
		 VALUES ($1, true, $2, 0, 'starting', $2)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			is_running = true, started_at = EXCLUDED.started_at, progress_percent = 0,
			progress_message = EXCLUDED.progress_message, updated_at = EXCLUDED.updated_at
		 WHERE sync_states.is_running = false AND sync_states.is_paused = false
		 RETURNING `+syncColumns,
		tenantID, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetSyncState(ctx, tenantID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, beginConflict(tenantID, cur)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: begin sync %s", tenantID)
	}
	return st, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, tenantID string, percent int, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_states SET progress_percent = $2, progress_message = $3, updated_at = now() WHERE tenant_id = $1`,
		tenantID, percent, message,
	)
	return eris.Wrapf(err, "postgres: update progress %s", tenantID)
}

var leadInsertColumns = []string{
	"id", "tenant_id", "account_label", "fields", "row_key", "status", "created_at", "updated_at",
}

func leadInsertRows(leads []model.Lead) ([][]any, error) {
	rows := make([][]any, 0, len(leads))
	for _, l := range leads {
		fields, err := json.Marshal(l.Fields)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal fields for lead %s", l.ID)
		}
		rows = append(rows, []any{
			l.ID, l.TenantID, l.AccountLabel, fields, l.RowKey, string(l.Status), l.CreatedAt, l.UpdatedAt,
		})
	}
	return rows, nil
}

func (s *PostgresStore) CommitSync(ctx context.Context, c SyncCommit) error {
	inserts, err := leadInsertRows(c.Inserts)
	if err != nil {
		return eris.Wrap(err, "postgres: commit sync")
	}
	updates, err := leadInsertRows(c.Updates)
	if err != nil {
		return eris.Wrap(err, "postgres: commit sync")
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if len(c.Deletes) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM leads WHERE tenant_id = $1 AND id = ANY($2)`, c.TenantID, c.Deletes,
			); err != nil {
				return eris.Wrapf(err, "postgres: delete leads for %s", c.TenantID)
			}
		}

		if _, err := db.CopyRows(ctx, tx, "leads", leadInsertColumns, inserts); err != nil {
			return eris.Wrapf(err, "postgres: insert leads for %s", c.TenantID)
		}

		if _, err := db.ApplyPatch(ctx, tx, db.Patch{
			Table:   "leads",
			Key:     "id",
			Columns: leadInsertColumns,
			Set:     []string{"account_label", "fields", "row_key", "updated_at"},
		}, updates); err != nil {
			return eris.Wrapf(err, "postgres: update leads for %s", c.TenantID)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE tenants SET weekly_lead_actual = $2, monthly_lead_actual = $3, updated_at = now() WHERE id = $1`,
			c.TenantID, c.Weekly, c.Monthly,
		); err != nil {
			return eris.Wrapf(err, "postgres: update actuals for %s", c.TenantID)
		}

		o := c.Outcome
		if _, err := tx.Exec(ctx,
			`UPDATE sync_states SET is_running = false, last_sync_at = $2, last_success_at = $2, last_error = NULL,
				row_count = $3, rows_processed = $4, rows_inserted = $5, rows_updated = $6, rows_deleted = $7,
				retry_count = $8, sync_duration_ms = $9, progress_percent = 100, progress_message = 'complete',
				updated_at = $2
			 WHERE tenant_id = $1`,
			c.TenantID, o.FinishedAt, o.RowCount, o.RowsProcessed, o.RowsInserted, o.RowsUpdated, o.RowsDeleted,
			o.RetryCount, o.SyncDurationMs,
		); err != nil {
			return eris.Wrapf(err, "postgres: complete sync state for %s", c.TenantID)
		}
		return nil
	})
}

func (s *PostgresStore) FailSync(ctx context.Context, f SyncFailure) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_states SET is_running = false, last_sync_at = $2, last_error = $3,
			error_count = error_count + 1, retry_count = $4, sync_duration_ms = $5,
			progress_message = 'failed', updated_at = $2
		 WHERE tenant_id = $1`,
		f.TenantID, f.At, f.Message, f.RetryCount, f.DurationMs,
	)
	return eris.Wrapf(err, "postgres: fail sync %s", f.TenantID)
}

func (s *PostgresStore) GetSyncState(ctx context.Context, tenantID string) (*model.SyncState, error) {
	st, err := scanSyncState(s.pool.QueryRow(ctx,
		`SELECT `+syncColumns+` FROM sync_states WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sync state %s", tenantID)
	}
	return st, nil
}

func (s *PostgresStore) ListSyncStates(ctx context.Context) ([]model.SyncState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+syncColumns+` FROM sync_states ORDER BY tenant_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync states")
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync state")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sync states iterate")
}

func (s *PostgresStore) SetPaused(ctx context.Context, tenantID string, paused bool) (*model.SyncState, error) {
	st, err := scanSyncState(s.pool.QueryRow(ctx,
		`INSERT INTO sync_states (tenant_id, is_paused) VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO UPDATE SET is_paused = EXCLUDED.is_paused, updated_at = now()
		 RETURNING `+syncColumns,
		tenantID, paused,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: set paused %s", tenantID)
	}
	return st, nil
}

func (s *PostgresStore) ClearSheet(ctx context.Context, tenantID string, at time.Time) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var running bool
		err := tx.QueryRow(ctx,
			`SELECT is_running FROM sync_states WHERE tenant_id = $1 FOR UPDATE`, tenantID,
		).Scan(&running)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(err, "postgres: lock sync state %s", tenantID)
		}
		if running {
			return model.Conflictf("sync running for tenant %s; sheet not cleared", tenantID)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE tenants SET sheet_url = NULL, weekly_lead_actual = 0, monthly_lead_actual = 0, updated_at = $2
			 WHERE id = $1`,
			tenantID, at,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: clear sheet url %s", tenantID)
		}
		if tag.RowsAffected() == 0 {
			return model.NotFoundf("tenant", tenantID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM leads WHERE tenant_id = $1`, tenantID); err != nil {
			return eris.Wrapf(err, "postgres: delete leads %s", tenantID)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO sync_states (tenant_id, last_sync_at, last_success_at, progress_percent, progress_message, updated_at)
			 VALUES ($1, $2, $2, 100, 'sheet cleared', $2)
			 ON CONFLICT (tenant_id) DO UPDATE SET
				is_running = false, last_sync_at = $2, last_success_at = $2, last_error = NULL,
				row_count = 0, rows_processed = 0, rows_inserted = 0, rows_updated = 0, rows_deleted = 0,
				error_count = 0, retry_count = 0, sync_duration_ms = 0,
				progress_percent = 100, progress_message = 'sheet cleared', updated_at = $2`,
			tenantID, at,
		); err != nil {
			return eris.Wrapf(err, "postgres: reset sync state %s", tenantID)
		}
		return nil
	})
}

func (s *PostgresStore) RecoverInterrupted(ctx context.Context, message string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_states SET is_running = false, last_sync_at = $2, last_error = $1,
			error_count = error_count + 1, progress_message = 'interrupted', updated_at = $2
		 WHERE is_running = true`,
		message, at,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: recover interrupted syncs")
	}
	return int(tag.RowsAffected()), nil
}

// --- Leads ---

func scanLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var fields []byte
	var status string
	err := row.Scan(
		&l.ID, &l.TenantID, &l.AccountLabel, &fields, &l.RowKey, &status, &l.Score,
		&l.ConvertedContactID, &l.EnrolledSequenceID, &l.QualifiedAt, &l.ConvertedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = model.LeadStatus(status)
	if err := json.Unmarshal(fields, &l.Fields); err != nil {
		return nil, eris.Wrapf(err, "unmarshal fields for lead %s", l.ID)
	}
	return &l, nil
}

func (s *PostgresStore) leadOrNotFound(row pgx.Row, id, op string) (*model.Lead, error) {
	l, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("lead", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s %s", op, id)
	}
	return l, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	return s.leadOrNotFound(s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id), id, "get lead")
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND updated_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += ` ORDER BY tenant_id, created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) SaveScore(ctx context.Context, id string, score int, qualify bool, at time.Time) (*model.Lead, error) {
	return s.leadOrNotFound(s.pool.QueryRow(ctx,
		`UPDATE leads SET score = $2,
			status = CASE WHEN $3::boolean AND status = 'new' THEN 'qualified' ELSE status END,
			qualified_at = CASE WHEN $3::boolean AND status = 'new' THEN COALESCE(qualified_at, $4) ELSE qualified_at END,
			updated_at = $4
		 WHERE id = $1
		 RETURNING `+leadColumns,
		id, score, qualify, at,
	), id, "save score")
}

func (s *PostgresStore) SetLeadStatus(ctx context.Context, id string, status model.LeadStatus, at time.Time) (*model.Lead, error) {
	return s.leadOrNotFound(s.pool.QueryRow(ctx,
		`UPDATE leads SET status = $2::text,
			qualified_at = CASE WHEN $2::text = 'qualified' THEN COALESCE(qualified_at, $3) ELSE qualified_at END,
			updated_at = $3
		 WHERE id = $1
		 RETURNING `+leadColumns,
		id, string(status), at,
	), id, "set lead status")
}

func (s *PostgresStore) MarkLeadConverted(ctx context.Context, id, contactID string, at time.Time) (*model.Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx,
		`UPDATE leads SET converted_contact_id = $2, converted_at = $3, status = 'converted', updated_at = $3
		 WHERE id = $1 AND converted_contact_id IS NULL
		 RETURNING `+leadColumns,
		id, contactID, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, eris.Wrapf(err, "postgres: check lead %s", id)
		}
		if exists {
			return nil, model.NewError(model.CodeAlreadyConverted, "lead already converted: "+id, nil)
		}
		return nil, model.NotFoundf("lead", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: mark lead converted %s", id)
	}
	return l, nil
}

func (s *PostgresStore) MarkLeadEnrolled(ctx context.Context, id, sequenceID string, at time.Time) (*model.Lead, error) {
	return s.leadOrNotFound(s.pool.QueryRow(ctx,
		`UPDATE leads SET enrolled_sequence_id = $2, status = 'nurturing', updated_at = $3
		 WHERE id = $1 AND converted_contact_id IS NOT NULL
		 RETURNING `+leadColumns,
		id, sequenceID, at,
	), id, "mark lead enrolled")
}

// --- Outreach ---

const contactColumns = `id, tenant_id, email, name, company, title, phone, source, created_at`

func scanContact(row pgx.Row) (*model.Contact, error) {
	var c model.Contact
	if err := row.Scan(&c.ID, &c.TenantID, &c.Email, &c.Name, &c.Company, &c.Title, &c.Phone, &c.Source, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) FindContact(ctx context.Context, tenantID, email string) (*model.Contact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id = $1 AND email = $2`,
		tenantID, model.NormalizeEmail(email),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find contact for tenant %s", tenantID)
	}
	return c, nil
}

func (s *PostgresStore) CreateContact(ctx context.Context, tenantID string, attrs model.ContactAttrs) (*model.Contact, bool, error) {
	email := model.NormalizeEmail(attrs.Email)
	c, err := scanContact(s.pool.QueryRow(ctx,
		`INSERT INTO contacts (id, tenant_id, email, name, company, title, phone, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, email) DO NOTHING
		 RETURNING `+contactColumns,
		uuid.NewString(), tenantID, email, attrs.Name, attrs.Company, attrs.Title, attrs.Phone, attrs.Source, time.Now().UTC(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, ferr := s.FindContact(ctx, tenantID, email)
		if ferr != nil {
			return nil, false, ferr
		}
		if existing == nil {
			return nil, false, eris.Errorf("postgres: contact %s vanished after conflict", email)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: create contact for tenant %s", tenantID)
	}
	return c, true, nil
}

func (s *PostgresStore) FindSuppressions(ctx context.Context, tenantID string, emails, domains []string) ([]model.Suppression, error) {
	if len(emails) == 0 && len(domains) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, type, value, reason FROM suppressions
		 WHERE tenant_id = $1
		   AND ((type = 'email' AND value = ANY($2)) OR (type = 'domain' AND value = ANY($3)))
		 ORDER BY type, value`,
		tenantID, lowerAll(emails), lowerAll(domains),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find suppressions for tenant %s", tenantID)
	}
	defer rows.Close()

	var out []model.Suppression
	for rows.Next() {
		var sp model.Suppression
		var typ string
		if err := rows.Scan(&sp.TenantID, &typ, &sp.Value, &sp.Reason); err != nil {
			return nil, eris.Wrap(err, "postgres: scan suppression")
		}
		sp.Type = model.SuppressionType(typ)
		out = append(out, sp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find suppressions iterate")
}

func (s *PostgresStore) AddSuppression(ctx context.Context, sp model.Suppression) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO suppressions (tenant_id, type, value, reason) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, type, value) DO UPDATE SET reason = EXCLUDED.reason`,
		sp.TenantID, string(sp.Type), model.NormalizeEmail(sp.Value), sp.Reason,
	)
	return eris.Wrapf(err, "postgres: add suppression for tenant %s", sp.TenantID)
}

func (s *PostgresStore) FindSequence(ctx context.Context, tenantID, sequenceID string) (*model.Sequence, error) {
	var seq model.Sequence
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name FROM sequences WHERE id = $1 AND tenant_id = $2`,
		sequenceID, tenantID,
	).Scan(&seq.ID, &seq.TenantID, &seq.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("sequence", sequenceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find sequence %s", sequenceID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT step_order, delay_days FROM sequence_steps WHERE sequence_id = $1 ORDER BY step_order`,
		sequenceID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list steps for sequence %s", sequenceID)
	}
	defer rows.Close()
	for rows.Next() {
		var step model.SequenceStep
		if err := rows.Scan(&step.StepOrder, &step.DelayDays); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sequence step")
		}
		seq.Steps = append(seq.Steps, step)
	}
	return &seq, eris.Wrap(rows.Err(), "postgres: list steps iterate")
}

func (s *PostgresStore) SaveSequence(ctx context.Context, seq model.Sequence) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sequences (id, tenant_id, name) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name`,
			seq.ID, seq.TenantID, seq.Name,
		); err != nil {
			return eris.Wrapf(err, "postgres: save sequence %s", seq.ID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM sequence_steps WHERE sequence_id = $1`, seq.ID); err != nil {
			return eris.Wrapf(err, "postgres: clear steps for sequence %s", seq.ID)
		}
		rows := make([][]any, 0, len(seq.Steps))
		for _, step := range seq.Steps {
			rows = append(rows, []any{seq.ID, step.StepOrder, step.DelayDays})
		}
		if _, err := db.CopyRows(ctx, tx, "sequence_steps", []string{"sequence_id", "step_order", "delay_days"}, rows); err != nil {
			return eris.Wrapf(err, "postgres: insert steps for sequence %s", seq.ID)
		}
		return nil
	})
}

const enrollmentColumns = `id, sequence_id, contact_id, tenant_id, status, current_step, next_step_scheduled_at, enrolled_at`

func scanEnrollment(row pgx.Row) (*model.Enrollment, error) {
	var e model.Enrollment
	var status string
	if err := row.Scan(&e.ID, &e.SequenceID, &e.ContactID, &e.TenantID, &status, &e.CurrentStep,
		&e.NextStepScheduledAt, &e.EnrolledAt); err != nil {
		return nil, err
	}
	e.Status = model.EnrollmentStatus(status)
	return &e, nil
}

func (s *PostgresStore) FindEnrollment(ctx context.Context, sequenceID, contactID string) (*model.Enrollment, error) {
	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE sequence_id = $1 AND contact_id = $2`,
		sequenceID, contactID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find enrollment %s/%s", sequenceID, contactID)
	}
	return e, nil
}

func (s *PostgresStore) CreateEnrollment(ctx context.Context, e model.Enrollment) (*model.Enrollment, bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	created, err := scanEnrollment(s.pool.QueryRow(ctx,
		`INSERT INTO enrollments (`+enrollmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (sequence_id, contact_id) DO NOTHING
		 RETURNING `+enrollmentColumns,
		e.ID, e.SequenceID, e.ContactID, e.TenantID, string(e.Status), e.CurrentStep, e.NextStepScheduledAt, e.EnrolledAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, ferr := s.FindEnrollment(ctx, e.SequenceID, e.ContactID)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: create enrollment %s/%s", e.SequenceID, e.ContactID)
	}
	return created, true, nil
}
