package condition

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the SQL flavour a SQLStore speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// defaultBusyTimeout is restored on SQLite connections after a lock
// attempt changed it.
const defaultBusyTimeout = 5 * time.Second

// SQLStore reads conditions, stages, instances and component data from a
// PostgreSQL or SQLite database and implements instance locking with
// database locks.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ ConditionStore = (*SQLStore)(nil)
	_ StageOrdering  = (*SQLStore)(nil)
	_ ComponentData  = (*SQLStore)(nil)
	_ InstanceStore  = (*SQLStore)(nil)
)

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLStore opens a database for the named driver. For SQLite the
// schema is created if missing; PostgreSQL schemas are managed with
// cmd/migrate.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewSQLStore(db, dialect)
	if dialect == DialectSQLite {
		if err := s.InitSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS stages (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	name TEXT NOT NULL,
	sort_order INTEGER NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_valid BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_stages_workflow ON stages (tenant_id, workflow_id, sort_order);
CREATE TABLE IF NOT EXISTS stage_conditions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	stage_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	rules_json TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	status TEXT NOT NULL DEFAULT 'Draft',
	fallback_stage_id TEXT,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_stage_conditions_stage ON stage_conditions (tenant_id, stage_id);
CREATE TABLE IF NOT EXISTS workflow_instances (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	case_code TEXT NOT NULL DEFAULT '',
	current_stage_id TEXT NOT NULL DEFAULT '',
	is_valid BOOLEAN NOT NULL DEFAULT TRUE,
	fields_json TEXT,
	stages_progress_json TEXT,
	lock_version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_case_code ON workflow_instances (tenant_id, case_code);
CREATE TABLE IF NOT EXISTS checklist_tasks (
	instance_id TEXT NOT NULL,
	stage_id TEXT NOT NULL,
	checklist_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	is_completed BOOLEAN NOT NULL DEFAULT FALSE,
	completion_notes TEXT,
	PRIMARY KEY (instance_id, stage_id, checklist_id, task_id)
);
CREATE TABLE IF NOT EXISTS questionnaire_responses (
	instance_id TEXT NOT NULL,
	stage_id TEXT NOT NULL,
	questionnaire_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'Pending',
	total_score REAL,
	answers_json TEXT,
	PRIMARY KEY (instance_id, stage_id, questionnaire_id)
);
CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	stage_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_attachments_instance ON attachments (instance_id, stage_id);
`

// InitSchema creates the SQLite schema if it does not exist.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	if s.dialect != DialectSQLite {
		return fmt.Errorf("InitSchema is only supported for sqlite, use migrations for %s", s.dialect)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return s.ensureSQLiteColumn(ctx, "workflow_instances", "stages_progress_json", "TEXT")
}

// ensureSQLiteColumn adds a column that databases created by an older
// schema lack.
func (s *SQLStore) ensureSQLiteColumn(ctx context.Context, table, column, typ string) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, typ)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ListTenants returns every tenant id.
func (s *SQLStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return tenants, nil
}

// GetActiveConditionForStage returns the stage's condition, preferring an
// active and valid one, then the most recently updated.
func (s *SQLStore) GetActiveConditionForStage(ctx context.Context, stageID, tenantID string) (*Condition, error) {
	var (
		c        Condition
		status   string
		fallback sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, stage_id, tenant_id, name, rules_json, is_active, status, fallback_stage_id
		FROM stage_conditions
		WHERE stage_id = ? AND tenant_id = ? AND is_deleted = FALSE
		ORDER BY CASE WHEN is_active = TRUE AND status = 'Valid' THEN 0 ELSE 1 END, updated_at DESC, id
		LIMIT 1
	`), stageID, tenantID).Scan(
		&c.ID,
		&c.StageID,
		&c.TenantID,
		&c.Name,
		&c.RulesDocument,
		&c.IsActive,
		&status,
		&fallback,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get condition for stage %s: %w", stageID, err)
	}

	c.Status = ConditionStatus(status)
	c.FallbackStageID = fallback.String
	return &c, nil
}

const stageColumns = `id, workflow_id, tenant_id, name, sort_order, is_active, is_valid`

func scanStage(row interface{ Scan(...any) error }) (*Stage, error) {
	var st Stage
	if err := row.Scan(&st.ID, &st.WorkflowID, &st.TenantID, &st.Name, &st.Order, &st.IsActive, &st.IsValid); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStage returns the stage or nil.
func (s *SQLStore) GetStage(ctx context.Context, stageID, tenantID string) (*Stage, error) {
	st, err := scanStage(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+stageColumns+`
		FROM stages
		WHERE id = ? AND tenant_id = ?
	`), stageID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage %s: %w", stageID, err)
	}
	return st, nil
}

// NextStageAfter returns the first active, valid stage of the workflow
// ordered after order, or nil.
func (s *SQLStore) NextStageAfter(ctx context.Context, workflowID string, order int, tenantID string) (*Stage, error) {
	st, err := scanStage(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+stageColumns+`
		FROM stages
		WHERE workflow_id = ? AND tenant_id = ? AND sort_order > ?
			AND is_active = TRUE AND is_valid = TRUE
		ORDER BY sort_order ASC, id ASC
		LIMIT 1
	`), workflowID, tenantID, order))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage after order %d: %w", order, err)
	}
	return st, nil
}

const instanceColumns = `id, tenant_id, workflow_id, case_code, current_stage_id, is_valid, fields_json, stages_progress_json`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var (
		inst     Instance
		fields   sql.NullString
		progress sql.NullString
	)
	if err := row.Scan(&inst.ID, &inst.TenantID, &inst.WorkflowID, &inst.CaseCode,
		&inst.CurrentStageID, &inst.IsValid, &fields, &progress); err != nil {
		return nil, err
	}
	decoded, err := decodeFields(fields)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	inst.Fields = decoded
	if inst.StagesProgress, err = decodeStagesProgress(progress); err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	return &inst, nil
}

// decodeStagesProgress reads the per stage progress list. Keys match
// case-insensitively, so StageId/IsCompleted documents decode as well.
func decodeStagesProgress(raw sql.NullString) ([]StageProgress, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var progress []StageProgress
	if err := json.Unmarshal([]byte(raw.String), &progress); err != nil {
		return nil, fmt.Errorf("invalid stages progress JSON: %w", err)
	}
	return progress, nil
}

func decodeFields(raw sql.NullString) (map[string]any, error) {
	fields := map[string]any{}
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &fields); err != nil {
		return nil, fmt.Errorf("invalid fields JSON: %w", err)
	}
	return fields, nil
}

// GetInstance returns the instance or ErrInstanceNotFound.
func (s *SQLStore) GetInstance(ctx context.Context, instanceID, tenantID string) (*Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = ? AND tenant_id = ?
	`), instanceID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", instanceID, err)
	}
	return inst, nil
}

// GetInstanceByCaseCode returns the instance with the case code or
// ErrInstanceNotFound.
func (s *SQLStore) GetInstanceByCaseCode(ctx context.Context, caseCode, tenantID string) (*Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE case_code = ? AND tenant_id = ?
		ORDER BY id
		LIMIT 1
	`), caseCode, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: case code %s", ErrInstanceNotFound, caseCode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by case code %s: %w", caseCode, err)
	}
	return inst, nil
}

// WithInstanceLock holds a database lock on the instance row while fn
// runs. PostgreSQL uses SELECT ... FOR UPDATE bounded by lock_timeout.
// SQLite has no row locks, so the database write lock is taken with
// BEGIN IMMEDIATE bounded by busy_timeout.
func (s *SQLStore) WithInstanceLock(ctx context.Context, instanceID, tenantID string, wait time.Duration, fn LockedFunc) error {
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	if s.dialect == DialectSQLite {
		return s.withSQLiteLock(ctx, instanceID, tenantID, wait, fn)
	}
	return s.withPostgresLock(ctx, instanceID, tenantID, wait, fn)
}

func (s *SQLStore) withPostgresLock(ctx context.Context, instanceID, tenantID string, wait time.Duration, fn LockedFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// SET does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, wait.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	inst, err := scanInstance(tx.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, instanceID, tenantID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	case isLockTimeout(err):
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	case err != nil:
		return fmt.Errorf("failed to lock instance %s: %w", instanceID, err)
	}

	if err := fn(ctx, inst); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) withSQLiteLock(ctx context.Context, instanceID, tenantID string, wait time.Duration, fn LockedFunc) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA busy_timeout = %d`, wait.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), fmt.Sprintf(`PRAGMA busy_timeout = %d`, defaultBusyTimeout.Milliseconds()))

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		if isLockTimeout(err) {
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
		}
	}()

	res, err := conn.ExecContext(ctx, `
		UPDATE workflow_instances
		SET lock_version = lock_version + 1
		WHERE id = ? AND tenant_id = ?
	`, instanceID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to lock instance %s: %w", instanceID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	inst, err := scanInstance(conn.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = ? AND tenant_id = ?
	`, instanceID, tenantID))
	if err != nil {
		return fmt.Errorf("failed to read instance %s: %w", instanceID, err)
	}

	if err := fn(ctx, inst); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// isLockTimeout recognises lock wait failures of both drivers.
func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "55P03"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
