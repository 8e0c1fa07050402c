package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/entityflow/pkg/schema"
)

// dialect selects placeholder syntax and error mapping for a driver.
type dialect int

const (
	dialectLibSQL dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs dialect-rebound statements against a database or transaction.
type conn struct {
	q       queryer
	dialect dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.rebind(query), args...)
}

// SQLStore implements Store on database/sql, backed by libSQL (embedded
// SQLite fork) or PostgreSQL through pgx.
type SQLStore struct {
	db *sql.DB
	conn
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &SQLStore{db: db, conn: conn{q: db, dialect: dialectLibSQL}}, nil
}

// NewPostgresStore opens a PostgreSQL database through the pgx stdlib driver.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SQLStore{db: db, conn: conn{q: db, dialect: dialectPostgres}}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

// WithinTx runs fn in a database transaction, committing when fn returns nil.
// fn must only touch the database through tx.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, func(c conn) error {
		return fn(&sqlTx{conn: c})
	})
}

// --- Definitions ---

func (s *SQLStore) SaveField(ctx context.Context, f *schema.DynamicField) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	def, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal field: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO dynamic_fields (id, tenant_id, entity_type, field_key, definition, sort_order, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, entity_type, field_key) DO UPDATE SET
		   definition = excluded.definition, sort_order = excluded.sort_order,
		   is_active = excluded.is_active, updated_at = excluded.updated_at`,
		f.ID, f.TenantID, f.EntityType, f.Key, string(def), f.SortOrder, boolInt(f.IsActive),
		micros(f.CreatedAt), micros(f.UpdatedAt),
	)
	return s.mapErr("save field", err)
}

func (s *SQLStore) ListFields(ctx context.Context, tenantID, entityType string, includeInactive bool) ([]schema.DynamicField, error) {
	query := `SELECT id, definition, is_active FROM dynamic_fields WHERE tenant_id = ? AND entity_type = ?`
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY sort_order, field_key`
	rows, err := s.query(ctx, query, tenantID, entityType)
	if err != nil {
		return nil, storeErr("list fields", err)
	}
	defer rows.Close()

	var fields []schema.DynamicField
	for rows.Next() {
		var (
			f      schema.DynamicField
			id     string
			def    string
			active int64
		)
		if err := rows.Scan(&id, &def, &active); err != nil {
			return nil, storeErr("scan field", err)
		}
		if err := json.Unmarshal([]byte(def), &f); err != nil {
			return nil, fmt.Errorf("unmarshal field: %w", err)
		}
		f.ID = id
		f.IsActive = active != 0
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func (s *SQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO workflows (id, tenant_id, entity_type, definition, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id = excluded.tenant_id, entity_type = excluded.entity_type,
		   definition = excluded.definition, is_active = excluded.is_active, updated_at = excluded.updated_at`,
		wf.ID, wf.TenantID, wf.EntityType, string(def), boolInt(wf.IsActive), micros(wf.CreatedAt), micros(wf.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeAmbiguousConfiguration,
			"tenant %q already has an active workflow for %q", wf.TenantID, wf.EntityType).WithCause(err)
	}
	return s.mapErr("save workflow", err)
}

func (s *SQLStore) GetWorkflow(ctx context.Context, tenantID, id string) (*schema.Workflow, error) {
	row := s.queryRow(ctx,
		`SELECT definition, is_active FROM workflows WHERE tenant_id = ? AND id = ?`, tenantID, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *SQLStore) ActiveWorkflow(ctx context.Context, tenantID, entityType string) (*schema.Workflow, error) {
	row := s.queryRow(ctx,
		`SELECT definition, is_active FROM workflows WHERE tenant_id = ? AND entity_type = ? AND is_active = 1`,
		tenantID, entityType)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, noWorkflow(tenantID, entityType)
	}
	return wf, err
}

func (s *SQLStore) ListWorkflows(ctx context.Context, tenantID, entityType string) ([]schema.Workflow, error) {
	query := `SELECT definition, is_active FROM workflows WHERE tenant_id = ?`
	args := []any{tenantID}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY entity_type, created_at, id`
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveRule(ctx context.Context, r *schema.NotificationRule) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	def, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO notification_rules (id, tenant_id, entity_type, trigger_type, definition, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id = excluded.tenant_id, entity_type = excluded.entity_type, trigger_type = excluded.trigger_type,
		   definition = excluded.definition, is_active = excluded.is_active, updated_at = excluded.updated_at`,
		r.ID, r.TenantID, r.EntityType, string(r.TriggerType), string(def), boolInt(r.IsActive),
		micros(r.CreatedAt), micros(r.UpdatedAt),
	)
	return s.mapErr("save rule", err)
}

func (s *SQLStore) GetRule(ctx context.Context, tenantID, id string) (*schema.NotificationRule, error) {
	row := s.queryRow(ctx,
		`SELECT definition, is_active FROM notification_rules WHERE tenant_id = ? AND id = ?`, tenantID, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("notification rule", id)
	}
	return r, err
}

func (s *SQLStore) ListRules(ctx context.Context, filter RuleFilter) ([]schema.NotificationRule, error) {
	query := `SELECT definition, is_active FROM notification_rules`
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list rules", err)
	}
	defer rows.Close()

	var out []schema.NotificationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetRuleActive(ctx context.Context, tenantID, id string, active bool) error {
	res, err := s.exec(ctx,
		`UPDATE notification_rules SET is_active = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		boolInt(active), micros(time.Now()), tenantID, id)
	if err != nil {
		return storeErr("set rule active", err)
	}
	return checkRowsAffected(res, "notification rule", id)
}

// --- Entity reads ---

func (s *SQLStore) GetEntityState(ctx context.Context, key EntityKey) (*schema.EntityState, error) {
	return getEntityState(ctx, s.conn, key)
}

func getEntityState(ctx context.Context, c conn, key EntityKey) (*schema.EntityState, error) {
	st := &schema.EntityState{TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID}
	var deleted, created, updated int64
	err := c.queryRow(ctx,
		`SELECT workflow_id, current_state, version, deleted, created_at, updated_at
		 FROM entity_states WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		key.TenantID, key.EntityType, key.EntityID,
	).Scan(&st.WorkflowID, &st.CurrentState, &st.Version, &deleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("entity", key.EntityID)
	}
	if err != nil {
		return nil, storeErr("get entity state", err)
	}
	st.Deleted = deleted != 0
	st.CreatedAt = fromMicros(created)
	st.UpdatedAt = fromMicros(updated)
	return st, nil
}

func (s *SQLStore) ListEntities(ctx context.Context, filter EntityFilter) ([]schema.EntityState, error) {
	query := `SELECT entity_type, entity_id, workflow_id, current_state, version, deleted, created_at, updated_at
		FROM entity_states WHERE tenant_id = ?`
	args := []any{filter.TenantID}
	if filter.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, filter.EntityType)
	}
	if !filter.IncludeDeleted {
		query += " AND deleted = 0"
	}
	query += " ORDER BY entity_type, entity_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list entities", err)
	}
	defer rows.Close()

	var out []schema.EntityState
	for rows.Next() {
		st := schema.EntityState{TenantID: filter.TenantID}
		var deleted, created, updated int64
		if err := rows.Scan(&st.EntityType, &st.EntityID, &st.WorkflowID, &st.CurrentState,
			&st.Version, &deleted, &created, &updated); err != nil {
			return nil, storeErr("scan entity state", err)
		}
		st.Deleted = deleted != 0
		st.CreatedAt = fromMicros(created)
		st.UpdatedAt = fromMicros(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListFieldValues(ctx context.Context, key EntityKey) ([]schema.DynamicFieldValue, error) {
	rows, err := s.query(ctx,
		`SELECT field_id, field_key, kind, value_text, value_number, value_boolean, value_date, value_datetime, value_json, updated_at
		 FROM field_values WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? ORDER BY field_key`,
		key.TenantID, key.EntityType, key.EntityID)
	if err != nil {
		return nil, storeErr("list field values", err)
	}
	defer rows.Close()

	var out []schema.DynamicFieldValue
	for rows.Next() {
		v := schema.DynamicFieldValue{TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID}
		var (
			kind     string
			text     sql.NullString
			number   sql.NullFloat64
			boolean  sql.NullInt64
			date     sql.NullString
			datetime sql.NullInt64
			raw      sql.NullString
			updated  int64
		)
		if err := rows.Scan(&v.FieldID, &v.FieldKey, &kind, &text, &number, &boolean, &date, &datetime, &raw, &updated); err != nil {
			return nil, storeErr("scan field value", err)
		}
		v.Kind = schema.ValueKind(kind)
		if text.Valid {
			v.Text = &text.String
		}
		if number.Valid {
			v.Number = &number.Float64
		}
		if boolean.Valid {
			b := boolean.Int64 != 0
			v.Boolean = &b
		}
		if date.Valid {
			d, err := time.Parse(schema.DateLayout, date.String)
			if err != nil {
				return nil, fmt.Errorf("parse stored date %q: %w", date.String, err)
			}
			v.Date = &d
		}
		if datetime.Valid {
			dt := fromMicros(datetime.Int64)
			v.Datetime = &dt
		}
		v.JSON = rawOrNil(raw)
		v.UpdatedAt = fromMicros(updated)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListHistory(ctx context.Context, key EntityKey) ([]schema.HistoryEntry, error) {
	rows, err := s.query(ctx,
		`SELECT id, workflow_id, sequence, from_state, to_state, transition_id, transition_name,
		        performed_by, performed_at, comment, metadata
		 FROM history WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? ORDER BY sequence`,
		key.TenantID, key.EntityType, key.EntityID)
	if err != nil {
		return nil, storeErr("list history", err)
	}
	defer rows.Close()

	var out []schema.HistoryEntry
	for rows.Next() {
		h := schema.HistoryEntry{TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID}
		var (
			transitionID, transitionName, comment, metadata sql.NullString
			performedAt                                     int64
		)
		if err := rows.Scan(&h.ID, &h.WorkflowID, &h.Sequence, &h.FromState, &h.ToState,
			&transitionID, &transitionName, &h.PerformedBy, &performedAt, &comment, &metadata); err != nil {
			return nil, storeErr("scan history", err)
		}
		h.TransitionID = transitionID.String
		h.TransitionName = transitionName.String
		h.Comment = comment.String
		h.PerformedAt = fromMicros(performedAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &h.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal history metadata: %w", err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]schema.Approval, error) {
	rows, err := s.query(ctx,
		`SELECT id, user_id, approved_at FROM approvals
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND transition_id = ? AND state = ?
		 ORDER BY approved_at, id`,
		filter.Key.TenantID, filter.Key.EntityType, filter.Key.EntityID, filter.TransitionID, filter.State)
	if err != nil {
		return nil, storeErr("list approvals", err)
	}
	defer rows.Close()

	var out []schema.Approval
	for rows.Next() {
		a := schema.Approval{
			TenantID: filter.Key.TenantID, EntityType: filter.Key.EntityType, EntityID: filter.Key.EntityID,
			TransitionID: filter.TransitionID, State: filter.State,
		}
		var at int64
		if err := rows.Scan(&a.ID, &a.UserID, &at); err != nil {
			return nil, storeErr("scan approval", err)
		}
		a.ApprovedAt = fromMicros(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) AddApproval(ctx context.Context, a *schema.Approval) error {
	_, err := s.exec(ctx,
		`INSERT INTO approvals (id, tenant_id, entity_type, entity_id, transition_id, state, user_id, approved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, entity_type, entity_id, transition_id, state, user_id) DO NOTHING`,
		a.ID, a.TenantID, a.EntityType, a.EntityID, a.TransitionID, a.State, a.UserID, micros(timeOrNow(a.ApprovedAt)))
	return s.mapErr("add approval", err)
}

// --- Audit ---

func (s *SQLStore) AppendAudit(ctx context.Context, e *schema.AuditEntry) error {
	return appendAudit(ctx, s.conn, e)
}

func appendAudit(ctx context.Context, c conn, e *schema.AuditEntry) error {
	e.CreatedAt = timeOrNow(e.CreatedAt)
	_, err := c.exec(ctx,
		`INSERT INTO audit_entries (id, tenant_id, entity_type, entity_id, kind, ref_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, nullStr(e.EntityType), nullStr(e.EntityID), string(e.Kind), nullStr(e.RefID),
		nullRaw(e.Detail), micros(e.CreatedAt))
	return c.mapErr("append audit", err)
}

func (s *SQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]schema.AuditEntry, error) {
	query := `SELECT id, tenant_id, entity_type, entity_id, kind, ref_id, detail, created_at FROM audit_entries`
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list audit", err)
	}
	defer rows.Close()

	var out []schema.AuditEntry
	for rows.Next() {
		var (
			e                         schema.AuditEntry
			entityType, entityID, ref sql.NullString
			detail                    sql.NullString
			kind                      string
			created                   int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &entityType, &entityID, &kind, &ref, &detail, &created); err != nil {
			return nil, storeErr("scan audit", err)
		}
		e.EntityType = entityType.String
		e.EntityID = entityID.String
		e.Kind = schema.AuditKind(kind)
		e.RefID = ref.String
		e.Detail = rawOrNil(detail)
		e.CreatedAt = fromMicros(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Secrets ---

func (s *SQLStore) StoreSecret(ctx context.Context, tenantID, key string, value []byte) error {
	_, err := s.exec(ctx,
		`INSERT INTO secrets (tenant_id, secret_key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, secret_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		tenantID, key, base64.StdEncoding.EncodeToString(value), micros(time.Now()))
	return s.mapErr("store secret", err)
}

func (s *SQLStore) GetSecret(ctx context.Context, tenantID, key string) ([]byte, error) {
	var encoded string
	err := s.queryRow(ctx,
		`SELECT value FROM secrets WHERE tenant_id = ? AND secret_key = ?`, tenantID, key).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, storeErr("get secret", err)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return value, nil
}

func (s *SQLStore) DeleteSecret(ctx context.Context, tenantID, key string) error {
	res, err := s.exec(ctx, `DELETE FROM secrets WHERE tenant_id = ? AND secret_key = ?`, tenantID, key)
	if err != nil {
		return storeErr("delete secret", err)
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *SQLStore) ListSecrets(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT secret_key FROM secrets WHERE tenant_id = ? ORDER BY secret_key`, tenantID)
	if err != nil {
		return nil, storeErr("list secrets", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storeErr("scan secret key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Transaction ---

type sqlTx struct {
	conn
}

func (t *sqlTx) CreateEntityState(ctx context.Context, st *schema.EntityState) error {
	now := time.Now().UTC()
	st.CreatedAt = timeOrNow(st.CreatedAt)
	st.UpdatedAt = now
	if st.Version == 0 {
		st.Version = 1
	}
	_, err := t.exec(ctx,
		`INSERT INTO entity_states (tenant_id, entity_type, entity_id, workflow_id, current_state, version, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.TenantID, st.EntityType, st.EntityID, st.WorkflowID, st.CurrentState, st.Version,
		boolInt(st.Deleted), micros(st.CreatedAt), micros(st.UpdatedAt))
	return t.mapErr("create entity state", err)
}

func (t *sqlTx) CompareAndSwapState(ctx context.Context, key EntityKey, expected int64, newState string, deleted bool, now time.Time) (int64, error) {
	res, err := t.exec(ctx,
		`UPDATE entity_states SET current_state = ?, version = version + 1, deleted = ?, updated_at = ?
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND version = ?`,
		newState, boolInt(deleted), micros(timeOrNow(now)), key.TenantID, key.EntityType, key.EntityID, expected)
	if err != nil {
		return 0, storeErr("update entity state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("update entity state", err)
	}
	if n == 1 {
		return expected + 1, nil
	}
	if _, err := getEntityState(ctx, t.conn, key); err != nil {
		return 0, err
	}
	return 0, staleVersion(key, expected)
}

func (t *sqlTx) UpsertFieldValues(ctx context.Context, values []schema.DynamicFieldValue) error {
	for i := range values {
		v := &values[i]
		v.UpdatedAt = timeOrNow(v.UpdatedAt)
		var date any
		if v.Date != nil {
			date = v.Date.Format(schema.DateLayout)
		}
		_, err := t.exec(ctx,
			`INSERT INTO field_values (tenant_id, entity_type, entity_id, field_id, field_key, kind,
			   value_text, value_number, value_boolean, value_date, value_datetime, value_json, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, entity_type, entity_id, field_id) DO UPDATE SET
			   field_key = excluded.field_key, kind = excluded.kind,
			   value_text = excluded.value_text, value_number = excluded.value_number,
			   value_boolean = excluded.value_boolean, value_date = excluded.value_date,
			   value_datetime = excluded.value_datetime, value_json = excluded.value_json,
			   updated_at = excluded.updated_at`,
			v.TenantID, v.EntityType, v.EntityID, v.FieldID, v.FieldKey, string(v.Kind),
			nullStrPtr(v.Text), nullFloat(v.Number), nullBool(v.Boolean), date, nullMicros(v.Datetime),
			nullRaw(v.JSON), micros(v.UpdatedAt))
		if err != nil {
			return t.mapErr("upsert field value", err)
		}
	}
	return nil
}

func (t *sqlTx) AppendHistory(ctx context.Context, h *schema.HistoryEntry) error {
	var seq int64
	err := t.queryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM history WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		h.TenantID, h.EntityType, h.EntityID).Scan(&seq)
	if err != nil {
		return storeErr("next history sequence", err)
	}
	var metadata any
	if len(h.Metadata) > 0 {
		b, err := json.Marshal(h.Metadata)
		if err != nil {
			return fmt.Errorf("marshal history metadata: %w", err)
		}
		metadata = string(b)
	}
	h.Sequence = seq
	h.PerformedAt = timeOrNow(h.PerformedAt)
	_, err = t.exec(ctx,
		`INSERT INTO history (id, tenant_id, workflow_id, entity_type, entity_id, sequence, from_state, to_state,
		   transition_id, transition_name, performed_by, performed_at, comment, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.TenantID, h.WorkflowID, h.EntityType, h.EntityID, h.Sequence, h.FromState, h.ToState,
		nullStr(h.TransitionID), nullStr(h.TransitionName), h.PerformedBy, micros(h.PerformedAt),
		nullStr(h.Comment), metadata)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConcurrentModification,
			"history sequence %d for entity %q already taken", seq, h.EntityID).WithCause(err)
	}
	return t.mapErr("append history", err)
}

func (t *sqlTx) EnqueueOutbox(ctx context.Context, r *schema.OutboxRecord) error {
	r.CreatedAt = timeOrNow(r.CreatedAt)
	_, err := t.exec(ctx,
		`INSERT INTO outbox (id, tenant_id, kind, payload, attempts, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		r.ID, r.TenantID, string(r.Kind), string(r.Payload), micros(r.CreatedAt))
	return t.mapErr("enqueue outbox", err)
}

func (t *sqlTx) AppendAudit(ctx context.Context, e *schema.AuditEntry) error {
	return appendAudit(ctx, t.conn, e)
}

func (t *sqlTx) ClearApprovals(ctx context.Context, key EntityKey) error {
	_, err := t.exec(ctx,
		`DELETE FROM approvals WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		key.TenantID, key.EntityType, key.EntityID)
	return t.mapErr("clear approvals", err)
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	var def string
	var active int64
	if err := row.Scan(&def, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan workflow", err)
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(def), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	wf.IsActive = active != 0
	return wf, nil
}

func scanRule(row rowScanner) (*schema.NotificationRule, error) {
	var def string
	var active int64
	if err := row.Scan(&def, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan rule", err)
	}
	r := &schema.NotificationRule{}
	if err := json.Unmarshal([]byte(def), r); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	r.IsActive = active != 0
	return r, nil
}

// mapErr converts driver errors into engine errors. Unique violations become CONFLICT.
func (c conn) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s: duplicate key", op).WithCause(err)
	}
	return storeErr(op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func storeErr(op string, err error) error {
	if _, ok := schema.AsEngineError(err); ok {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func noWorkflow(tenantID, entityType string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNoWorkflowConfigured,
		"no active workflow for entity type %q", entityType).
		WithDetails(map[string]any{"tenant_id": tenantID, "entity_type": entityType})
}

func staleVersion(key EntityKey, expected int64) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConcurrentModification,
		"entity %q changed since version %d", key.EntityID, expected).
		WithDetails(map[string]any{"entity_type": key.EntityType, "expected_version": expected})
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return micros(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStrPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*SQLStore)(nil)
