package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/entityflow/pkg/schema"
)

// --- Outbox ---

// ClaimOutbox leases up to limit unprocessed records whose previous lease has
// expired. Each claim increments the record's attempt counter.
func (s *SQLStore) ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]schema.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	nowUS := micros(now)
	rows, err := s.query(ctx,
		`SELECT id FROM outbox
		 WHERE processed_at IS NULL AND (claimed_until IS NULL OR claimed_until <= ?)
		 ORDER BY created_at, id LIMIT ?`, nowUS, limit)
	if err != nil {
		return nil, storeErr("scan outbox", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("scan outbox", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan outbox", err)
	}

	var claimed []schema.OutboxRecord
	for _, id := range ids {
		res, err := s.exec(ctx,
			`UPDATE outbox SET claimed_until = ?, attempts = attempts + 1
			 WHERE id = ? AND processed_at IS NULL AND (claimed_until IS NULL OR claimed_until <= ?)`,
			micros(now.Add(lease)), id, nowUS)
		if err != nil {
			return nil, storeErr("claim outbox", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		var (
			r             schema.OutboxRecord
			kind, payload string
			created       int64
		)
		err = s.queryRow(ctx,
			`SELECT id, tenant_id, kind, payload, attempts, created_at FROM outbox WHERE id = ?`, id,
		).Scan(&r.ID, &r.TenantID, &kind, &payload, &r.Attempts, &created)
		if err != nil {
			return nil, storeErr("read outbox", err)
		}
		r.Kind = schema.OutboxKind(kind)
		r.Payload = []byte(payload)
		r.CreatedAt = fromMicros(created)
		claimed = append(claimed, r)
	}
	return claimed, nil
}

func (s *SQLStore) MarkOutboxProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE outbox SET processed_at = ? WHERE id = ?`, micros(timeOrNow(at)), id)
	if err != nil {
		return storeErr("mark outbox processed", err)
	}
	return checkRowsAffected(res, "outbox record", id)
}

// --- Dispatch jobs ---

const jobColumns = `id, tenant_id, rule_id, entity_type, entity_id, event_id, dedupe_key, channel, recipient,
	subject, body, status, attempts, max_attempts, due_at, next_attempt_at, last_error, created_at, updated_at, sent_at,
	claimed_until`

// CreateDispatchJobs inserts jobs atomically, skipping any whose dedupe key
// already exists for the tenant. It returns the number of jobs created.
func (s *SQLStore) CreateDispatchJobs(ctx context.Context, jobs []*schema.DispatchJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	created := 0
	err := s.withTx(ctx, func(c conn) error {
		for _, j := range jobs {
			now := time.Now().UTC()
			j.CreatedAt = timeOrNow(j.CreatedAt)
			j.UpdatedAt = now
			if j.Status == "" {
				j.Status = schema.DispatchPending
			}
			if j.NextAttemptAt.IsZero() {
				j.NextAttemptAt = j.DueAt
			}
			res, err := c.exec(ctx,
				`INSERT INTO dispatch_jobs (`+jobColumns+`)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (tenant_id, dedupe_key) DO NOTHING`,
				j.ID, j.TenantID, nullStr(j.RuleID), j.EntityType, j.EntityID, j.EventID, j.DedupeKey,
				string(j.Channel), j.Recipient, nullStr(j.Subject), j.Body, string(j.Status),
				j.Attempts, j.MaxAttempts, micros(j.DueAt), micros(j.NextAttemptAt), nullStr(j.LastError),
				micros(j.CreatedAt), micros(j.UpdatedAt), nullMicros(j.SentAt), nullMicros(j.ClaimedUntil))
			if err != nil {
				return c.mapErr("create dispatch job", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (s *SQLStore) GetDispatchJob(ctx context.Context, tenantID, id string) (*schema.DispatchJob, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE tenant_id = ? AND id = ?`, tenantID, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("dispatch job", id)
	}
	return j, err
}

func (s *SQLStore) ListDispatchJobs(ctx context.Context, filter JobFilter) ([]schema.DispatchJob, error) {
	where, args := jobWhere(filter)
	query := `SELECT ` + jobColumns + ` FROM dispatch_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *SQLStore) DueDispatchJobs(ctx context.Context, now time.Time, limit int) ([]schema.DispatchJob, error) {
	if limit <= 0 {
		limit = 100
	}
	nowUS := micros(now)
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM dispatch_jobs
		 WHERE `+jobDueClause+`
		 ORDER BY next_attempt_at, id LIMIT ?`,
		string(schema.DispatchPending), string(schema.DispatchRetrying), nowUS,
		string(schema.DispatchSending), nowUS, limit)
}

// jobDueClause matches pending or retrying jobs past their next attempt and
// sending jobs whose lease expired, for example after a worker crash.
const jobDueClause = `((status IN (?, ?) AND next_attempt_at <= ?)
	OR (status = ? AND (claimed_until IS NULL OR claimed_until <= ?)))`

// ClaimDispatchJob moves a due job from the given status to sending under a
// lease and counts the attempt. It reports false when another worker claimed
// it first.
func (s *SQLStore) ClaimDispatchJob(ctx context.Context, id string, from schema.DispatchStatus, now time.Time, lease time.Duration) (bool, error) {
	now = timeOrNow(now)
	nowUS := micros(now)
	res, err := s.exec(ctx,
		`UPDATE dispatch_jobs SET status = ?, attempts = attempts + 1, claimed_until = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND `+jobDueClause,
		string(schema.DispatchSending), micros(now.Add(lease)), nowUS, id, string(from),
		string(schema.DispatchPending), string(schema.DispatchRetrying), nowUS,
		string(schema.DispatchSending), nowUS)
	if err != nil {
		return false, storeErr("claim dispatch job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("claim dispatch job", err)
	}
	return n == 1, nil
}

func (s *SQLStore) UpdateDispatchJob(ctx context.Context, id string, update JobUpdate, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{micros(timeOrNow(now))}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, micros(*update.NextAttemptAt))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*update.LastError))
	}
	if update.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, micros(*update.SentAt))
	}
	if update.MaxAttempts != nil {
		sets = append(sets, "max_attempts = ?")
		args = append(args, *update.MaxAttempts)
	}
	if update.Status != nil && *update.Status != schema.DispatchSending {
		sets = append(sets, "claimed_until = NULL")
	}
	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE dispatch_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update dispatch job", err)
	}
	return checkRowsAffected(res, "dispatch job", id)
}

// CancelDispatchJobs cancels the pending and retrying jobs matching filter.
// Jobs already sending, sent or failed are left untouched.
func (s *SQLStore) CancelDispatchJobs(ctx context.Context, filter JobFilter, now time.Time) (int, error) {
	filter.Statuses = cancellable
	where, args := jobWhere(filter)
	query := `UPDATE dispatch_jobs SET status = ?, updated_at = ? WHERE ` + strings.Join(where, " AND ")
	args = append([]any{string(schema.DispatchCancelled), micros(timeOrNow(now))}, args...)
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, storeErr("cancel dispatch jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("cancel dispatch jobs", err)
	}
	return int(n), nil
}

// --- Deliveries ---

// RecordDelivery stores a delivery marker. Recording the same dedupe key twice is a no-op.
func (s *SQLStore) RecordDelivery(ctx context.Context, d *schema.Delivery) error {
	d.DeliveredAt = timeOrNow(d.DeliveredAt)
	_, err := s.exec(ctx,
		`INSERT INTO deliveries (tenant_id, dedupe_key, job_id, channel, recipient, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (tenant_id, dedupe_key) DO NOTHING`,
		d.TenantID, d.DedupeKey, d.JobID, string(d.Channel), d.Recipient, micros(d.DeliveredAt))
	return s.mapErr("record delivery", err)
}

func (s *SQLStore) GetDelivery(ctx context.Context, tenantID, dedupeKey string) (*schema.Delivery, error) {
	d := &schema.Delivery{TenantID: tenantID, DedupeKey: dedupeKey}
	var channel string
	var at int64
	err := s.queryRow(ctx,
		`SELECT job_id, channel, recipient, delivered_at FROM deliveries WHERE tenant_id = ? AND dedupe_key = ?`,
		tenantID, dedupeKey).Scan(&d.JobID, &channel, &d.Recipient, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("delivery", dedupeKey)
	}
	if err != nil {
		return nil, storeErr("get delivery", err)
	}
	d.Channel = schema.ChannelType(channel)
	d.DeliveredAt = fromMicros(at)
	return d, nil
}

// --- Helpers ---

func (s *SQLStore) withTx(ctx context.Context, fn func(c conn) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	if err := fn(conn{q: dbtx, dialect: s.dialect}); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

func (s *SQLStore) queryJobs(ctx context.Context, query string, args ...any) ([]schema.DispatchJob, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list dispatch jobs", err)
	}
	defer rows.Close()

	var out []schema.DispatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func jobWhere(filter JobFilter) ([]string, []any) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	return where, args
}

func scanJob(row rowScanner) (*schema.DispatchJob, error) {
	var (
		j                           schema.DispatchJob
		ruleID, subject, lastError  sql.NullString
		channel, status             string
		due, next, created, updated int64
		sent, claimed               sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.TenantID, &ruleID, &j.EntityType, &j.EntityID, &j.EventID, &j.DedupeKey,
		&channel, &j.Recipient, &subject, &j.Body, &status, &j.Attempts, &j.MaxAttempts,
		&due, &next, &lastError, &created, &updated, &sent, &claimed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan dispatch job", err)
	}
	j.RuleID = ruleID.String
	j.Subject = subject.String
	j.LastError = lastError.String
	j.Channel = schema.ChannelType(channel)
	j.Status = schema.DispatchStatus(status)
	j.DueAt = fromMicros(due)
	j.NextAttemptAt = fromMicros(next)
	j.CreatedAt = fromMicros(created)
	j.UpdatedAt = fromMicros(updated)
	if sent.Valid {
		t := fromMicros(sent.Int64)
		j.SentAt = &t
	}
	if claimed.Valid {
		t := fromMicros(claimed.Int64)
		j.ClaimedUntil = &t
	}
	return &j, nil
}
