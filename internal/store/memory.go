package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/entityflow/pkg/schema"
)

// MemoryStore is an in-process Store. Transactions hold the store lock for
// their whole duration and roll back through an undo log.
type MemoryStore struct {
	mu sync.Mutex

	fields     map[string]schema.DynamicField
	workflows  map[string]schema.Workflow
	rules      map[string]schema.NotificationRule
	states     map[EntityKey]schema.EntityState
	values     map[EntityKey]map[string]schema.DynamicFieldValue
	history    map[EntityKey][]schema.HistoryEntry
	approvals  []schema.Approval
	outbox     []*memOutbox
	jobs       map[string]*schema.DispatchJob
	jobOrder   []string
	dedupe     map[string]string
	deliveries map[string]schema.Delivery
	audit      []schema.AuditEntry
	secrets    map[string][]byte
}

type memOutbox struct {
	rec          schema.OutboxRecord
	claimedUntil time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fields:     make(map[string]schema.DynamicField),
		workflows:  make(map[string]schema.Workflow),
		rules:      make(map[string]schema.NotificationRule),
		states:     make(map[EntityKey]schema.EntityState),
		values:     make(map[EntityKey]map[string]schema.DynamicFieldValue),
		history:    make(map[EntityKey][]schema.HistoryEntry),
		jobs:       make(map[string]*schema.DispatchJob),
		dedupe:     make(map[string]string),
		deliveries: make(map[string]schema.Delivery),
		secrets:    make(map[string][]byte),
	}
}

func join(parts ...string) string { return strings.Join(parts, "\x00") }

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- Definitions ---

func (m *MemoryStore) SaveField(_ context.Context, f *schema.DynamicField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	k := join(f.TenantID, f.EntityType, f.Key)
	cp := *f
	if existing, ok := m.fields[k]; ok {
		cp.ID = existing.ID
	}
	m.fields[k] = cp
	return nil
}

func (m *MemoryStore) ListFields(_ context.Context, tenantID, entityType string, includeInactive bool) ([]schema.DynamicField, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.DynamicField
	for _, f := range m.fields {
		if f.TenantID != tenantID || f.EntityType != entityType || (!includeInactive && !f.IsActive) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf.IsActive {
		for id, other := range m.workflows {
			if id != wf.ID && other.IsActive && other.TenantID == wf.TenantID && other.EntityType == wf.EntityType {
				return schema.NewErrorf(schema.ErrCodeAmbiguousConfiguration,
					"tenant %q already has an active workflow for %q", wf.TenantID, wf.EntityType)
			}
		}
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	m.workflows[wf.ID] = *wf
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, tenantID, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return nil, storeNotFound("workflow", id)
	}
	return &wf, nil
}

func (m *MemoryStore) ActiveWorkflow(_ context.Context, tenantID, entityType string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.IsActive && wf.TenantID == tenantID && wf.EntityType == entityType {
			return &wf, nil
		}
	}
	return nil, noWorkflow(tenantID, entityType)
}

func (m *MemoryStore) ListWorkflows(_ context.Context, tenantID, entityType string) ([]schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.Workflow
	for _, wf := range m.workflows {
		if wf.TenantID == tenantID && (entityType == "" || wf.EntityType == entityType) {
			out = append(out, wf)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SaveRule(_ context.Context, r *schema.NotificationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.rules[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, tenantID, id string) (*schema.NotificationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.TenantID != tenantID {
		return nil, storeNotFound("notification rule", id)
	}
	return &r, nil
}

func (m *MemoryStore) ListRules(_ context.Context, filter RuleFilter) ([]schema.NotificationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.NotificationRule
	for _, r := range m.rules {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if filter.EntityType != "" && r.EntityType != filter.EntityType {
			continue
		}
		if filter.ActiveOnly && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SetRuleActive(_ context.Context, tenantID, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.TenantID != tenantID {
		return storeNotFound("notification rule", id)
	}
	r.IsActive = active
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

// --- Entity reads ---

func (m *MemoryStore) GetEntityState(_ context.Context, key EntityKey) (*schema.EntityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return nil, storeNotFound("entity", key.EntityID)
	}
	return &st, nil
}

func (m *MemoryStore) ListEntities(_ context.Context, filter EntityFilter) ([]schema.EntityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.EntityState
	for key, st := range m.states {
		if key.TenantID != filter.TenantID || (filter.EntityType != "" && key.EntityType != filter.EntityType) {
			continue
		}
		if st.Deleted && !filter.IncludeDeleted {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityID < out[j].EntityID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListFieldValues(_ context.Context, key EntityKey) ([]schema.DynamicFieldValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.DynamicFieldValue
	for _, v := range m.values[key] {
		out = append(out, cloneValue(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldKey < out[j].FieldKey })
	return out, nil
}

func (m *MemoryStore) ListHistory(_ context.Context, key EntityKey) ([]schema.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	out := make([]schema.HistoryEntry, len(h))
	copy(out, h)
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]schema.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.Approval
	for _, a := range m.approvals {
		if approvalKey(a) == filter.Key && a.TransitionID == filter.TransitionID && a.State == filter.State {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) AddApproval(_ context.Context, a *schema.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.approvals {
		if approvalKey(existing) == approvalKey(*a) && existing.TransitionID == a.TransitionID &&
			existing.State == a.State && existing.UserID == a.UserID {
			return nil
		}
	}
	cp := *a
	cp.ApprovedAt = timeOrNow(cp.ApprovedAt)
	m.approvals = append(m.approvals, cp)
	return nil
}

func approvalKey(a schema.Approval) EntityKey {
	return EntityKey{TenantID: a.TenantID, EntityType: a.EntityType, EntityID: a.EntityID}
}

// --- Transaction ---

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memTx) CreateEntityState(_ context.Context, st *schema.EntityState) error {
	key := EntityKey{TenantID: st.TenantID, EntityType: st.EntityType, EntityID: st.EntityID}
	if _, ok := t.m.states[key]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "entity %q already exists", st.EntityID)
	}
	st.CreatedAt = timeOrNow(st.CreatedAt)
	st.UpdatedAt = time.Now().UTC()
	if st.Version == 0 {
		st.Version = 1
	}
	t.m.states[key] = *st
	t.undo = append(t.undo, func() { delete(t.m.states, key) })
	return nil
}

func (t *memTx) CompareAndSwapState(_ context.Context, key EntityKey, expected int64, newState string, deleted bool, now time.Time) (int64, error) {
	prev, ok := t.m.states[key]
	if !ok {
		return 0, storeNotFound("entity", key.EntityID)
	}
	if prev.Version != expected {
		return 0, staleVersion(key, expected)
	}
	next := prev
	next.CurrentState = newState
	next.Deleted = deleted
	next.Version = expected + 1
	next.UpdatedAt = timeOrNow(now)
	t.m.states[key] = next
	t.undo = append(t.undo, func() { t.m.states[key] = prev })
	return next.Version, nil
}

func (t *memTx) UpsertFieldValues(_ context.Context, values []schema.DynamicFieldValue) error {
	for _, v := range values {
		key := EntityKey{TenantID: v.TenantID, EntityType: v.EntityType, EntityID: v.EntityID}
		bucket, ok := t.m.values[key]
		if !ok {
			bucket = make(map[string]schema.DynamicFieldValue)
			t.m.values[key] = bucket
		}
		prev, existed := bucket[v.FieldID]
		v.UpdatedAt = timeOrNow(v.UpdatedAt)
		bucket[v.FieldID] = cloneValue(v)
		fieldID := v.FieldID
		t.undo = append(t.undo, func() {
			if existed {
				bucket[fieldID] = prev
			} else {
				delete(bucket, fieldID)
			}
		})
	}
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, h *schema.HistoryEntry) error {
	key := EntityKey{TenantID: h.TenantID, EntityType: h.EntityType, EntityID: h.EntityID}
	prev := t.m.history[key]
	h.Sequence = int64(len(prev)) + 1
	h.PerformedAt = timeOrNow(h.PerformedAt)
	t.m.history[key] = append(prev[:len(prev):len(prev)], *h)
	t.undo = append(t.undo, func() { t.m.history[key] = prev })
	return nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, r *schema.OutboxRecord) error {
	r.CreatedAt = timeOrNow(r.CreatedAt)
	n := len(t.m.outbox)
	t.m.outbox = append(t.m.outbox, &memOutbox{rec: *r})
	t.undo = append(t.undo, func() { t.m.outbox = t.m.outbox[:n] })
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e *schema.AuditEntry) error {
	e.CreatedAt = timeOrNow(e.CreatedAt)
	n := len(t.m.audit)
	t.m.audit = append(t.m.audit, *e)
	t.undo = append(t.undo, func() { t.m.audit = t.m.audit[:n] })
	return nil
}

func (t *memTx) ClearApprovals(_ context.Context, key EntityKey) error {
	prev := t.m.approvals
	var kept []schema.Approval
	for _, a := range prev {
		if approvalKey(a) != key {
			kept = append(kept, a)
		}
	}
	t.m.approvals = kept
	t.undo = append(t.undo, func() { t.m.approvals = prev })
	return nil
}

// --- Outbox ---

func (m *MemoryStore) ClaimOutbox(_ context.Context, now time.Time, lease time.Duration, limit int) ([]schema.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []schema.OutboxRecord
	for _, o := range m.outbox {
		if len(out) >= limit {
			break
		}
		if o.rec.ProcessedAt != nil || o.claimedUntil.After(now) {
			continue
		}
		o.claimedUntil = now.Add(lease)
		o.rec.Attempts++
		out = append(out, o.rec)
	}
	return out, nil
}

func (m *MemoryStore) MarkOutboxProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.outbox {
		if o.rec.ID == id {
			t := timeOrNow(at)
			o.rec.ProcessedAt = &t
			return nil
		}
	}
	return storeNotFound("outbox record", id)
}

// --- Dispatch jobs ---

func (m *MemoryStore) CreateDispatchJobs(_ context.Context, jobs []*schema.DispatchJob) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, j := range jobs {
		dk := join(j.TenantID, j.DedupeKey)
		if _, ok := m.dedupe[dk]; ok {
			continue
		}
		j.CreatedAt = timeOrNow(j.CreatedAt)
		j.UpdatedAt = time.Now().UTC()
		if j.Status == "" {
			j.Status = schema.DispatchPending
		}
		if j.NextAttemptAt.IsZero() {
			j.NextAttemptAt = j.DueAt
		}
		cp := *j
		m.jobs[j.ID] = &cp
		m.jobOrder = append(m.jobOrder, j.ID)
		m.dedupe[dk] = j.ID
		created++
	}
	return created, nil
}

func (m *MemoryStore) GetDispatchJob(_ context.Context, tenantID, id string) (*schema.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, storeNotFound("dispatch job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListDispatchJobs(_ context.Context, filter JobFilter) ([]schema.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.DispatchJob
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if !jobMatches(j, filter) {
			continue
		}
		out = append(out, *j)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DueDispatchJobs(_ context.Context, now time.Time, limit int) ([]schema.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []schema.DispatchJob
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if jobDue(j, now) {
			out = append(out, *j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].NextAttemptAt.Equal(out[k].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[k].NextAttemptAt)
		}
		return out[i].ID < out[k].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimDispatchJob(_ context.Context, id string, from schema.DispatchStatus, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != from || !jobDue(j, now) {
		return false, nil
	}
	until := now.Add(lease)
	j.Status = schema.DispatchSending
	j.Attempts++
	j.ClaimedUntil = &until
	j.UpdatedAt = timeOrNow(now)
	return true, nil
}

// jobDue reports whether a job may be claimed at now: pending or retrying
// past its next attempt, or sending with an expired lease.
func jobDue(j *schema.DispatchJob, now time.Time) bool {
	switch j.Status {
	case schema.DispatchPending, schema.DispatchRetrying:
		return !j.NextAttemptAt.After(now)
	case schema.DispatchSending:
		return j.ClaimedUntil == nil || !j.ClaimedUntil.After(now)
	}
	return false
}

func (m *MemoryStore) UpdateDispatchJob(_ context.Context, id string, update JobUpdate, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storeNotFound("dispatch job", id)
	}
	if update.Status != nil {
		j.Status = *update.Status
	}
	if update.NextAttemptAt != nil {
		j.NextAttemptAt = *update.NextAttemptAt
	}
	if update.LastError != nil {
		j.LastError = *update.LastError
	}
	if update.SentAt != nil {
		t := *update.SentAt
		j.SentAt = &t
	}
	if update.MaxAttempts != nil {
		j.MaxAttempts = *update.MaxAttempts
	}
	if update.Status != nil && *update.Status != schema.DispatchSending {
		j.ClaimedUntil = nil
	}
	j.UpdatedAt = timeOrNow(now)
	return nil
}

func (m *MemoryStore) CancelDispatchJobs(_ context.Context, filter JobFilter, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filter.Statuses = cancellable
	n := 0
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if !jobMatches(j, filter) {
			continue
		}
		j.Status = schema.DispatchCancelled
		j.UpdatedAt = timeOrNow(now)
		n++
	}
	return n, nil
}

func jobMatches(j *schema.DispatchJob, f JobFilter) bool {
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.RuleID != "" && j.RuleID != f.RuleID {
		return false
	}
	if f.EntityType != "" && j.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && j.EntityID != f.EntityID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if j.Status == st {
			return true
		}
	}
	return false
}

// --- Deliveries ---

func (m *MemoryStore) RecordDelivery(_ context.Context, d *schema.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := join(d.TenantID, d.DedupeKey)
	if _, ok := m.deliveries[k]; ok {
		return nil
	}
	d.DeliveredAt = timeOrNow(d.DeliveredAt)
	m.deliveries[k] = *d
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, tenantID, dedupeKey string) (*schema.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[join(tenantID, dedupeKey)]
	if !ok {
		return nil, storeNotFound("delivery", dedupeKey)
	}
	return &d, nil
}

// --- Audit ---

func (m *MemoryStore) AppendAudit(_ context.Context, e *schema.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.CreatedAt = timeOrNow(e.CreatedAt)
	m.audit = append(m.audit, *e)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]schema.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.AuditEntry
	for _, e := range m.audit {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Secrets ---

func (m *MemoryStore) StoreSecret(_ context.Context, tenantID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.secrets[join(tenantID, key)] = cp
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, tenantID, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[join(tenantID, key)]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return v, nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := join(tenantID, key)
	if _, ok := m.secrets[k]; !ok {
		return storeNotFound("secret", key)
	}
	delete(m.secrets, k)
	return nil
}

func (m *MemoryStore) ListSecrets(_ context.Context, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := tenantID + "\x00"
	var keys []string
	for k := range m.secrets {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			keys = append(keys, rest)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func cloneValue(v schema.DynamicFieldValue) schema.DynamicFieldValue {
	if v.Text != nil {
		s := *v.Text
		v.Text = &s
	}
	if v.Number != nil {
		n := *v.Number
		v.Number = &n
	}
	if v.Boolean != nil {
		b := *v.Boolean
		v.Boolean = &b
	}
	if v.Date != nil {
		d := *v.Date
		v.Date = &d
	}
	if v.Datetime != nil {
		d := *v.Datetime
		v.Datetime = &d
	}
	if v.JSON != nil {
		v.JSON = append(json.RawMessage(nil), v.JSON...)
	}
	return v
}

var _ Store = (*MemoryStore)(nil)
