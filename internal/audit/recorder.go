// Package audit records the append-only history of entity state changes and
// the operational audit trail of actions and deliveries.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

// Appender is satisfied by both store.Store and store.Tx, so audit entries can
// be written inside or outside an entity transaction.
type Appender interface {
	AppendAudit(ctx context.Context, e *schema.AuditEntry) error
}

// Store is the persistence the recorder needs. Satisfied by store.Store.
type Store interface {
	Appender
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]schema.AuditEntry, error)
	ListHistory(ctx context.Context, key store.EntityKey) ([]schema.HistoryEntry, error)
	GetEntityState(ctx context.Context, key store.EntityKey) (*schema.EntityState, error)
	RecordDelivery(ctx context.Context, d *schema.Delivery) error
	GetDelivery(ctx context.Context, tenantID, dedupeKey string) (*schema.Delivery, error)
}

// Recorder writes history and audit entries.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logging.OrDiscard(logger), now: func() time.Time { return time.Now().UTC() }}
}

// AppendHistory appends h inside tx. The store assigns the sequence.
func (r *Recorder) AppendHistory(ctx context.Context, tx store.Tx, h *schema.HistoryEntry) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.PerformedAt.IsZero() {
		h.PerformedAt = r.now()
	}
	return tx.AppendHistory(ctx, h)
}

// History lists the history of one entity in sequence order.
func (r *Recorder) History(ctx context.Context, key store.EntityKey) ([]schema.HistoryEntry, error) {
	return r.store.ListHistory(ctx, key)
}

// Entries lists audit entries.
func (r *Recorder) Entries(ctx context.Context, filter store.AuditFilter) ([]schema.AuditEntry, error) {
	return r.store.ListAudit(ctx, filter)
}

// Record appends one audit entry through dst. A nil dst writes to the store.
func (r *Recorder) Record(ctx context.Context, dst Appender, e *schema.AuditEntry) error {
	if dst == nil {
		dst = r.store
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	return dst.AppendAudit(ctx, e)
}

// Degraded is one failed workflow action.
type Degraded struct {
	Phase    string `json:"phase"`
	Index    int    `json:"index"`
	Type     string `json:"type"`
	Code     string `json:"code"`
	Error    string `json:"error"`
	Duration int64  `json:"duration_ms"`
}

// RecordDegraded appends one degraded_action entry per failed action.
func (r *Recorder) RecordDegraded(ctx context.Context, dst Appender, key store.EntityKey, refID string, failed []Degraded) error {
	for _, d := range failed {
		detail, err := json.Marshal(d)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal degraded action").WithCause(err)
		}
		err = r.Record(ctx, dst, &schema.AuditEntry{
			TenantID:   key.TenantID,
			EntityType: key.EntityType,
			EntityID:   key.EntityID,
			Kind:       schema.AuditDegradedAction,
			RefID:      refID,
			Detail:     detail,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordConfig appends a config_error or ambiguous_match entry. Failures are
// logged and swallowed; configuration audits never block the caller.
func (r *Recorder) RecordConfig(ctx context.Context, kind schema.AuditKind, tenantID, entityType, entityID, refID string, detail map[string]any) {
	raw, _ := json.Marshal(detail)
	err := r.Record(ctx, nil, &schema.AuditEntry{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		RefID:      refID,
		Detail:     raw,
	})
	if err != nil {
		logging.LogWith(ctx, r.logger).Error("audit write failed", "kind", kind, "error", err)
	}
}

// RecordDispatch appends a dispatch_* entry for job.
func (r *Recorder) RecordDispatch(ctx context.Context, kind schema.AuditKind, job *schema.DispatchJob, reason string) error {
	detail, _ := json.Marshal(map[string]any{
		"rule_id":   job.RuleID,
		"channel":   job.Channel,
		"recipient": job.Recipient,
		"attempts":  job.Attempts,
		"event_id":  job.EventID,
		"reason":    reason,
	})
	return r.Record(ctx, nil, &schema.AuditEntry{
		TenantID:   job.TenantID,
		EntityType: job.EntityType,
		EntityID:   job.EntityID,
		Kind:       kind,
		RefID:      job.ID,
		Detail:     detail,
	})
}

// Delivered reports whether a delivery was already recorded for the key.
func (r *Recorder) Delivered(ctx context.Context, tenantID, dedupeKey string) (bool, error) {
	_, err := r.store.GetDelivery(ctx, tenantID, dedupeKey)
	if err == nil {
		return true, nil
	}
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return false, nil
	}
	return false, err
}

// RecordDelivered writes the ledger entry for a successful send and audits it.
func (r *Recorder) RecordDelivered(ctx context.Context, job *schema.DispatchJob, at time.Time) error {
	err := r.store.RecordDelivery(ctx, &schema.Delivery{
		TenantID:    job.TenantID,
		DedupeKey:   job.DedupeKey,
		JobID:       job.ID,
		Channel:     job.Channel,
		Recipient:   job.Recipient,
		DeliveredAt: at,
	})
	if err != nil {
		return err
	}
	return r.RecordDispatch(ctx, schema.AuditDispatchSent, job, "")
}

// Problem is one history inconsistency.
type Problem struct {
	Sequence int64  `json:"sequence,omitempty"`
	Message  string `json:"message"`
}

// Report is the outcome of Verify.
type Report struct {
	Key          store.EntityKey `json:"key"`
	Entries      int             `json:"entries"`
	CurrentState string          `json:"current_state"`
	Problems     []Problem       `json:"problems,omitempty"`
}

// OK reports whether no problem was found.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

// Verify checks that the history of key starts at sequence 1, has no gaps,
// chains each fromState to the previous toState, and ends in the current state.
func (r *Recorder) Verify(ctx context.Context, key store.EntityKey) (*Report, error) {
	st, err := r.store.GetEntityState(ctx, key)
	if err != nil {
		return nil, err
	}
	entries, err := r.store.ListHistory(ctx, key)
	if err != nil {
		return nil, err
	}
	rep := &Report{Key: key, Entries: len(entries), CurrentState: st.CurrentState}
	if len(entries) == 0 {
		// Entities created without a workflow have neither state nor history.
		if st.WorkflowID != "" || st.CurrentState != "" {
			rep.Problems = append(rep.Problems, Problem{Message: "entity has no history"})
		}
		return rep, nil
	}
	for i, h := range entries {
		want := int64(i + 1)
		if h.Sequence != want {
			rep.Problems = append(rep.Problems, Problem{
				Sequence: h.Sequence,
				Message:  fmt.Sprintf("expected sequence %d", want),
			})
		}
		if i == 0 {
			if h.FromState != "" {
				rep.Problems = append(rep.Problems, Problem{Sequence: h.Sequence, Message: "first entry is not a creation entry"})
			}
			continue
		}
		if prev := entries[i-1]; h.FromState != prev.ToState {
			rep.Problems = append(rep.Problems, Problem{
				Sequence: h.Sequence,
				Message:  fmt.Sprintf("from state %q does not follow %q", h.FromState, prev.ToState),
			})
		}
	}
	if last := entries[len(entries)-1]; last.ToState != st.CurrentState {
		rep.Problems = append(rep.Problems, Problem{
			Sequence: last.Sequence,
			Message:  fmt.Sprintf("current state %q differs from last history state %q", st.CurrentState, last.ToState),
		})
	}
	return rep, nil
}
