package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/pkg/schema"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	engErr, ok := schema.AsEngineError(err)
	require.True(t, ok, "expected *schema.EngineError, got %T", err)
	assert.Equal(t, code, engErr.Code)
}

func testWorkflow(tenant, entityType string, active bool) *schema.Workflow {
	return &schema.Workflow{
		ID:           uuid.NewString(),
		TenantID:     tenant,
		EntityType:   entityType,
		Name:         "deal pipeline",
		InitialState: "new",
		States:       []schema.WorkflowState{{Name: "new"}, {Name: "won"}},
		Transitions: []schema.WorkflowTransition{
			{ID: "win", Name: "Win", From: "new", To: "won"},
		},
		IsActive: active,
	}
}

var dealKey = EntityKey{TenantID: "acme", EntityType: "deal", EntityID: "d1"}

func createEntity(t *testing.T, s Store, key EntityKey, state string) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx Tx) error {
		return tx.CreateEntityState(context.Background(), &schema.EntityState{
			TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID,
			WorkflowID: "wf", CurrentState: state,
		})
	})
	require.NoError(t, err)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = ? AND b = ?", dialectLibSQL.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", dialectPostgres.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", dialectPostgres.rebind("SELECT 1"))
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 2, version)
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.Equal(t, "initial_schema", ms[0].name)
	assert.NotEmpty(t, statements(ms[0].script))
	require.Len(t, ms, 2)
	assert.Equal(t, "dispatch_claim_lease", ms[1].name)
}

func TestStatements(t *testing.T) {
	got := statements("-- header\nCREATE TABLE a (x INTEGER);\n\n  -- note\nCREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INTEGER)", "CREATE INDEX i ON a (x)"}, got)
	assert.Empty(t, statements("-- only a comment\n"))
}

func TestWorkflows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		wf := testWorkflow("acme", "deal", true)
		require.NoError(t, s.SaveWorkflow(ctx, wf))

		got, err := s.ActiveWorkflow(ctx, "acme", "deal")
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, "new", got.InitialState)
		require.Len(t, got.Transitions, 1)
		assert.Equal(t, []string{"new"}, got.Transitions[0].From)

		// A second active workflow for the same entity type is rejected.
		err = s.SaveWorkflow(ctx, testWorkflow("acme", "deal", true))
		assertCode(t, err, schema.ErrCodeAmbiguousConfiguration)

		// Inactive drafts and other tenants are fine.
		require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("acme", "deal", false)))
		require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("globex", "deal", true)))

		// Re-saving the active workflow itself is not a conflict.
		wf.Name = "renamed"
		require.NoError(t, s.SaveWorkflow(ctx, wf))

		list, err := s.ListWorkflows(ctx, "acme", "deal")
		require.NoError(t, err)
		assert.Len(t, list, 2)

		_, err = s.ActiveWorkflow(ctx, "acme", "ticket")
		assertCode(t, err, schema.ErrCodeNoWorkflowConfigured)

		_, err = s.GetWorkflow(ctx, "globex", wf.ID)
		assertCode(t, err, schema.ErrCodeNotFound)
	})
}

func TestFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		amount := &schema.DynamicField{ID: "f-amount", TenantID: "acme", EntityType: "deal", Key: "amount",
			Label: "Amount", Type: schema.FieldCurrency, SortOrder: 2, IsActive: true}
		name := &schema.DynamicField{ID: "f-name", TenantID: "acme", EntityType: "deal", Key: "name",
			Label: "Name", Type: schema.FieldText, SortOrder: 1, Required: true, IsActive: true}
		legacy := &schema.DynamicField{ID: "f-legacy", TenantID: "acme", EntityType: "deal", Key: "legacy",
			Type: schema.FieldText, SortOrder: 0, IsActive: false}
		for _, f := range []*schema.DynamicField{amount, name, legacy} {
			require.NoError(t, s.SaveField(ctx, f))
		}

		fields, err := s.ListFields(ctx, "acme", "deal", false)
		require.NoError(t, err)
		require.Len(t, fields, 2)
		assert.Equal(t, "name", fields[0].Key)
		assert.Equal(t, "amount", fields[1].Key)
		assert.True(t, fields[0].Required)

		all, err := s.ListFields(ctx, "acme", "deal", true)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		// Saving the same key again updates in place and keeps the original id.
		again := &schema.DynamicField{ID: "other", TenantID: "acme", EntityType: "deal", Key: "amount",
			Label: "Deal value", Type: schema.FieldCurrency, SortOrder: 2, IsActive: true}
		require.NoError(t, s.SaveField(ctx, again))
		fields, err = s.ListFields(ctx, "acme", "deal", false)
		require.NoError(t, err)
		require.Len(t, fields, 2)
		assert.Equal(t, "f-amount", fields[1].ID)
		assert.Equal(t, "Deal value", fields[1].Label)

		other, err := s.ListFields(ctx, "globex", "deal", true)
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestRules(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := &schema.NotificationRule{
			ID: "r1", TenantID: "acme", EntityType: "deal", Name: "won",
			TriggerType: schema.TriggerStatusChanged, TemplateBody: "Deal {{name}} won",
			Channels:   []schema.NotificationChannel{{Type: schema.ChannelEmail}},
			Recipients: []schema.Recipient{{Type: schema.RecipientRole, Value: "sales"}},
			IsActive:   true,
		}
		require.NoError(t, s.SaveRule(ctx, r))
		require.NoError(t, s.SaveRule(ctx, &schema.NotificationRule{
			ID: "r2", TenantID: "acme", EntityType: "ticket", TriggerType: schema.TriggerCreated, IsActive: true,
		}))

		rules, err := s.ListRules(ctx, RuleFilter{TenantID: "acme", EntityType: "deal", ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "Deal {{name}} won", rules[0].TemplateBody)

		require.NoError(t, s.SetRuleActive(ctx, "acme", "r1", false))
		rules, err = s.ListRules(ctx, RuleFilter{TenantID: "acme", EntityType: "deal", ActiveOnly: true})
		require.NoError(t, err)
		assert.Empty(t, rules)

		got, err := s.GetRule(ctx, "acme", "r1")
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		assertCode(t, s.SetRuleActive(ctx, "globex", "r1", true), schema.ErrCodeNotFound)
	})
}

func TestEntityState_CompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createEntity(t, s, dealKey, "new")

		st, err := s.GetEntityState(ctx, dealKey)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Version)
		assert.Equal(t, "new", st.CurrentState)

		err = s.WithinTx(ctx, func(tx Tx) error {
			v, err := tx.CompareAndSwapState(ctx, dealKey, 1, "won", false, time.Now())
			assert.Equal(t, int64(2), v)
			return err
		})
		require.NoError(t, err)

		err = s.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.CompareAndSwapState(ctx, dealKey, 1, "lost", false, time.Now())
			return err
		})
		assertCode(t, err, schema.ErrCodeConcurrentModification)

		st, err = s.GetEntityState(ctx, dealKey)
		require.NoError(t, err)
		assert.Equal(t, "won", st.CurrentState)
		assert.Equal(t, int64(2), st.Version)

		missing := EntityKey{TenantID: "acme", EntityType: "deal", EntityID: "nope"}
		err = s.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.CompareAndSwapState(ctx, missing, 1, "won", false, time.Now())
			return err
		})
		assertCode(t, err, schema.ErrCodeNotFound)
	})
}

func TestListEntities(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"d2", "d1", "d3"} {
			createEntity(t, s, EntityKey{TenantID: "acme", EntityType: "deal", EntityID: id}, "new")
		}
		createEntity(t, s, EntityKey{TenantID: "acme", EntityType: "invoice", EntityID: "i1"}, "open")
		createEntity(t, s, EntityKey{TenantID: "globex", EntityType: "deal", EntityID: "g1"}, "new")

		gone := EntityKey{TenantID: "acme", EntityType: "deal", EntityID: "d3"}
		require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.CompareAndSwapState(ctx, gone, 1, "new", true, time.Now())
			return err
		}))

		ids := func(list []schema.EntityState) []string {
			out := make([]string, len(list))
			for i, st := range list {
				out[i] = st.EntityID
			}
			return out
		}

		list, err := s.ListEntities(ctx, EntityFilter{TenantID: "acme", EntityType: "deal"})
		require.NoError(t, err)
		assert.Equal(t, []string{"d1", "d2"}, ids(list))
		assert.Equal(t, "new", list[0].CurrentState)
		assert.Equal(t, "deal", list[0].EntityType)

		list, err = s.ListEntities(ctx, EntityFilter{TenantID: "acme", EntityType: "deal", IncludeDeleted: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"d1", "d2", "d3"}, ids(list))
		assert.True(t, list[2].Deleted)

		list, err = s.ListEntities(ctx, EntityFilter{TenantID: "acme", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"d1", "d2"}, ids(list))

		list, err = s.ListEntities(ctx, EntityFilter{TenantID: "acme", EntityType: "invoice"})
		require.NoError(t, err)
		assert.Equal(t, []string{"i1"}, ids(list))
	})
}

func TestWithinTx_RollbackDiscardsAllWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createEntity(t, s, dealKey, "new")
		boom := errors.New("boom")

		err := s.WithinTx(ctx, func(tx Tx) error {
			if _, err := tx.CompareAndSwapState(ctx, dealKey, 1, "won", false, time.Now()); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, &schema.HistoryEntry{
				ID: uuid.NewString(), TenantID: "acme", WorkflowID: "wf", EntityType: "deal", EntityID: "d1",
				FromState: "new", ToState: "won", PerformedBy: "u1",
			}); err != nil {
				return err
			}
			if err := tx.EnqueueOutbox(ctx, &schema.OutboxRecord{
				ID: uuid.NewString(), TenantID: "acme", Kind: schema.OutboxEvent, Payload: json.RawMessage(`{}`),
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		st, err := s.GetEntityState(ctx, dealKey)
		require.NoError(t, err)
		assert.Equal(t, "new", st.CurrentState)
		assert.Equal(t, int64(1), st.Version)

		history, err := s.ListHistory(ctx, dealKey)
		require.NoError(t, err)
		assert.Empty(t, history)

		claimed, err := s.ClaimOutbox(ctx, time.Now(), time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestHistory_ContiguousSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		other := EntityKey{TenantID: "acme", EntityType: "deal", EntityID: "d2"}
		states := []string{"new", "qualified", "won"}

		for i := 1; i < len(states); i++ {
			for _, key := range []EntityKey{dealKey, other} {
				err := s.WithinTx(ctx, func(tx Tx) error {
					return tx.AppendHistory(ctx, &schema.HistoryEntry{
						ID: uuid.NewString(), TenantID: key.TenantID, WorkflowID: "wf",
						EntityType: key.EntityType, EntityID: key.EntityID,
						FromState: states[i-1], ToState: states[i], TransitionID: "t", PerformedBy: "u1",
						Comment: "ok", Metadata: map[string]any{"step": float64(i)},
					})
				})
				require.NoError(t, err)
			}
		}

		history, err := s.ListHistory(ctx, dealKey)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, int64(1), history[0].Sequence)
		assert.Equal(t, int64(2), history[1].Sequence)
		assert.Equal(t, "qualified", history[1].FromState)
		assert.Equal(t, "won", history[1].ToState)
		assert.Equal(t, "ok", history[0].Comment)
		assert.Equal(t, float64(2), history[1].Metadata["step"])
	})
}

func TestFieldValues_Slots(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		text := "Acme renewal"
		num := 1250.5
		yes := true
		date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		at := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
		mk := func(key string, kind schema.ValueKind) schema.DynamicFieldValue {
			return schema.DynamicFieldValue{TenantID: "acme", EntityType: "deal", EntityID: "d1",
				FieldID: "f-" + key, FieldKey: key, Kind: kind}
		}
		values := []schema.DynamicFieldValue{mk("name", schema.ValueText), mk("amount", schema.ValueNumber),
			mk("vip", schema.ValueBoolean), mk("close", schema.ValueDate), mk("call", schema.ValueDatetime),
			mk("tags", schema.ValueJSON)}
		values[0].Text = &text
		values[1].Number = &num
		values[2].Boolean = &yes
		values[3].Date = &date
		values[4].Datetime = &at
		values[5].JSON = json.RawMessage(`["a","b"]`)

		require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.UpsertFieldValues(ctx, values) }))

		got, err := s.ListFieldValues(ctx, dealKey)
		require.NoError(t, err)
		m := schema.ValuesMap(got)
		assert.Equal(t, "Acme renewal", m["name"])
		assert.Equal(t, 1250.5, m["amount"])
		assert.Equal(t, true, m["vip"])
		assert.Equal(t, "2026-03-01", m["close"])
		assert.Equal(t, "2026-03-01T14:30:00Z", m["call"])
		assert.Equal(t, []any{"a", "b"}, m["tags"])

		// Upsert overwrites the slot.
		changed := 99.0
		update := mk("amount", schema.ValueNumber)
		update.Number = &changed
		require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
			return tx.UpsertFieldValues(ctx, []schema.DynamicFieldValue{update})
		}))
		got, err = s.ListFieldValues(ctx, dealKey)
		require.NoError(t, err)
		assert.Len(t, got, 6)
		assert.Equal(t, 99.0, schema.ValuesMap(got)["amount"])
	})
}

func TestApprovals(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		add := func(user string) {
			require.NoError(t, s.AddApproval(ctx, &schema.Approval{
				ID: uuid.NewString(), TenantID: "acme", EntityType: "deal", EntityID: "d1",
				TransitionID: "approve", State: "review", UserID: user,
			}))
		}
		add("u1")
		add("u1")
		add("u2")

		filter := ApprovalFilter{Key: dealKey, TransitionID: "approve", State: "review"}
		got, err := s.ListApprovals(ctx, filter)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.ClearApprovals(ctx, dealKey) }))
		got, err = s.ListApprovals(ctx, filter)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestOutbox_ClaimLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := &schema.OutboxRecord{ID: "o1", TenantID: "acme", Kind: schema.OutboxEvent, Payload: json.RawMessage(`{"a":1}`)}
		require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.EnqueueOutbox(ctx, rec) }))

		now := time.Now()
		claimed, err := s.ClaimOutbox(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 1, claimed[0].Attempts)
		assert.JSONEq(t, `{"a":1}`, string(claimed[0].Payload))

		// Leased records are invisible until the lease expires.
		claimed, err = s.ClaimOutbox(ctx, now.Add(30*time.Second), time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		claimed, err = s.ClaimOutbox(ctx, now.Add(2*time.Minute), time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].Attempts)

		require.NoError(t, s.MarkOutboxProcessed(ctx, "o1", time.Now()))
		claimed, err = s.ClaimOutbox(ctx, now.Add(time.Hour), time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func newJob(id, dedupe string, due time.Time) *schema.DispatchJob {
	return &schema.DispatchJob{
		ID: id, TenantID: "acme", RuleID: "r1", EntityType: "deal", EntityID: "d1", EventID: "e1",
		DedupeKey: dedupe, Channel: schema.ChannelEmail, Recipient: "a@example.com",
		Subject: "hi", Body: "body", MaxAttempts: 3, DueAt: due,
	}
}

func TestDispatchJobs_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		n, err := s.CreateDispatchJobs(ctx, []*schema.DispatchJob{
			newJob("j1", "k1", now.Add(-time.Minute)),
			newJob("j2", "k2", now.Add(time.Hour)),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// Same dedupe key is skipped.
		n, err = s.CreateDispatchJobs(ctx, []*schema.DispatchJob{newJob("j3", "k1", now)})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		due, err := s.DueDispatchJobs(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "j1", due[0].ID)
		assert.Equal(t, schema.DispatchPending, due[0].Status)

		ok, err := s.ClaimDispatchJob(ctx, "j1", schema.DispatchPending, now, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.ClaimDispatchJob(ctx, "j1", schema.DispatchPending, now, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "second claim must lose")

		claimedJob, err := s.GetDispatchJob(ctx, "acme", "j1")
		require.NoError(t, err)
		require.NotNil(t, claimedJob.ClaimedUntil)
		assert.True(t, now.Add(time.Minute).Equal(*claimedJob.ClaimedUntil))

		sent := schema.DispatchSent
		require.NoError(t, s.UpdateDispatchJob(ctx, "j1", JobUpdate{Status: &sent, SentAt: &now}, now))

		j, err := s.GetDispatchJob(ctx, "acme", "j1")
		require.NoError(t, err)
		assert.Equal(t, schema.DispatchSent, j.Status)
		assert.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.SentAt)
		assert.True(t, now.Equal(*j.SentAt))
		assert.Nil(t, j.ClaimedUntil)

		// Cancelling leaves sent jobs alone.
		cancelled, err := s.CancelDispatchJobs(ctx, JobFilter{TenantID: "acme", RuleID: "r1"}, now)
		require.NoError(t, err)
		assert.Equal(t, 1, cancelled)

		jobs, err := s.ListDispatchJobs(ctx, JobFilter{TenantID: "acme", Statuses: []schema.DispatchStatus{schema.DispatchCancelled}})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "j2", jobs[0].ID)

		_, err = s.GetDispatchJob(ctx, "globex", "j1")
		assertCode(t, err, schema.ErrCodeNotFound)
	})
}

func TestDispatchJobs_ExpiredSendLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		_, err := s.CreateDispatchJobs(ctx, []*schema.DispatchJob{newJob("j1", "k1", now)})
		require.NoError(t, err)

		ok, err := s.ClaimDispatchJob(ctx, "j1", schema.DispatchPending, now, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		// While the lease holds, the job is neither due nor claimable.
		due, err := s.DueDispatchJobs(ctx, now.Add(30*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
		ok, err = s.ClaimDispatchJob(ctx, "j1", schema.DispatchSending, now.Add(30*time.Second), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		// The worker never reported back; after the lease it is due again.
		later := now.Add(2 * time.Minute)
		due, err = s.DueDispatchJobs(ctx, later, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, schema.DispatchSending, due[0].Status)

		ok, err = s.ClaimDispatchJob(ctx, "j1", schema.DispatchSending, later, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		j, err := s.GetDispatchJob(ctx, "acme", "j1")
		require.NoError(t, err)
		assert.Equal(t, 2, j.Attempts)
		require.NotNil(t, j.ClaimedUntil)
		assert.True(t, later.Add(time.Minute).Equal(*j.ClaimedUntil))
	})
}

func TestDeliveries_Idempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := &schema.Delivery{TenantID: "acme", DedupeKey: "k1", JobID: "j1", Channel: schema.ChannelSMS, Recipient: "+1555"}
		require.NoError(t, s.RecordDelivery(ctx, d))
		require.NoError(t, s.RecordDelivery(ctx, &schema.Delivery{TenantID: "acme", DedupeKey: "k1", JobID: "j9"}))

		got, err := s.GetDelivery(ctx, "acme", "k1")
		require.NoError(t, err)
		assert.Equal(t, "j1", got.JobID)
		assert.Equal(t, schema.ChannelSMS, got.Channel)

		_, err = s.GetDelivery(ctx, "globex", "k1")
		assertCode(t, err, schema.ErrCodeNotFound)
	})
}

func TestAudit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendAudit(ctx, &schema.AuditEntry{
			ID: "a1", TenantID: "acme", EntityType: "deal", EntityID: "d1",
			Kind: schema.AuditDegradedAction, RefID: "t1", Detail: json.RawMessage(`{"action":"webhook"}`),
		}))
		require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
			return tx.AppendAudit(ctx, &schema.AuditEntry{ID: "a2", TenantID: "acme", Kind: schema.AuditConfigError})
		}))

		entries, err := s.ListAudit(ctx, AuditFilter{TenantID: "acme", EntityID: "d1"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, schema.AuditDegradedAction, entries[0].Kind)
		assert.JSONEq(t, `{"action":"webhook"}`, string(entries[0].Detail))

		entries, err = s.ListAudit(ctx, AuditFilter{TenantID: "acme", Kind: schema.AuditConfigError})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a2", entries[0].ID)
	})
}

func TestSecrets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreSecret(ctx, "acme", "hook", []byte{0x00, 0xff, 0x10}))
		require.NoError(t, s.StoreSecret(ctx, "globex", "hook", []byte("other")))

		v, err := s.GetSecret(ctx, "acme", "hook")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0xff, 0x10}, v)

		keys, err := s.ListSecrets(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, []string{"hook"}, keys)

		require.NoError(t, s.DeleteSecret(ctx, "acme", "hook"))
		_, err = s.GetSecret(ctx, "acme", "hook")
		assertCode(t, err, schema.ErrCodeNotFound)
		assertCode(t, s.DeleteSecret(ctx, "acme", "hook"), schema.ErrCodeNotFound)
	})
}
