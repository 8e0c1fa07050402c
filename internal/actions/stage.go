package actions

import (
	"context"
	"sync"

	"github.com/rendis/entityflow/pkg/schema"
)

// Stage collects the outbox records send_notification produces while the
// stage is attached to the context. The caller enqueues them in its own
// transaction, so they commit or vanish together with its state change.
type Stage struct {
	mu      sync.Mutex
	records []*schema.OutboxRecord
	sealed  bool
}

type stageKey struct{}

// WithStage attaches s to ctx.
func WithStage(ctx context.Context, s *Stage) context.Context {
	return context.WithValue(ctx, stageKey{}, s)
}

func stageFrom(ctx context.Context) *Stage {
	s, _ := ctx.Value(stageKey{}).(*Stage)
	return s
}

func (s *Stage) add(rec *schema.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return schema.NewError(schema.ErrCodeActionFailed, "outbox stage already drained")
	}
	s.records = append(s.records, rec)
	return nil
}

// Drain returns the staged records and seals the stage. Actions still
// running afterwards (timed out ones) fail instead of staging.
func (s *Stage) Drain() []*schema.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	out := s.records
	s.records = nil
	return out
}
