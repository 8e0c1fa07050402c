package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", TenantID(ctx))
	assert.Equal(t, "", EntityID(ctx))
	assert.Equal(t, "", RuleID(ctx))
	assert.Equal(t, "", JobID(ctx))

	ctx = WithEntity(ctx, "acme", "deal-1")
	ctx = WithRuleID(ctx, "rule-9")
	ctx = WithJobID(ctx, "job-3")

	assert.Equal(t, "acme", TenantID(ctx))
	assert.Equal(t, "deal-1", EntityID(ctx))
	assert.Equal(t, "rule-9", RuleID(ctx))
	assert.Equal(t, "job-3", JobID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithEntity(context.Background(), "acme", "deal-1")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "tenant_id=acme")
	assert.Contains(t, output, "entity_id=deal-1")
	assert.NotContains(t, output, "rule_id")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", slog.LevelInfo)

	ctx := WithJobID(WithTenantID(context.Background(), "acme"), "job-7")
	logger.InfoContext(ctx, "sent")
	logger.DebugContext(ctx, "hidden")

	output := buf.String()
	assert.Contains(t, output, `"tenant_id":"acme"`)
	assert.Contains(t, output, `"job_id":"job-7"`)
	assert.NotContains(t, output, "hidden")
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "text", slog.LevelDebug).With("component", "dispatcher").WithGroup("g")

	logger.InfoContext(WithRuleID(context.Background(), "r1"), "msg", "k", "v")

	output := buf.String()
	assert.Contains(t, output, "component=dispatcher")
	assert.Contains(t, output, "g.k=v")
	assert.Contains(t, output, "r1")
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := slog.Default()
	assert.Same(t, l, OrDiscard(l))
}
