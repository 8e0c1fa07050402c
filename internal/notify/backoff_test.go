package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/entityflow/pkg/schema"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"exponential first", schema.RetryPolicy{Backoff: "exponential", Delay: "1s"}, 1, time.Second},
		{"exponential third", schema.RetryPolicy{Backoff: "exponential", Delay: "1s"}, 3, 4 * time.Second},
		{"exponential capped", schema.RetryPolicy{Backoff: "exponential", Delay: "1s", MaxDelay: "5s"}, 10, 5 * time.Second},
		{"exponential overflow capped", schema.RetryPolicy{Backoff: "exponential", Delay: "1h", MaxDelay: "2h"}, 200, 2 * time.Hour},
		{"linear", schema.RetryPolicy{Backoff: "linear", Delay: "2s"}, 3, 6 * time.Second},
		{"constant", schema.RetryPolicy{Backoff: "constant", Delay: "2s"}, 5, 2 * time.Second},
		{"none", schema.RetryPolicy{Backoff: "none", Delay: "3s"}, 2, 3 * time.Second},
		{"bad delay", schema.RetryPolicy{Backoff: "exponential", Delay: "soon"}, 2, 0},
		{"zero attempt", schema.RetryPolicy{Backoff: "exponential", Delay: "1s"}, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.policy, tt.attempt))
		})
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 30*time.Second, Backoff(p, 1))
	assert.Equal(t, time.Hour, Backoff(p, 20))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"delivery failed", schema.NewError(schema.ErrCodeDeliveryFailed, "503"), true},
		{"timeout", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), true},
		{"render", schema.NewError(schema.ErrCodeRender, "missing"), false},
		{"unregistered", schema.NewError(schema.ErrCodeUnregisteredHandler, "no channel"), false},
		{"plain", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
