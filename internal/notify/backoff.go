package notify

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rendis/entityflow/pkg/schema"
)

// DefaultRetryPolicy is applied to rules without their own policy.
func DefaultRetryPolicy() schema.RetryPolicy {
	return schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "30s", MaxDelay: "1h"}
}

// Retryable classifies a send error. Timeouts, network errors and transient
// engine codes are retried; configuration and render errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Shutdown, not a delivery problem.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if ee, ok := schema.AsEngineError(err); ok {
		return schema.IsRetryable(ee.Code) || ee.Code == schema.ErrCodeCircuitOpen
	}
	// Transport errors are transient unless proven otherwise.
	return true
}

// Backoff returns the delay before attempt+1, where attempt counts the
// attempts already made (starting at 1). Supports none, constant, linear and
// exponential policies with an optional max_delay cap.
func Backoff(policy schema.RetryPolicy, attempt int) time.Duration {
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}
	n := max(attempt-1, 0)

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for range n {
			delay *= 2
			if delay <= 0 {
				delay = time.Duration(math.MaxInt64)
				break
			}
		}
	case "linear":
		delay = base * time.Duration(n+1)
	default: // none, constant
		delay = base
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}
