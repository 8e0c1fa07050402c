package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/pkg/schema"
)

func testBreakers(threshold int, cooldown time.Duration) (*Breakers, *time.Time) {
	b := NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakers_Defaults(t *testing.T) {
	b := NewBreakers(BreakerConfig{})
	assert.Equal(t, DefaultBreakerConfig().Cooldown, b.Cooldown())
	assert.Equal(t, CircuitClosed, b.State(schema.ChannelEmail))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := testBreakers(3, time.Minute)

	assert.Equal(t, CircuitClosed, b.Failure(schema.ChannelEmail))
	assert.Equal(t, CircuitClosed, b.Failure(schema.ChannelEmail))
	require.NoError(t, b.Allow(schema.ChannelEmail))
	assert.Equal(t, CircuitOpen, b.Failure(schema.ChannelEmail))

	err := b.Allow(schema.ChannelEmail)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))

	// Other channels are unaffected.
	require.NoError(t, b.Allow(schema.ChannelSMS))
}

func TestBreakers_HalfOpenProbe(t *testing.T) {
	b, now := testBreakers(1, time.Minute)

	assert.Equal(t, CircuitOpen, b.Failure(schema.ChannelWebhook))
	require.Error(t, b.Allow(schema.ChannelWebhook))

	*now = now.Add(time.Minute)
	require.NoError(t, b.Allow(schema.ChannelWebhook), "probe after cooldown")
	require.Error(t, b.Allow(schema.ChannelWebhook), "only one probe in flight")

	b.Success(schema.ChannelWebhook)
	assert.Equal(t, CircuitClosed, b.State(schema.ChannelWebhook))
	require.NoError(t, b.Allow(schema.ChannelWebhook))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreakers(5, time.Minute)
	for range 5 {
		b.Failure(schema.ChannelSMS)
	}
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow(schema.ChannelSMS))

	assert.Equal(t, CircuitOpen, b.Failure(schema.ChannelSMS))
	stats := b.Stats(schema.ChannelSMS)
	assert.Equal(t, "open", stats["state"])
	assert.Equal(t, 6, stats["consecutive_failures"])
}
