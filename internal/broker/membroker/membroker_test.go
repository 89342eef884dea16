package membroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/broker"
)

func TestEnqueueLease_FIFO(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, broker.Message{RunID: "r1"}))
	require.NoError(t, b.Enqueue(ctx, broker.Message{RunID: "r2"}))

	m1, err := b.Lease(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m1)
	assert.Equal(t, "r1", m1.RunID)

	m2, err := b.Lease(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.Equal(t, "r2", m2.RunID)
}

func TestLease_TimeoutReturnsNilNil(t *testing.T) {
	b := New(nil)
	msg, err := b.Lease(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.PublishLog(ctx, broker.LogFrame{RunID: "r1", Level: "INFO", Message: "hello"}))

	payload, err := sub.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "hello")
}

func TestHeartbeat_ExpiresAfterTTL(t *testing.T) {
	start := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	b := New(func() time.Time { return start })
	ctx := context.Background()

	require.NoError(t, b.Heartbeat(ctx, "w1", start, time.Minute))

	age, ok, err := b.HeartbeatAge(ctx, "w1", start.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, age)

	_, ok, err = b.HeartbeatAge(ctx, "w1", start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}
