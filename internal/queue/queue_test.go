package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbenjam1n/autoforge/internal/testutil"
)

func TestConnectRedis(t *testing.T) {
	c, err := ConnectRedis("redis://localhost:6379/2")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Options().DB)
	require.NoError(t, c.Close())

	_, err = ConnectRedis("http://nope")
	assert.Error(t, err)
}

func TestReconcileStream(t *testing.T) {
	addr := testutil.Redis(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	q := New(client)
	ctx := context.Background()

	require.NoError(t, q.EnsureStreams(ctx))
	require.NoError(t, q.EnsureStreams(ctx), "second call tolerates BUSYGROUP")

	_, _, err := q.Read(ctx, "worker-1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = q.Push(ctx, ReconcileMessage{DeploymentID: "d1", CompiledID: "c1", Reason: "deadline exceeded", EnqueuedAt: at})
	require.NoError(t, err)

	msg, id, err := q.Read(ctx, "worker-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "d1", msg.DeploymentID)
	assert.Equal(t, "c1", msg.CompiledID)
	assert.Equal(t, "deadline exceeded", msg.Reason)
	assert.True(t, at.Equal(msg.EnqueuedAt))

	length, pending, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
	assert.Equal(t, int64(1), pending)

	// worker-1 never acks; worker-2 picks it up once idle.
	time.Sleep(20 * time.Millisecond)
	claimed, ids, err := q.Claim(ctx, "worker-2", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, ids[0])
	assert.Equal(t, "d1", claimed[0].DeploymentID)

	require.NoError(t, q.Ack(ctx, ids[0]))
	_, pending, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}
