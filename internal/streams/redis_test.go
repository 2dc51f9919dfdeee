package streams

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStream(t *testing.T) *RedisStream {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStream(client, "ingress", 0)
}

func TestRedisStream_AppendReadAck(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStream(t)
	require.NoError(t, s.EnsureGroup(ctx, "fastpath"))

	id, err := s.Append(ctx, map[string]string{"event_id": "e1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := s.ReadGroup(ctx, "fastpath", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "e1", msgs[0].Fields["event_id"])

	require.NoError(t, s.Ack(ctx, "fastpath", msgs[0].ID))

	summary, err := s.PendingSummary(ctx, "fastpath")
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.Count)
}

func TestRedisStream_EnsureGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStream(t)
	require.NoError(t, s.EnsureGroup(ctx, "fastpath"))
	require.NoError(t, s.EnsureGroup(ctx, "fastpath"))
}

func TestRedisStream_ClaimAfterIdle(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStream(t)
	require.NoError(t, s.EnsureGroup(ctx, "fastpath"))

	_, err := s.Append(ctx, map[string]string{"event_id": "e1"})
	require.NoError(t, err)

	_, err = s.ReadGroup(ctx, "fastpath", "dead", 10, 0)
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "fastpath", "survivor", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}
