//go:build integration

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisCounters(t *testing.T) *RedisCounters {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return NewRedisCounters(client)
}

func TestRedisCounters_IPVelocityWindow(t *testing.T) {
	c := newTestRedisCounters(t)
	ctx := context.Background()
	ip := "203.0.113.5"

	for i := 0; i < 4; i++ {
		require.NoError(t, c.RecordTransaction(ctx, "tx-"+string(rune('a'+i)), ip, "254700000001", 1000_00, time.Now()))
	}

	count, err := c.IPTransactionsLastHour(ctx, ip)
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestRedisCounters_VolumeAccumulates(t *testing.T) {
	c := newTestRedisCounters(t)
	ctx := context.Background()
	ip := "203.0.113.6"

	require.NoError(t, c.RecordTransaction(ctx, "tx-1", ip, "254700000001", 500_00_00, time.Now()))
	require.NoError(t, c.RecordTransaction(ctx, "tx-2", ip, "254700000002", 400_00_00, time.Now()))

	total, err := c.IPVolumeTodayCents(ctx, ip)
	require.NoError(t, err)
	require.Equal(t, int64(900_00_00), total)
}

func TestRedisCounters_OldEntriesExpireFromWindow(t *testing.T) {
	c := newTestRedisCounters(t)
	ctx := context.Background()
	ip := "203.0.113.7"

	require.NoError(t, c.RecordTransaction(ctx, "tx-old", ip, "254700000001", 1000_00, time.Now().Add(-2*time.Hour)))
	require.NoError(t, c.RecordTransaction(ctx, "tx-new", ip, "254700000001", 1000_00, time.Now()))

	count, err := c.IPTransactionsLastHour(ctx, ip)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
