package risk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ipWindowTTL      = time.Hour
	msisdnWindowTTL  = 24 * time.Hour
	ipVolumeTTL      = 24 * time.Hour
)

// RedisCounters implements Counters on top of Redis sorted sets: one entry
// per transaction, scored by its creation time, so a window is just a
// ZREMRANGEBYSCORE trim followed by a ZCARD (or a member scan for volume).
// Sorted sets are the natural fit here, not the package-level Incr/Expire
// helpers, because a rolling window needs per-entry expiry, not a single
// TTL on a counter.
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters wraps an existing client. The orchestrator passes
// cache.Client, already initialised at startup.
func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func ipKey(ip string) string          { return "risk:ip:txns:" + ip }
func msisdnKey(msisdn string) string  { return "risk:msisdn:txns:" + msisdn }
func ipVolumeKey(ip string) string    { return "risk:ip:volume:" + ip }

// RecordTransaction registers tx_id against sourceIP and recipientPhone so
// later scoring calls see it in their velocity windows. The orchestrator
// calls this once, at transaction creation.
func (r *RedisCounters) RecordTransaction(ctx context.Context, txID, sourceIP, recipientPhone string, kesAmountCents int64, at time.Time) error {
	score := float64(at.UnixNano())

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, ipKey(sourceIP), redis.Z{Score: score, Member: txID})
	pipe.Expire(ctx, ipKey(sourceIP), ipWindowTTL)
	pipe.ZAdd(ctx, msisdnKey(recipientPhone), redis.Z{Score: score, Member: txID})
	pipe.Expire(ctx, msisdnKey(recipientPhone), msisdnWindowTTL)
	volumeMember := fmt.Sprintf("%s:%d", txID, kesAmountCents)
	pipe.ZAdd(ctx, ipVolumeKey(sourceIP), redis.Z{Score: score, Member: volumeMember})
	pipe.Expire(ctx, ipVolumeKey(sourceIP), ipVolumeTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("risk: record transaction counters: %w", err)
	}
	return nil
}

func (r *RedisCounters) IPTransactionsLastHour(ctx context.Context, sourceIP string) (int, error) {
	return r.windowCount(ctx, ipKey(sourceIP), time.Now().Add(-ipWindowTTL))
}

func (r *RedisCounters) MSISDNTransactionsLast24h(ctx context.Context, recipientPhone string) (int, error) {
	return r.windowCount(ctx, msisdnKey(recipientPhone), time.Now().Add(-msisdnWindowTTL))
}

func (r *RedisCounters) windowCount(ctx context.Context, key string, since time.Time) (int, error) {
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(since.UnixNano(), 10)).Err(); err != nil {
		return 0, err
	}
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *RedisCounters) IPVolumeTodayCents(ctx context.Context, sourceIP string) (int64, error) {
	key := ipVolumeKey(sourceIP)
	since := time.Now().Add(-ipVolumeTTL)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(since.UnixNano(), 10)).Err(); err != nil {
		return 0, err
	}
	members, err := r.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range members {
		idx := strings.LastIndex(m, ":")
		if idx < 0 {
			continue
		}
		amount, err := strconv.ParseInt(m[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		total += amount
	}
	return total, nil
}
