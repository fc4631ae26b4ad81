package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lightning-mpesa-bridge/pkg/cache"
)

// ErrIdempotencyConflict is returned when the fast-path reservation loses a
// race to a concurrent request carrying the same (flow, idempotency_key).
var ErrIdempotencyConflict = errors.New("idempotency key reservation conflict")

// fastPathTTL bounds how long a Redis reservation survives before the
// Postgres unique index becomes the only remaining guard. It only needs to
// outlast the synchronous create-request window; the durable guarantee that
// a (flow, key) pair stays claimed for 24h after its transaction reaches a
// terminal state lives in transactions.idempotency_key_expires_at and is
// enforced by TransactionRepository.ReleaseExpiredIdempotencyKeys, not here.
const fastPathTTL = 2 * time.Minute

// ReserveIdempotencyKey claims (flow, key) in the Redis fast path ahead of
// the Postgres insert that follows. A false result means another request
// is already creating the transaction for this key; the caller should wait
// for it to land and return that transaction instead of inserting a new one.
func ReserveIdempotencyKey(ctx context.Context, flow Flow, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	redisKey := fmt.Sprintf("idemp:%s:%s", flow, key)
	return cache.SetNX(ctx, redisKey, "1", fastPathTTL)
}

// ReleaseIdempotencyKey clears a fast-path reservation. Called both when the
// subsequent Postgres insert fails for a reason unrelated to the idempotency
// key itself (so a retry is not wrongly blocked), and when the orchestrator
// cancels, expires or completes a transaction, since the durable (flow, key)
// claim then runs on its own 24h clock via idempotency_key_expires_at.
func ReleaseIdempotencyKey(ctx context.Context, flow Flow, key string) {
	if key == "" {
		return
	}
	redisKey := fmt.Sprintf("idemp:%s:%s", flow, key)
	_, _ = cache.Delete(ctx, redisKey)
}
