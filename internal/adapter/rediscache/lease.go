// Package rediscache provides the Redis-backed distributed lease used to
// serialize concurrent sagas for the same document, grounded on the
// teacher's SetNX-based lock repository pattern. This is deliberately not
// the in-process MaterializedView cache (see internal/cache); it is a
// cross-process mutual-exclusion primitive scoped to one document_id.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
)

const leaseKeyPrefix = "saga-lease:"

// Lease is a held distributed lock on a document_id, identified by a random
// fencing token so only the holder can release or renew it.
type Lease struct {
	DocumentID string
	Token      string
}

// LeaseManager acquires and releases per-document saga leases in Redis.
type LeaseManager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLeaseManager wraps an already-configured *redis.Client. ttl bounds how
// long a lease survives a crashed holder before another saga may proceed.
func NewLeaseManager(client *redis.Client, ttl time.Duration) *LeaseManager {
	return &LeaseManager{client: client, ttl: ttl}
}

// Acquire attempts to take the lease for documentID with fencing token
// token. It returns (true, nil) on success and (false, nil) when another
// saga already holds it — the caller (internal/saga) decides whether to
// join, reject, or wait based on this boolean, never on an error.
func (m *LeaseManager) Acquire(ctx context.Context, documentID, token string) (bool, error) {
	ok, err := m.client.SetNX(ctx, leaseKeyPrefix+documentID, token, m.ttl).Result()
	if err != nil {
		return false, errs.New(classify(err), "rediscache.lease.acquire", err)
	}
	return ok, nil
}

// Renew extends the TTL of a lease this holder still owns, verified via a
// Lua compare-and-expire so a stale holder can never extend someone else's
// lease.
func (m *LeaseManager) Renew(ctx context.Context, documentID, token string) (bool, error) {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	res, err := script.Run(ctx, m.client, []string{leaseKeyPrefix + documentID}, token, m.ttl.Milliseconds()).Result()
	if err != nil {
		return false, errs.New(classify(err), "rediscache.lease.renew", err)
	}
	renewed, _ := res.(int64)
	return renewed == 1, nil
}

// Release drops the lease, but only if token still matches the current
// holder, via a Lua compare-and-delete. Releasing a lease you don't hold
// (already expired, or held by someone else) is not an error.
func (m *LeaseManager) Release(ctx context.Context, documentID, token string) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	_, err := script.Run(ctx, m.client, []string{leaseKeyPrefix + documentID}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errs.New(classify(err), "rediscache.lease.release", err)
	}
	return nil
}

// CurrentHolder returns the fencing token currently holding documentID's
// lease, or ("", false, nil) if unheld.
func (m *LeaseManager) CurrentHolder(ctx context.Context, documentID string) (string, bool, error) {
	token, err := m.client.Get(ctx, leaseKeyPrefix+documentID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.New(classify(err), "rediscache.lease.get", err)
	}
	return token, true, nil
}

func classify(err error) errs.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.DeadlineExceeded
	}
	return errs.Transient
}
