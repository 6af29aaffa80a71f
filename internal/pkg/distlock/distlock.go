// Package distlock provides distributed leases used to keep singleton roles
// (backfill orchestrator, webhook consumer, completion monitor, extraction
// enqueuer) from running on more than one instance at a time. Redis is the
// preferred backend; PostgreSQL advisory locks are the fallback when Redis
// is not configured.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a renewable exclusive claim on a named role.
type Lease interface {
	// Acquire tries to take the lease. Returns true on success.
	Acquire(ctx context.Context) (bool, error)
	// Extend renews the lease TTL if we still own it.
	Extend(ctx context.Context) (bool, error)
	// Release gives the lease up if we still own it.
	Release(ctx context.Context) error
}

// NewLease returns a lease on key using the best available backend: Redis
// when a client is provided, PostgreSQL advisory locks otherwise.
func NewLease(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lease {
	if redisClient != nil {
		return NewRedisLease(redisClient, key, ttl)
	}
	return NewPGAdvisoryLease(db, key)
}

// Hold acquires the lease and keeps it renewed until ctx is cancelled,
// then releases it. Returns false without running if the lease is held
// elsewhere. Used to gate singleton role loops.
func Hold(ctx context.Context, l Lease, ttl time.Duration, role string, run func(ctx context.Context)) (bool, error) {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lease for %s: %w", role, err)
	}
	if !ok {
		return false, nil
	}

	renewCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if ok, err := l.Extend(renewCtx); err != nil {
					log.Printf("[distlock] %s: lease extend error: %v", role, err)
				} else if !ok {
					log.Printf("[distlock] %s: lost lease ownership", role)
				}
			}
		}
	}()

	run(ctx)

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if err := l.Release(releaseCtx); err != nil {
		log.Printf("[distlock] %s: lease release error: %v", role, err)
	}
	return true, nil
}

// =============================================================================
// Redis lease: SET NX with TTL, random ownership token, Lua for atomic
// extend/release so another holder's lease is never touched.
// =============================================================================

// RedisLease implements Lease on Redis.
type RedisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLease creates a Redis-backed lease.
func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLease{
		client: client,
		key:    "lease:" + key,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to take the lease.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	return ok, nil
}

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Extend renews the TTL if we still own the lease.
func (l *RedisLease) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", l.key, err)
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Release deletes the lease if we still own it.
func (l *RedisLease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// =============================================================================
// PostgreSQL advisory lease. Session-scoped: the lock drops automatically if
// the connection dies, which substitutes for TTL expiry. Extend is a no-op.
// =============================================================================

// PGAdvisoryLease implements Lease on pg_try_advisory_lock. A dedicated
// connection pins the session so the lock survives pool churn.
type PGAdvisoryLease struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLease creates an advisory lease with a lock ID derived from key.
func NewPGAdvisoryLease(db *sql.DB, key string) *PGAdvisoryLease {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLease{db: db, lockID: int64(h.Sum64())}
}

// Acquire takes a dedicated connection and tries the advisory lock on it.
func (l *PGAdvisoryLease) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Extend is a no-op: the session holds the lock until released or dropped.
func (l *PGAdvisoryLease) Extend(ctx context.Context) (bool, error) {
	return l.conn != nil, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGAdvisoryLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}
