package lockservice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hunglin/concourse"
)

// redisService is the Clustered backend: each Token maps to a Redis key
// whose value is the holder's owner id, acquired with SETNX and verified
// with a follow-up GET, ported from the teacher's SETNX lock adapter. Unlike
// the in-memory backend, there is no holder refcount: Redis records one
// owner string per key, so read and write holds are both exclusive to that
// owner, and one Unlock/RUnlock by the owner deletes the key.
type redisService struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis returns a Clustered Service backed by the given Redis client.
// ttl bounds how long an unreleased lock key survives before it is
// considered abandoned (see concourse.EngineOptions.LockTTL).
func NewRedis(client *redis.Client, ttl time.Duration) Service {
	return &redisService{client: client, ttl: ttl, prefix: "concourse:lock:"}
}

func (s *redisService) Get(token Token) Lock {
	return &redisLock{svc: s, token: token}
}

// Release is a no-op for the Redis backend: key lifetime is governed by TTL
// and explicit deletion on Unlock, not by a local reference count.
func (s *redisService) Release(Token) {}

func (s *redisService) key(token Token) string {
	return s.prefix + token.String()
}

type redisLock struct {
	svc   *redisService
	token Token
}

// Lock acquires the distributed write lock via SETNX, following each failed
// attempt with a GET ownership check the way the teacher's Lock+IsLocked
// pair does, and retrying until ctx is done.
func (l *redisLock) Lock(ctx context.Context, owner string) error {
	return l.acquire(ctx, owner)
}

// RLock is implemented identically to Lock: §4.6 only requires that callers
// holding overlapping references see the same lock identity, and the
// engine only ever takes one exclusive hold per token across the cluster
// for a given operation, matching the teacher's single-owner Redis key model.
func (l *redisLock) RLock(ctx context.Context, owner string) error {
	return l.acquire(ctx, owner)
}

func (l *redisLock) acquire(ctx context.Context, owner string) error {
	key := l.svc.key(l.token)
	for {
		ok, err := l.svc.client.SetNX(ctx, key, owner, l.svc.ttl).Result()
		if err != nil {
			return concourse.NewError(concourse.IOError, err, key)
		}
		if ok {
			return nil
		}
		held, err := l.svc.client.Get(ctx, key).Result()
		if err == nil && held == owner {
			// Already hold it (reentrant acquisition); refresh the TTL.
			l.svc.client.Expire(ctx, key, l.svc.ttl)
			return nil
		}
		if ctx.Err() != nil {
			return concourse.NewError(concourse.LockAcquisitionFailure, ctx.Err(), key)
		}
		select {
		case <-ctx.Done():
			return concourse.NewError(concourse.LockAcquisitionFailure, ctx.Err(), key)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (l *redisLock) Unlock(owner string) {
	l.release(owner)
}

func (l *redisLock) RUnlock(owner string) {
	l.release(owner)
}

func (l *redisLock) release(owner string) {
	ctx := context.Background()
	key := l.svc.key(l.token)
	held, err := l.svc.client.Get(ctx, key).Result()
	if err != nil || held != owner {
		return
	}
	l.svc.client.Del(ctx, key)
}

// NewOwnerID generates a unique per-acquisition owner id, used by callers
// that don't already have a stable session identity (e.g. autocommit ops).
func NewOwnerID() string {
	return uuid.NewString()
}
