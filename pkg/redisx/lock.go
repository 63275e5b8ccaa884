package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "saga:lock:"

// SagaLock serializes saga execution across processes: one holder per saga
// ID at a time. In-process deployments can rely on the orchestrator's own
// keyed mutex instead; this lock is for multi-instance setups sharing a
// persistence backend.
type SagaLock struct {
	client *redis.Client
	sagaID string
	token  string
	ttl    time.Duration
}

// NewSagaLock 创建锁；token 必须对每个持有者唯一
func NewSagaLock(client *redis.Client, sagaID, token string, ttl time.Duration) *SagaLock {
	return &SagaLock{
		client: client,
		sagaID: sagaID,
		token:  token,
		ttl:    ttl,
	}
}

// Acquire 获取锁
func (l *SagaLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, lockKeyPrefix+l.sagaID, l.token, l.ttl).Result()
}

// Release 释放锁（仅释放自己持有的锁）
func (l *SagaLock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	return l.client.Eval(ctx, script, []string{lockKeyPrefix + l.sagaID}, l.token).Err()
}

// Extend 延长锁时间
func (l *SagaLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	result, err := l.client.Eval(ctx, script, []string{lockKeyPrefix + l.sagaID}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
