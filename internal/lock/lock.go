// Package lock saga 执行的分布式互斥，防止恢复扫描与在途 saga 重复执行。
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/ewallet/payment/pkg/redis"
)

const keyPrefix = "payment:saga:"

// SagaLock 基于 Redis SETNX 的事务级锁。
// 同一持有者标识贯穿进程生命周期，Release 只删除自己持有的 key。
type SagaLock struct {
	client *redis.Client
	holder string
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *SagaLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return &SagaLock{
		client: client,
		holder: hex.EncodeToString(buf),
		ttl:    ttl,
	}
}

// TryAcquire 尝试获取事务锁，不阻塞。
func (l *SagaLock) TryAcquire(ctx context.Context, transactionID string) (bool, error) {
	return redis.NewLock(l.client, keyPrefix+transactionID, l.holder, l.ttl).Acquire(ctx)
}

// Release 释放事务锁。
func (l *SagaLock) Release(ctx context.Context, transactionID string) error {
	return redis.NewLock(l.client, keyPrefix+transactionID, l.holder, l.ttl).Release(ctx)
}
