package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLocked 表示同一个 key 正在被处理
var ErrLocked = errors.New("already in progress")

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type Deduper struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce tries to acquire a dedup marker for a given handler + key.
// returns true if this is the FIRST time processing, false if it's a duplicate.
func (d *Deduper) AcquireOnce(ctx context.Context, handler, key string) bool {
	dedupKey := fmt.Sprintf("dedup:%s:%s", handler, key)

	ok, err := d.rdb.SetNX(ctx, dedupKey, 1, d.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理，下游依赖数据库唯一约束保证幂等
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("dedup_key", dedupKey),
		)
	}

	return ok
}

// Lock 获取一个处理锁，返回释放函数；key 已被占用时返回 ErrLocked
func (d *Deduper) Lock(ctx context.Context, scope, key string) (func(), error) {
	lockKey := fmt.Sprintf("lock:%s:%s", scope, key)

	token := uuid.NewString()
	ok, err := d.rdb.SetNX(ctx, lockKey, token, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis lock failed, proceeding without lock",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
		return func() {}, nil
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		// 使用独立 context：请求 context 可能已结束
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 锁已过期并被他人持有时不删除
		n, err := d.rdb.Eval(releaseCtx, releaseScript, []string{lockKey}, token).Int()
		if err != nil {
			d.logger.Warn("Failed to release lock", zap.String("lock_key", lockKey), zap.Error(err))
			return
		}
		if n == 0 {
			d.logger.Warn("Lock expired before release", zap.String("lock_key", lockKey))
		}
	}, nil
}

// Forget 删除去重标记，处理失败后允许重新投递的消息再次执行
func (d *Deduper) Forget(ctx context.Context, handler, key string) {
	dedupKey := fmt.Sprintf("dedup:%s:%s", handler, key)
	if err := d.rdb.Del(ctx, dedupKey).Err(); err != nil {
		d.logger.Warn("Failed to clear dedup marker", zap.String("dedup_key", dedupKey), zap.Error(err))
	}
}
