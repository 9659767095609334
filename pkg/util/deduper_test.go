package util

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRedis 只实现 SetNX 和解锁脚本用到的 Eval
type fakeRedis struct {
	redis.Cmdable
	mu   sync.Mutex
	keys map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: map[string]string{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script != releaseScript || len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, redis.Nil)
	}
	if v, ok := f.keys[keys[0]]; ok && v == toString(args[0]) {
		delete(f.keys, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) expire(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func TestDeduper_LockIsExclusive(t *testing.T) {
	rdb := newFakeRedis()
	d := NewDeduper(rdb, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	release, err := d.Lock(ctx, "pipeline", "thread-1")
	require.NoError(t, err)

	_, err = d.Lock(ctx, "pipeline", "thread-1")
	assert.ErrorIs(t, err, ErrLocked)

	release()
	assert.False(t, rdb.has("lock:pipeline:thread-1"))

	release, err = d.Lock(ctx, "pipeline", "thread-1")
	require.NoError(t, err)
	release()
}

func TestDeduper_ReleaseKeepsLockTakenAfterExpiry(t *testing.T) {
	rdb := newFakeRedis()
	d := NewDeduper(rdb, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	slow, err := d.Lock(ctx, "pipeline", "thread-1")
	require.NoError(t, err)

	// 第一次运行超过 TTL，锁被第二个请求拿到
	rdb.expire("lock:pipeline:thread-1")
	second, err := d.Lock(ctx, "pipeline", "thread-1")
	require.NoError(t, err)

	slow()
	assert.True(t, rdb.has("lock:pipeline:thread-1"))
	_, err = d.Lock(ctx, "pipeline", "thread-1")
	assert.ErrorIs(t, err, ErrLocked)

	second()
	assert.False(t, rdb.has("lock:pipeline:thread-1"))
}
