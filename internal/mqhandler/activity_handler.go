package mqhandler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	contractsmq "commandcenter/contracts/mq"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/util"
)

const (
	handlerName = "activity_log"
	maxRetries  = 5 // 最大重试次数
)

type ActivityStore interface {
	Insert(ctx context.Context, eventKey, routingKey string, payload json.RawMessage) (bool, error)
}

type Deduper interface {
	AcquireOnce(ctx context.Context, handler, key string) bool
	Forget(ctx context.Context, handler, key string)
}

type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// ActivityHandler 把 inbox.* 事件写入 activity_log
type ActivityHandler struct {
	store        ActivityStore
	deduper      Deduper
	retryCounter RetryCounter
	dlq          DLQPublisher
	logger       *zap.Logger
}

func NewActivityHandler(store ActivityStore, deduper Deduper, retryCounter RetryCounter, dlq DLQPublisher, logger *zap.Logger) *ActivityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityHandler{
		store:        store,
		deduper:      deduper,
		retryCounter: retryCounter,
		dlq:          dlq,
		logger:       logger,
	}
}

// EventKey 优先使用事件自带的 event_id，否则用消息体哈希
func EventKey(raw json.RawMessage) (string, error) {
	var env contractsmq.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	if env.EventID != "" {
		return env.EventID, nil
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Handle 返回 error 表示需要 MQ 重新投递；不可重试的失败转入 DLQ 后返回 nil
func (h *ActivityHandler) Handle(ctx context.Context, routingKey string, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger).With(zap.String("routing_key", routingKey))

	eventKey, err := EventKey(raw)
	if err != nil {
		log.Error("Failed to decode event envelope (non-retryable, sending to DLQ)", zap.Error(err))
		return h.toDLQ(ctx, routingKey, raw, fmt.Errorf("json_unmarshal_error: %w", err))
	}
	log = log.With(zap.String("event_key", eventKey))

	// Redis 去重：避免重复写入
	if !h.deduper.AcquireOnce(ctx, handlerName, eventKey) {
		return nil
	}

	created, err := h.store.Insert(ctx, eventKey, routingKey, raw)
	if err == nil {
		if created {
			log.Info("Activity recorded")
		} else {
			log.Debug("Activity already recorded")
		}
		_ = h.retryCounter.Reset(ctx, util.FormatRetryKey(handlerName, eventKey))
		return nil
	}

	// 失败后清掉去重标记，让重新投递的消息能再次处理
	h.deduper.Forget(ctx, handlerName, eventKey)

	isRetryable, errType := util.IsRetryableError(err)
	retryKey := util.FormatRetryKey(handlerName, eventKey)
	retryCount, rerr := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if rerr != nil {
		// Redis 错误不影响处理，继续执行
		log.Warn("Failed to get retry count, continuing anyway", zap.Error(rerr))
		retryCount = 1
	}

	log.Error("Failed to record activity",
		zap.String("error_type", errType),
		zap.Bool("retryable", isRetryable),
		zap.Int64("retry_count", retryCount),
		zap.Error(err),
	)

	if util.ShouldRetry(retryCount, maxRetries, isRetryable) {
		return err
	}

	_ = h.retryCounter.Reset(ctx, retryKey)
	return h.toDLQ(ctx, routingKey, raw, err)
}

func (h *ActivityHandler) toDLQ(ctx context.Context, routingKey string, raw json.RawMessage, cause error) error {
	if h.dlq == nil {
		return nil
	}
	if err := h.dlq.PublishToDLQ(ctx, routingKey, raw, cause.Error()); err != nil {
		// DLQ 不可用时让 MQ 重新投递，避免丢消息
		h.logger.Error("Failed to publish to DLQ", zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}
	return nil
}
