package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsmq "commandcenter/contracts/mq"
	"commandcenter/internal/model"
	"commandcenter/pkg/metrics"
	"commandcenter/pkg/trace"
)

type Store interface {
	ExpireArchiving(ctx context.Context, before time.Time, buildEvent func(ids []string) model.OutboxEvent) ([]string, error)
}

// Sweeper 把停留在 archiving 超时的条目放回收件箱
// 快速归档在写入 archiving 后进程崩溃时，这些条目不会再被任何人处理
type Sweeper struct {
	store    Store
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, timeout, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start 按间隔执行，直到 ctx 结束
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Archiving sweeper started",
		zap.Duration("timeout", s.timeout),
		zap.Duration("interval", s.interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Archiving sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Archiving sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce 执行一次，返回放回收件箱的条目 id
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	now := s.now()
	ids, err := s.store.ExpireArchiving(ctx, now.Add(-s.timeout), func(ids []string) model.OutboxEvent {
		return model.OutboxEvent{
			AggregateType: "inbox_item",
			AggregateID:   ids[0],
			RoutingKey:    contractsmq.RoutingKeyArchivingExpired,
			Payload: contractsmq.ArchivingExpiredPayload{
				Envelope:  contractsmq.Envelope{EventID: uuid.NewString(), TraceID: trace.FromContext(ctx)},
				InboxIDs:  ids,
				ExpiredAt: now.UTC(),
			},
		}
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		metrics.AddArchivingRollback("sweeper", len(ids))
		s.logger.Warn("Returned stale archiving items to inbox", zap.Strings("inbox_ids", ids))
	}
	return ids, nil
}
