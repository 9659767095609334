package spam

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsmq "commandcenter/contracts/mq"
	"commandcenter/internal/model"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/metrics"
	"commandcenter/pkg/trace"
)

type InboxStore interface {
	FindBySender(ctx context.Context, target model.SpamTarget) ([]model.InboxItem, error)
	DeleteItems(ctx context.Context, ids []string, buildEvent func(ids []string) model.OutboxEvent) ([]string, error)
}

type CounterStore interface {
	IncrementCounter(ctx context.Context, target model.SpamTarget) (int, error)
}

type Archiver interface {
	Archive(ctx context.Context, fastmailID string) error
}

// BlockResult 一次拉黑的结果
type BlockResult struct {
	Kind        model.SpamKind `json:"kind"`
	Target      string         `json:"target"`
	Counter     int            `json:"counter"`
	DeletedIDs  []string       `json:"deleted_ids"`
	ArchiveErrs int            `json:"archive_errors"`
	Message     string         `json:"message"`
}

type Service struct {
	inbox    InboxStore
	counters CounterStore
	archiver Archiver
	logger   *zap.Logger
}

func NewService(inbox InboxStore, counters CounterStore, archiver Archiver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{inbox: inbox, counters: counters, archiver: archiver, logger: logger}
}

// Block 记录拉黑计数，在服务商侧逐封归档匹配的邮件，再从收件箱批量删除
func (s *Service) Block(ctx context.Context, kind model.SpamKind, fromEmail string) (*BlockResult, error) {
	log := logger.WithTrace(ctx, s.logger)

	target, err := model.NewSpamTarget(kind, fromEmail)
	if err != nil {
		return nil, err
	}

	counter, err := s.counters.IncrementCounter(ctx, target)
	if err != nil {
		return nil, err
	}

	matches, err := s.inbox.FindBySender(ctx, target)
	if err != nil {
		return nil, err
	}

	res := &BlockResult{Kind: kind, Target: target.Display(), Counter: counter}
	// 先归档再删除；单封归档失败不阻止删除。只删除本次查到并处理过的条目
	ids := make([]string, 0, len(matches))
	for _, it := range matches {
		ids = append(ids, it.ID)
		if it.FastmailID == "" {
			continue
		}
		if err := s.archiver.Archive(ctx, it.FastmailID); err != nil {
			res.ArchiveErrs++
			log.Warn("Failed to archive blocked email",
				zap.String("inbox_id", it.ID),
				zap.String("fastmail_id", it.FastmailID),
				zap.Error(err),
			)
		}
	}

	deleted, err := s.inbox.DeleteItems(ctx, ids, func(ids []string) model.OutboxEvent {
		return model.OutboxEvent{
			AggregateType: "spam_" + string(kind),
			AggregateID:   target.Key,
			RoutingKey:    contractsmq.RoutingKeySenderBlocked,
			Payload: contractsmq.SenderBlockedPayload{
				Envelope:   contractsmq.Envelope{EventID: uuid.NewString(), TraceID: trace.FromContext(ctx)},
				Kind:       string(kind),
				Address:    target.Key,
				Counter:    counter,
				DeletedIDs: ids,
				BlockedAt:  time.Now().UTC(),
			},
		}
	})
	if err != nil {
		return nil, err
	}
	if deleted == nil {
		deleted = []string{}
	}
	res.DeletedIDs = deleted
	res.Message = fmt.Sprintf("Blocked %s - archived & deleted %d emails", target.Display(), len(deleted))

	metrics.IncrementSpamBlock(string(kind))
	log.Info("Sender blocked",
		zap.String("kind", string(kind)),
		zap.String("target", target.Key),
		zap.Int("counter", counter),
		zap.Int("deleted", len(deleted)),
	)
	return res, nil
}
