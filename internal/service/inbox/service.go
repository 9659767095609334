package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsmq "commandcenter/contracts/mq"
	"commandcenter/internal/jmap"
	"commandcenter/internal/model"
	"commandcenter/internal/repository"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/trace"
)

var (
	ErrMissingFastmailID = errors.New("missing fastmailId")
	ErrNoIDs             = errors.New("no ids given")
)

type Store interface {
	List(ctx context.Context, f repository.ListFilter) ([]model.InboxItem, error)
	Get(ctx context.Context, id string) (*model.InboxItem, error)
	SetStatus(ctx context.Context, ids []string, status model.Status) (int64, error)
	SetChatStatus(ctx context.Context, chatID string, status model.Status) (int64, error)
	MarkRead(ctx context.Context, ids []string) (int64, error)
	DeleteItem(ctx context.Context, id string, evt model.OutboxEvent) (bool, error)
	DeleteByFastmailID(ctx context.Context, fastmailID string) (int64, error)
}

// Provider 邮件服务商侧操作
type Provider interface {
	Archive(ctx context.Context, fastmailID string) error
	MarkAsRead(ctx context.Context, fastmailIDs []string) (jmap.UpdateResult, error)
}

// MarkReadResult /mark-as-read 的返回
type MarkReadResult struct {
	Provider jmap.UpdateResult `json:"fastmail"`
	Inbox    int64             `json:"supabase"`
}

type Service struct {
	store    Store
	provider Provider
	logger   *zap.Logger
}

func NewService(store Store, provider Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, provider: provider, logger: logger}
}

// List 返回工作收件箱
func (s *Service) List(ctx context.Context, f repository.ListFilter) ([]model.InboxItem, error) {
	return s.store.List(ctx, f)
}

// Get 读取单条
func (s *Service) Get(ctx context.Context, id string) (*model.InboxItem, error) {
	return s.store.Get(ctx, id)
}

// SetStatus 批量写状态，快速归档的检查点和回滚都走这里
func (s *Service) SetStatus(ctx context.Context, ids []string, status model.Status) (int64, error) {
	if len(ids) == 0 {
		return 0, ErrNoIDs
	}
	return s.store.SetStatus(ctx, ids, status)
}

// UpdateStatus 给线程打标签（need_actions / waiting_input），不删除
func (s *Service) UpdateStatus(ctx context.Context, ids []string, status model.Status) (int64, error) {
	if !status.IsTag() {
		return 0, fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}
	return s.SetStatus(ctx, ids, status)
}

// UpdateChatStatus 给整个聊天打标签
func (s *Service) UpdateChatStatus(ctx context.Context, chatID string, status model.Status) (int64, error) {
	if !status.IsTag() {
		return 0, fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}
	if chatID == "" {
		return 0, ErrNoIDs
	}
	return s.store.SetChatStatus(ctx, chatID, status)
}

// DeleteItem 先在服务商侧归档，再删除收件箱条目
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	log := logger.WithTrace(ctx, s.logger)

	it, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if it.FastmailID != "" {
		if err := s.provider.Archive(ctx, it.FastmailID); err != nil {
			log.Warn("Failed to archive before delete", zap.String("inbox_id", id), zap.Error(err))
		}
	}

	deleted, err := s.store.DeleteItem(ctx, id, model.OutboxEvent{
		AggregateType: "inbox_item",
		AggregateID:   id,
		RoutingKey:    contractsmq.RoutingKeyItemDeleted,
		Payload: contractsmq.ItemDeletedPayload{
			Envelope:   contractsmq.Envelope{EventID: uuid.NewString(), TraceID: trace.FromContext(ctx)},
			InboxID:    id,
			FastmailID: it.FastmailID,
			DeletedAt:  time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("inbox item %s: %w", id, repository.ErrNotFound)
	}
	log.Info("Inbox item deleted", zap.String("inbox_id", id))
	return nil
}

// ArchiveByProviderID 归档服务商侧邮件并删除对应的收件箱条目；删除失败只记日志
func (s *Service) ArchiveByProviderID(ctx context.Context, fastmailID string) error {
	if fastmailID == "" {
		return ErrMissingFastmailID
	}
	log := logger.WithTrace(ctx, s.logger)

	if err := s.provider.Archive(ctx, fastmailID); err != nil {
		return err
	}

	n, err := s.store.DeleteByFastmailID(ctx, fastmailID)
	if err != nil {
		log.Warn("Failed to delete archived email from inbox", zap.String("fastmail_id", fastmailID), zap.Error(err))
		return nil
	}
	log.Info("Archived email", zap.String("fastmail_id", fastmailID), zap.Int64("inbox_rows", n))
	return nil
}

// MarkAsRead 在服务商和收件箱两侧标记已读
func (s *Service) MarkAsRead(ctx context.Context, fastmailIDs, inboxIDs []string) (*MarkReadResult, error) {
	if len(fastmailIDs) == 0 {
		return nil, ErrNoIDs
	}
	res := &MarkReadResult{}
	var err error
	res.Provider, err = s.provider.MarkAsRead(ctx, fastmailIDs)
	if err != nil {
		return nil, err
	}
	if len(inboxIDs) > 0 {
		res.Inbox, err = s.store.MarkRead(ctx, inboxIDs)
		if err != nil {
			logger.WithTrace(ctx, s.logger).Warn("Failed to mark inbox rows read", zap.Error(err))
		}
	}
	return res, nil
}
